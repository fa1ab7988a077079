// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reconcile_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/blinklabs-io/attest/capability"
	"github.com/blinklabs-io/attest/ephemeral"
	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/event"
	"github.com/blinklabs-io/attest/evidence"
	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/reconcile"
	"github.com/blinklabs-io/attest/types"
)

const testNetwork = "preview"

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type countingPurger struct {
	mu    sync.Mutex
	inner epoch.Purger
	calls int
	fail  int
}

func (c *countingPurger) Purge(ctx context.Context, id types.EpochId) error {
	c.mu.Lock()
	c.calls++
	fail := c.fail > 0
	if fail {
		c.fail--
	}
	c.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return c.inner.Purge(ctx, id)
}

func (c *countingPurger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type harness struct {
	reg        *prometheus.Registry
	manager    *epoch.Manager
	machine    *presence.StateMachine
	store      *ephemeral.Store
	purger     *countingPurger
	reconciler *reconcile.Reconciler
	validators []ed25519.PrivateKey
	mu         sync.Mutex
	lifecycle  []epoch.Transition
	presences  []presence.Transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithVerifier(t, evidence.NewEd25519Verifier(testNetwork))
}

func newHarnessWithVerifier(t *testing.T, verifier presence.SignatureVerifier) *harness {
	t.Helper()
	h := &harness{reg: prometheus.NewRegistry()}
	clock := types.ClockFunc(func() time.Time { return testTime })
	bus := event.NewEventBus(h.reg, nil)
	store, err := ephemeral.New(ephemeral.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	h.store = store
	h.purger = &countingPurger{inner: store}
	h.manager = epoch.NewManager(
		epoch.WithEventBus(bus),
		epoch.WithPurger(h.purger),
		epoch.WithClock(clock),
		epoch.WithPromRegistry(h.reg),
	)
	store.SetActivityChecker(h.manager)

	var pubs []ed25519.PublicKey
	for i := range 3 {
		key := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{byte(200 + i)}, ed25519.SeedSize))
		h.validators = append(h.validators, key)
		pubs = append(pubs, key.Public().(ed25519.PublicKey))
	}
	quorum, err := evidence.NewThresholdQuorum(testNetwork, 2, pubs)
	require.NoError(t, err)
	h.machine = presence.NewStateMachine(
		presence.WithEventBus(bus),
		presence.WithClock(clock),
		presence.WithSignatureVerifier(verifier),
		presence.WithQuorumVerifier(quorum),
		presence.WithEpochGate(h.manager),
	)
	h.reconciler = reconcile.New(
		h.manager,
		h.machine,
		reconcile.WithPromRegistry(h.reg),
	)
	h.manager.AddObserver(epoch.ObserverFunc(func(tr epoch.Transition) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.lifecycle = append(h.lifecycle, tr)
	}))
	bus.SubscribeFunc(event.PresenceTransitionEventType, func(evt event.Event) {
		tr, ok := evt.Data.(presence.Transition)
		if !ok {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.presences = append(h.presences, tr)
	})
	return h
}

func (h *harness) lifecycleCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lifecycle)
}

func (h *harness) presenceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.presences)
}

func (h *harness) apply(t *testing.T, evt reconcile.Event) {
	t.Helper()
	require.NoError(t, h.reconciler.Apply(context.Background(), evt))
}

func (h *harness) activeEpoch(t *testing.T, id types.EpochId, level capability.Level) {
	t.Helper()
	h.apply(t, epochCreated(id, level))
	h.apply(t, reconcile.EpochStateChanged{Id: id, State: epoch.StateActive})
}

func (h *harness) quorum(t *testing.T, actor types.Actor, id types.EpochId, n int) presence.QuorumEvidence {
	t.Helper()
	var ret presence.QuorumEvidence
	for _, key := range h.validators[:n] {
		a, err := evidence.Attest(key, testNetwork, actor, id)
		require.NoError(t, err)
		ret.Attestations = append(ret.Attestations, a)
	}
	return ret
}

func epochCreated(id types.EpochId, level capability.Level) reconcile.EpochCreated {
	return reconcile.EpochCreated{
		Id:             id,
		Title:          "Community meetup",
		Capability:     level,
		ScheduledStart: testTime,
		ScheduledEnd:   testTime.Add(3 * time.Hour),
	}
}

func declaration(t *testing.T, seed byte, id types.EpochId, nonce string) reconcile.PresenceDeclared {
	t.Helper()
	key := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	sig, actor, err := evidence.SignDeclaration(key, testNetwork, id, []byte(nonce))
	require.NoError(t, err)
	return reconcile.PresenceDeclared{Actor: actor, EpochId: id, Signature: sig}
}

// Presence only epochs never unlock messaging, even for validated actors
func TestScenarioPresenceOnlyValidation(t *testing.T) {
	h := newHarness(t)
	h.activeEpoch(t, 7, capability.PresenceOnly)

	declared := declaration(t, 0xa1, 7, "n")
	assert.False(t, capability.IsAllowed(capability.PresenceOnly, capability.FeatureMessaging))
	h.apply(t, declared)
	assert.Equal(t, presence.StateDeclared, h.machine.State(declared.Actor, 7))
	assert.False(t, capability.IsAllowed(capability.PresenceOnly, capability.FeatureMessaging))

	h.apply(t, reconcile.PresenceValidated{
		Actor:   declared.Actor,
		EpochId: 7,
		Quorum:  h.quorum(t, declared.Actor, 7, 2),
	})
	p, ok := h.machine.Presence(declared.Actor, 7)
	require.True(t, ok)
	assert.Equal(t, presence.StateValidated, p.State)
	assert.NotEmpty(t, p.QuorumRef)
	ep, ok := h.manager.Epoch(7)
	require.True(t, ok)
	assert.False(t, capability.IsAllowed(ep.Capability, capability.FeatureMessaging))
	assert.True(t, capability.IsAllowed(ep.Capability, capability.FeaturePresence))
}

// Closing an epoch removes every ephemeral record and refuses new ones
func TestScenarioCloseWipesMedia(t *testing.T) {
	h := newHarness(t)
	h.activeEpoch(t, 9, capability.PresenceWithEphemeralData)
	ctx := context.Background()
	for range 3 {
		_, err := h.store.Put(ctx, ephemeral.Record{
			EpochId:     9,
			Kind:        ephemeral.KindMedia,
			Author:      "0xa1",
			ContentType: "image/jpeg",
			Body:        []byte("media-ref"),
		})
		require.NoError(t, err)
	}

	recordsAtNotify := -1
	h.manager.AddObserver(epoch.ObserverFunc(func(tr epoch.Transition) {
		if tr.To == epoch.StateClosed {
			recordsAtNotify, _ = h.store.Count(tr.EpochId)
		}
	}))
	h.apply(t, reconcile.EpochStateChanged{Id: 9, State: epoch.StateClosed})
	assert.Zero(t, recordsAtNotify, "records must be gone when observers hear of the close")

	records, err := h.store.Records(9)
	require.NoError(t, err)
	assert.Empty(t, records)
	_, err = h.store.Put(ctx, ephemeral.Record{EpochId: 9, Kind: ephemeral.KindMessage, Body: []byte("late")})
	require.ErrorIs(t, err, types.ErrEpochNotActive)
}

// A second, distinct declaration is rejected and leaves the record alone
func TestScenarioDuplicateDeclaration(t *testing.T) {
	h := newHarness(t)
	h.activeEpoch(t, 3, capability.PresenceWithSocial)

	first := declaration(t, 0x01, 3, "first")
	h.apply(t, first)
	before, ok := h.machine.Presence(first.Actor, 3)
	require.True(t, ok)

	second := declaration(t, 0x01, 3, "second")
	require.Equal(t, first.Actor, second.Actor)
	err := h.reconciler.Apply(context.Background(), second)
	require.ErrorIs(t, err, types.ErrDuplicatePresence)
	assert.Equal(t, types.ReasonAlreadyDeclared, types.ReasonFor(err))

	after, ok := h.machine.Presence(first.Actor, 3)
	require.True(t, ok)
	assert.Equal(t, presence.StateDeclared, after.State)
	assert.Equal(t, before.DeclarationRef, after.DeclarationRef)
	assert.Len(t, after.Reached, 1)
	assert.Equal(t, 1, h.presenceCount())
}

// Validation before declaration fails cleanly; the correct order succeeds later
func TestScenarioValidatedBeforeDeclared(t *testing.T) {
	h := newHarness(t)
	h.activeEpoch(t, 4, capability.PresenceWithSocial)
	declared := declaration(t, 0x02, 4, "n")
	validated := reconcile.PresenceValidated{
		Actor:   declared.Actor,
		EpochId: 4,
		Quorum:  h.quorum(t, declared.Actor, 4, 3),
	}

	err := h.reconciler.Apply(context.Background(), validated)
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, presence.StateNone, h.machine.State(declared.Actor, 4))
	_, exists := h.machine.Presence(declared.Actor, 4)
	assert.False(t, exists)

	h.apply(t, declared)
	h.apply(t, validated)
	assert.Equal(t, presence.StateValidated, h.machine.State(declared.Actor, 4))
}

// A close that commits while a declaration is being verified wins
func TestCloseDuringDeclarationVerify(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	inner := evidence.NewEd25519Verifier(testNetwork)
	h := newHarnessWithVerifier(t, presence.SignatureVerifierFunc(
		func(ctx context.Context, actor types.Actor, id types.EpochId, sig presence.SignatureEvidence) error {
			close(entered)
			<-release
			return inner.VerifyDeclaration(ctx, actor, id, sig)
		},
	))
	h.activeEpoch(t, 12, capability.PresenceWithSocial)
	declared := declaration(t, 0x0c, 12, "n")

	errc := make(chan error, 1)
	go func() {
		errc <- h.reconciler.Apply(context.Background(), declared)
	}()
	<-entered
	h.apply(t, reconcile.EpochStateChanged{Id: 12, State: epoch.StateClosed})
	close(release)

	err := <-errc
	require.ErrorIs(t, err, types.ErrEpochNotActive)
	_, exists := h.machine.Presence(declared.Actor, 12)
	assert.False(t, exists)
	assert.Zero(t, h.presenceCount())
	ep, ok := h.manager.Epoch(12)
	require.True(t, ok)
	assert.Equal(t, epoch.StateClosed, ep.State)
}

// Closed delivered twice purges and notifies exactly once
func TestScenarioClosedRedelivered(t *testing.T) {
	h := newHarness(t)
	h.activeEpoch(t, 5, capability.PresenceWithEphemeralData)
	closed := reconcile.EpochStateChanged{Id: 5, State: epoch.StateClosed}

	h.apply(t, closed)
	require.Equal(t, 1, h.purger.count())
	notified := h.lifecycleCount()

	h.apply(t, closed)
	assert.Equal(t, 1, h.purger.count())
	assert.Equal(t, notified, h.lifecycleCount())
	ep, _ := h.manager.Epoch(5)
	assert.Equal(t, epoch.StateClosed, ep.State)
}

func TestRedeliveryHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	created := epochCreated(6, capability.PresenceWithSocial)
	h.apply(t, created)
	h.apply(t, created)
	active := reconcile.EpochStateChanged{Id: 6, State: epoch.StateActive}
	h.apply(t, active)
	h.apply(t, active)
	assert.Equal(t, 1, h.lifecycleCount())

	declared := declaration(t, 0x03, 6, "n")
	h.apply(t, declared)
	h.apply(t, declared)
	validated := reconcile.PresenceValidated{
		Actor:   declared.Actor,
		EpochId: 6,
		Quorum:  h.quorum(t, declared.Actor, 6, 2),
	}
	h.apply(t, validated)
	h.apply(t, validated)
	assert.Equal(t, 2, h.presenceCount())

	// Stale lifecycle states are absorbed too
	h.apply(t, reconcile.EpochStateChanged{Id: 6, State: epoch.StateClosed})
	h.apply(t, active)
	h.apply(t, reconcile.EpochStateChanged{Id: 6, State: epoch.StateScheduled})
	assert.Equal(t, 2, h.lifecycleCount())

	finalized := reconcile.PresenceFinalized{Actor: declared.Actor, EpochId: 6}
	h.apply(t, finalized)
	h.apply(t, finalized)
	// A validation arriving after finalization was already applied
	h.apply(t, validated)
	assert.Equal(t, 3, h.presenceCount())
	assert.Equal(t, presence.StateFinalized, h.machine.State(declared.Actor, 6))

	var noops float64
	for _, kind := range []string{
		reconcile.KindEpochCreated,
		reconcile.KindEpochStateChanged,
		reconcile.KindPresenceDeclared,
		reconcile.KindPresenceValidated,
		reconcile.KindPresenceFinalized,
	} {
		noops += counterValue(t, h.reg, kind, "noop")
	}
	assert.InDelta(t, 8, noops, 0)
	assert.InDelta(t, 1, counterValue(t, h.reg, reconcile.KindPresenceFinalized, "applied"), 0)
}

func counterValue(t *testing.T, reg *prometheus.Registry, kind, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "attest_reconcile_events_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["kind"] == kind && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestSlashing(t *testing.T) {
	h := newHarness(t)
	h.activeEpoch(t, 2, capability.PresenceWithSocial)
	declared := declaration(t, 0x04, 2, "n")
	h.apply(t, declared)
	slashed := reconcile.PresenceSlashed{Actor: declared.Actor, EpochId: 2, Reason: "double attendance"}
	h.apply(t, slashed)
	h.apply(t, slashed)
	p, ok := h.machine.Presence(declared.Actor, 2)
	require.True(t, ok)
	assert.Equal(t, presence.StateSlashed, p.State)
	assert.Equal(t, "double attendance", p.SlashReason)
	assert.False(t, p.State.CanInteract())

	h.apply(t, reconcile.EpochStateChanged{Id: 2, State: epoch.StateClosed})
	err := h.reconciler.Apply(context.Background(), reconcile.PresenceFinalized{Actor: declared.Actor, EpochId: 2})
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, presence.StateSlashed, h.machine.State(declared.Actor, 2))
}

func TestEventOrderingRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	declared := declaration(t, 0x05, 12, "n")

	// Nothing is known about epoch 12 yet
	for _, evt := range []reconcile.Event{
		reconcile.EpochStateChanged{Id: 12, State: epoch.StateActive},
		declared,
		reconcile.PresenceValidated{Actor: declared.Actor, EpochId: 12},
		reconcile.PresenceFinalized{Actor: declared.Actor, EpochId: 12},
		reconcile.PresenceSlashed{Actor: declared.Actor, EpochId: 12},
	} {
		err := h.reconciler.Apply(ctx, evt)
		require.ErrorIs(t, err, types.ErrUnknownEpoch, evt.Kind())
		require.ErrorIs(t, err, types.ErrInvalidTransition, evt.Kind())
	}

	h.apply(t, epochCreated(12, capability.PresenceWithSocial))
	// Declarations require an Active epoch
	err := h.reconciler.Apply(ctx, declared)
	require.ErrorIs(t, err, types.ErrEpochNotActive)
	// Skipping straight to Closed is not a lifecycle edge
	err = h.reconciler.Apply(ctx, reconcile.EpochStateChanged{Id: 12, State: epoch.StateClosed})
	require.ErrorIs(t, err, types.ErrInvalidTransition)

	h.apply(t, reconcile.EpochStateChanged{Id: 12, State: epoch.StateActive})
	h.apply(t, declared)
	h.apply(t, reconcile.PresenceValidated{
		Actor:   declared.Actor,
		EpochId: 12,
		Quorum:  h.quorum(t, declared.Actor, 12, 2),
	})
	// Finalization waits for the epoch to close
	finalized := reconcile.PresenceFinalized{Actor: declared.Actor, EpochId: 12}
	err = h.reconciler.Apply(ctx, finalized)
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	h.apply(t, reconcile.EpochStateChanged{Id: 12, State: epoch.StateClosed})
	h.apply(t, finalized)
	h.apply(t, reconcile.EpochStateChanged{Id: 12, State: epoch.StateFinalized})
	assert.Equal(t, presence.StateFinalized, h.machine.State(declared.Actor, 12))
}

func TestEvidenceRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeEpoch(t, 13, capability.PresenceWithSocial)
	declared := declaration(t, 0x06, 13, "n")

	forged := declared
	forged.Actor = "0x00000000000000000000000000000000000000aa"
	err := h.reconciler.Apply(ctx, forged)
	require.ErrorIs(t, err, types.ErrUnauthorizedActor)
	assert.Equal(t, types.ReasonUnauthorized, types.ReasonFor(err))

	h.apply(t, declared)
	err = h.reconciler.Apply(ctx, reconcile.PresenceValidated{
		Actor:   declared.Actor,
		EpochId: 13,
		Quorum:  h.quorum(t, declared.Actor, 13, 1),
	})
	require.ErrorIs(t, err, types.ErrQuorumNotReached)
	assert.Equal(t, types.ReasonNotYetQuorate, types.ReasonFor(err))
	assert.Equal(t, presence.StateDeclared, h.machine.State(declared.Actor, 13))
}

func TestConflictingEpochCreated(t *testing.T) {
	h := newHarness(t)
	h.apply(t, epochCreated(14, capability.PresenceOnly))
	conflict := epochCreated(14, capability.PresenceWithEphemeralData)
	err := h.reconciler.Apply(context.Background(), conflict)
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	require.ErrorIs(t, err, types.ErrEpochConflict)
	ep, ok := h.manager.Epoch(14)
	require.True(t, ok)
	assert.Equal(t, capability.PresenceOnly, ep.Capability)
}

func TestPurgeFailureHoldsEpochOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeEpoch(t, 15, capability.PresenceWithEphemeralData)
	_, err := h.store.Put(ctx, ephemeral.Record{EpochId: 15, Kind: ephemeral.KindMessage, Body: []byte("hi")})
	require.NoError(t, err)
	h.purger.fail = 1

	err = h.reconciler.Apply(ctx, reconcile.EpochStateChanged{Id: 15, State: epoch.StateClosed})
	require.ErrorIs(t, err, types.ErrPurgeFailure)
	ep, _ := h.manager.Epoch(15)
	assert.Equal(t, epoch.StateActive, ep.State)
	assert.Equal(t, []types.EpochId{15}, h.manager.PendingPurges())
	assert.Equal(t, 1, h.lifecycleCount())

	require.NoError(t, h.reconciler.RetryPendingPurges(ctx))
	ep, _ = h.manager.Epoch(15)
	assert.Equal(t, epoch.StateClosed, ep.State)
	assert.Empty(t, h.manager.PendingPurges())
	count, err := h.store.Count(15)
	require.NoError(t, err)
	assert.Zero(t, count)
	// Nothing pending means nothing to do
	require.NoError(t, h.reconciler.RetryPendingPurges(ctx))
	assert.Equal(t, 2, h.purger.count())
}

func TestConcurrentRedelivery(t *testing.T) {
	h := newHarness(t)
	h.activeEpoch(t, 16, capability.PresenceWithSocial)
	declared := declaration(t, 0x07, 16, "n")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.reconciler.Apply(context.Background(), declared)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.presenceCount())
	assert.Equal(t, presence.StateDeclared, h.machine.State(declared.Actor, 16))
}

func TestApplyRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	manager := epoch.NewManager()
	r := reconcile.New(
		manager,
		presence.NewStateMachine(),
		reconcile.WithTracerProvider(provider),
	)
	ctx := context.Background()
	require.NoError(t, r.Apply(ctx, epochCreated(1, capability.PresenceOnly)))
	require.Error(t, r.Apply(ctx, reconcile.EpochStateChanged{Id: 2, State: epoch.StateActive}))
	require.Error(t, r.Apply(ctx, nil))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "reconcile.EpochCreated", spans[0].Name())
	assert.Equal(t, "reconcile.EpochStateChanged", spans[1].Name())
	assert.NotEmpty(t, spans[1].Events(), "the error is recorded on the span")
}
