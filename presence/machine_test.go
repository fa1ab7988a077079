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

package presence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/blinklabs-io/attest/event"
	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/types"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var allStates = []presence.State{
	presence.StateNone,
	presence.StateDeclared,
	presence.StateValidated,
	presence.StateFinalized,
	presence.StateSlashed,
}

// acceptAll verifies any evidence that is present
var acceptAll = []presence.StateMachineOptionFunc{
	presence.WithSignatureVerifier(presence.SignatureVerifierFunc(
		func(context.Context, types.Actor, types.EpochId, presence.SignatureEvidence) error {
			return nil
		},
	)),
	presence.WithQuorumVerifier(presence.QuorumVerifierFunc(
		func(context.Context, types.Actor, types.EpochId, presence.QuorumEvidence) error {
			return nil
		},
	)),
	presence.WithClock(types.ClockFunc(func() time.Time { return testTime })),
}

func validEvidence(nonce string) presence.Evidence {
	return presence.Evidence{
		Signature: &presence.SignatureEvidence{
			PublicKey: []byte("pk"),
			Signature: []byte("sig"),
			Nonce:     []byte(nonce),
		},
		Quorum: &presence.QuorumEvidence{
			Attestations: []presence.Attestation{
				{Validator: []byte("v1"), Signature: []byte("s1")},
			},
		},
		Reason: "double attendance",
	}
}

func TestPresenceTable(t *testing.T) {
	legal := map[[2]presence.State]bool{
		{presence.StateNone, presence.StateDeclared}:       true,
		{presence.StateDeclared, presence.StateValidated}:  true,
		{presence.StateDeclared, presence.StateSlashed}:    true,
		{presence.StateValidated, presence.StateFinalized}: true,
		{presence.StateValidated, presence.StateSlashed}:   true,
	}
	for _, from := range allStates {
		for _, to := range allStates {
			assert.Equal(
				t,
				legal[[2]presence.State{from, to}],
				presence.CanTransition(from, to),
				"%s -> %s", from, to,
			)
		}
		if from.Terminal() {
			for _, to := range allStates {
				assert.False(t, presence.CanTransition(from, to))
			}
		}
	}
}

func TestCanInteract(t *testing.T) {
	expected := map[presence.State]bool{
		presence.StateNone:      false,
		presence.StateDeclared:  true,
		presence.StateValidated: true,
		presence.StateFinalized: true,
		presence.StateSlashed:   false,
	}
	for s, want := range expected {
		assert.Equal(t, want, s.CanInteract(), s.String())
	}
}

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	sm := presence.NewStateMachine(acceptAll...)
	var published []presence.Transition
	sm.EventBus().SubscribeFunc(event.PresenceTransitionEventType, func(evt event.Event) {
		published = append(published, evt.Data.(presence.Transition))
	})
	ev := validEvidence("n1")

	p, err := sm.Transition(ctx, "0xa1", 7, presence.StateDeclared, ev)
	require.NoError(t, err)
	assert.Equal(t, presence.StateDeclared, p.State)
	assert.Equal(t, ev.Signature.Digest(), p.DeclarationRef)

	p, err = sm.Transition(ctx, "0xa1", 7, presence.StateValidated, ev)
	require.NoError(t, err)
	assert.Equal(t, ev.Quorum.Digest(), p.QuorumRef)

	p, err = sm.Transition(ctx, "0xa1", 7, presence.StateFinalized, presence.Evidence{})
	require.NoError(t, err)
	assert.Equal(t, presence.StateFinalized, p.State)
	assert.Len(t, p.Reached, 3)
	assert.Equal(t, ev.Quorum.Digest(), p.QuorumRef)

	require.Len(t, published, 3)
	assert.Equal(t, presence.StateNone, published[0].From)
	assert.Equal(t, presence.StateFinalized, published[2].To)

	_, err = sm.Transition(ctx, "0xa1", 7, presence.StateSlashed, ev)
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, presence.StateFinalized, sm.State("0xa1", 7))
}

func TestDuplicateDeclarationRejected(t *testing.T) {
	ctx := context.Background()
	sm := presence.NewStateMachine(acceptAll...)
	_, err := sm.Transition(ctx, "0xa1", 7, presence.StateDeclared, validEvidence("n1"))
	require.NoError(t, err)
	first, _ := sm.Presence("0xa1", 7)

	_, err = sm.Transition(ctx, "0xa1", 7, presence.StateDeclared, validEvidence("n2"))
	assert.ErrorIs(t, err, types.ErrDuplicatePresence)
	assert.Equal(t, types.ReasonAlreadyDeclared, types.ReasonFor(err))

	after, _ := sm.Presence("0xa1", 7)
	assert.Equal(t, first, after)
	assert.Len(t, after.Reached, 1)
}

type gateFunc func(types.EpochId, func()) error

func (f gateFunc) WhileActive(id types.EpochId, commit func()) error {
	return f(id, commit)
}

func TestDeclarationCommitsThroughEpochGate(t *testing.T) {
	ctx := context.Background()
	active := map[types.EpochId]bool{7: true}
	var gated []types.EpochId
	gate := gateFunc(func(id types.EpochId, commit func()) error {
		gated = append(gated, id)
		if !active[id] {
			return types.ErrEpochNotActive
		}
		commit()
		return nil
	})
	sm := presence.NewStateMachine(append(acceptAll, presence.WithEpochGate(gate))...)
	var published int
	sm.EventBus().SubscribeFunc(event.PresenceTransitionEventType, func(event.Event) {
		published++
	})

	_, err := sm.Transition(ctx, "0xa1", 7, presence.StateDeclared, validEvidence("n1"))
	require.NoError(t, err)
	assert.Equal(t, presence.StateDeclared, sm.State("0xa1", 7))

	p, err := sm.Transition(ctx, "0xa1", 8, presence.StateDeclared, validEvidence("n2"))
	require.ErrorIs(t, err, types.ErrEpochNotActive)
	assert.Equal(t, presence.StateNone, p.State)
	_, exists := sm.Presence("0xa1", 8)
	assert.False(t, exists)
	assert.Equal(t, 1, published)

	// Only declarations are tied to the epoch being Active
	_, err = sm.Transition(ctx, "0xa1", 7, presence.StateValidated, validEvidence("n1"))
	require.NoError(t, err)
	assert.Equal(t, []types.EpochId{7, 8}, gated)
}

func TestObservers(t *testing.T) {
	ctx := context.Background()
	sm := presence.NewStateMachine(acceptAll...)
	var seen []presence.Transition
	id := sm.AddObserver(presence.ObserverFunc(func(tr presence.Transition) {
		seen = append(seen, tr)
	}))
	_, err := sm.Transition(ctx, "0xa1", 7, presence.StateDeclared, validEvidence("n1"))
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, presence.Transition{
		Actor:   "0xa1",
		EpochId: 7,
		From:    presence.StateNone,
		To:      presence.StateDeclared,
		At:      testTime,
	}, seen[0])

	sm.RemoveObserver(id)
	_, err = sm.Transition(ctx, "0xa1", 7, presence.StateValidated, validEvidence("n1"))
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestValidatedBeforeDeclared(t *testing.T) {
	ctx := context.Background()
	sm := presence.NewStateMachine(acceptAll...)
	_, err := sm.Transition(ctx, "0xa1", 7, presence.StateValidated, validEvidence("n1"))
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	_, ok := sm.Presence("0xa1", 7)
	assert.False(t, ok)
	assert.Empty(t, sm.Presences(7))
}

func TestEvidenceRequired(t *testing.T) {
	ctx := context.Background()
	sm := presence.NewStateMachine(acceptAll...)
	_, err := sm.Transition(ctx, "0xa1", 7, presence.StateDeclared, presence.Evidence{})
	assert.ErrorIs(t, err, types.ErrUnauthorizedActor)

	_, err = sm.Transition(ctx, "0xa1", 7, presence.StateDeclared, validEvidence("n1"))
	require.NoError(t, err)
	_, err = sm.Transition(ctx, "0xa1", 7, presence.StateValidated, presence.Evidence{})
	assert.ErrorIs(t, err, types.ErrQuorumNotReached)
	assert.Equal(t, presence.StateDeclared, sm.State("0xa1", 7))
}

func TestVerifierRejections(t *testing.T) {
	ctx := context.Background()
	sm := presence.NewStateMachine(
		presence.WithSignatureVerifier(presence.SignatureVerifierFunc(
			func(_ context.Context, actor types.Actor, _ types.EpochId, _ presence.SignatureEvidence) error {
				if actor != "0xa1" {
					return errors.New("signer mismatch")
				}
				return nil
			},
		)),
		presence.WithQuorumVerifier(presence.QuorumVerifierFunc(
			func(context.Context, types.Actor, types.EpochId, presence.QuorumEvidence) error {
				return errors.New("2 of 3 attestations")
			},
		)),
	)
	_, err := sm.Transition(ctx, "0xb2", 7, presence.StateDeclared, validEvidence("n1"))
	assert.ErrorIs(t, err, types.ErrUnauthorizedActor)
	assert.Equal(t, presence.StateNone, sm.State("0xb2", 7))

	_, err = sm.Transition(ctx, "0xa1", 7, presence.StateDeclared, validEvidence("n1"))
	require.NoError(t, err)
	_, err = sm.Transition(ctx, "0xa1", 7, presence.StateValidated, validEvidence("n1"))
	assert.ErrorIs(t, err, types.ErrQuorumNotReached)
	assert.Equal(t, types.ReasonNotYetQuorate, types.ReasonFor(err))
}

func TestNoVerifierDeniesByDefault(t *testing.T) {
	sm := presence.NewStateMachine()
	_, err := sm.Transition(
		context.Background(), "0xa1", 7, presence.StateDeclared, validEvidence("n1"),
	)
	assert.ErrorIs(t, err, types.ErrUnauthorizedActor)
}

func TestVerifierTimeoutIsPlainFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	sm := presence.NewStateMachine(
		presence.WithSignatureVerifier(presence.SignatureVerifierFunc(
			func(ctx context.Context, _ types.Actor, _ types.EpochId, _ presence.SignatureEvidence) error {
				<-ctx.Done()
				return ctx.Err()
			},
		)),
	)
	_, err := sm.Transition(ctx, "0xa1", 7, presence.StateDeclared, validEvidence("n1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, types.ErrUnauthorizedActor)
	assert.Equal(t, presence.StateNone, sm.State("0xa1", 7))
}

func TestRestore(t *testing.T) {
	sm := presence.NewStateMachine(acceptAll...)
	sm.Restore([]presence.Presence{
		{Actor: "0xb2", EpochId: 1, State: presence.StateValidated},
		{Actor: "0xa1", EpochId: 1, State: presence.StateSlashed, SlashReason: "fraud"},
		{Actor: "0xc3", EpochId: 2, State: presence.StateNone},
	})
	ps := sm.Presences(1)
	require.Len(t, ps, 2)
	assert.Equal(t, types.Actor("0xa1"), ps[0].Actor)
	assert.Len(t, sm.All(), 2)
	_, err := sm.Transition(
		context.Background(), "0xa1", 1, presence.StateDeclared, validEvidence("n1"),
	)
	assert.ErrorIs(t, err, types.ErrDuplicatePresence)
}

// Any sequence of requests keeps each pair on a legal path through the graph
func TestTrajectoryProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		sm := presence.NewStateMachine(acceptAll...)
		actors := []types.Actor{"0xa1", "0xb2"}
		history := map[types.Actor][]presence.State{}
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for range steps {
			actor := rapid.SampledFrom(actors).Draw(rt, "actor")
			target := rapid.SampledFrom(allStates[1:]).Draw(rt, "target")
			before := sm.State(actor, 3)
			_, err := sm.Transition(ctx, actor, 3, target, validEvidence("n"))
			after := sm.State(actor, 3)
			if presence.CanTransition(before, target) {
				if err != nil {
					rt.Fatalf("legal %s -> %s rejected: %v", before, target, err)
				}
				history[actor] = append(history[actor], after)
			} else {
				if err == nil {
					rt.Fatalf("illegal %s -> %s accepted", before, target)
				}
				if after != before {
					rt.Fatalf("rejected transition mutated state %s -> %s", before, after)
				}
			}
		}
		for actor, path := range history {
			prev := presence.StateNone
			terminals := 0
			for _, s := range path {
				if !presence.CanTransition(prev, s) {
					rt.Fatalf("%s: path step %s -> %s", actor, prev, s)
				}
				if s.Terminal() {
					terminals++
				}
				prev = s
			}
			if terminals > 1 {
				rt.Fatalf("%s: %d terminal states", actor, terminals)
			}
		}
	})
}
