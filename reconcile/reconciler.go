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

// Package reconcile is the single entry point for externally sourced
// lifecycle and presence events. It translates ledger facts into epoch and
// presence transitions, absorbing redeliveries and rejecting events that
// arrive before their predecessors.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/internal/keylock"
	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/blinklabs-io/attest/reconcile"

type outcome string

const (
	outcomeApplied outcome = "applied"
	outcomeNoop    outcome = "noop"
)

// Reconciler applies external events to the epoch manager and presence
// state machine. Events for the same epoch, or the same (actor, epoch)
// pair, are applied one at a time in arrival order and never reordered.
type Reconciler struct {
	promRegistry   prometheus.Registerer
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger
	epochs         *epoch.Manager
	presences      *presence.StateMachine
	metrics        *reconcilerMetrics
	epochLocks     keylock.Map[types.EpochId]
	presenceLocks  keylock.Map[types.PresenceKey]
}

// New creates a reconciler in front of the given manager and state machine
func New(
	epochs *epoch.Manager,
	presences *presence.StateMachine,
	opts ...ReconcilerOptionFunc,
) *Reconciler {
	r := &Reconciler{
		epochs:    epochs,
		presences: presences,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		r.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if r.tracerProvider == nil {
		r.tracerProvider = otel.GetTracerProvider()
	}
	r.tracer = r.tracerProvider.Tracer(tracerName)
	if r.promRegistry != nil {
		r.metrics = &reconcilerMetrics{}
		r.metrics.init(r.promRegistry)
	}
	return r
}

// Apply handles one external event. Redelivery of an already applied event
// succeeds without side effects. Out of order events fail without mutating
// anything and may be retried later.
func (r *Reconciler) Apply(ctx context.Context, evt Event) error {
	if evt == nil {
		return errors.New("nil event")
	}
	kind := evt.Kind()
	ctx, span := r.tracer.Start(
		ctx,
		"reconcile."+kind,
		trace.WithAttributes(eventAttributes(evt)...),
	)
	defer span.End()
	start := time.Now()

	var res outcome
	var err error
	switch e := evt.(type) {
	case EpochCreated:
		res, err = r.applyEpochCreated(e)
	case EpochStateChanged:
		res, err = r.applyEpochStateChanged(ctx, e)
	case PresenceDeclared:
		res, err = r.applyPresenceDeclared(ctx, e)
	case PresenceValidated:
		res, err = r.applyPresenceValidated(ctx, e)
	case PresenceFinalized:
		res, err = r.applyPresenceFinalized(ctx, e)
	case PresenceSlashed:
		res, err = r.applyPresenceSlashed(ctx, e)
	default:
		err = fmt.Errorf("unsupported event type %T", evt)
	}

	label := string(res)
	if err != nil {
		label = string(types.ReasonFor(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level := slog.LevelWarn
		if errors.Is(err, types.ErrPurgeFailure) {
			level = slog.LevelError
		}
		r.logger.Log(
			ctx,
			level,
			"event rejected",
			"component", "reconcile",
			"kind", kind,
			"reason", label,
			"error", err,
		)
	} else {
		span.SetAttributes(attribute.String("attest.outcome", label))
		r.logger.Debug(
			"event reconciled",
			"component", "reconcile",
			"kind", kind,
			"outcome", label,
		)
	}
	if r.metrics != nil {
		r.metrics.events.WithLabelValues(kind, label).Inc()
		r.metrics.duration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	return err
}

// RetryPendingPurges re-delivers a Closed transition for every epoch whose
// close is held open by an earlier purge failure
func (r *Reconciler) RetryPendingPurges(ctx context.Context) error {
	var errs []error
	for _, id := range r.epochs.PendingPurges() {
		err := r.Apply(ctx, EpochStateChanged{Id: id, State: epoch.StateClosed})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) applyEpochCreated(e EpochCreated) (outcome, error) {
	unlock := r.epochLocks.Lock(e.Id)
	defer unlock()
	created, err := r.epochs.Create(epoch.Epoch{
		Id:             e.Id,
		Title:          e.Title,
		Capability:     e.Capability,
		ScheduledStart: e.ScheduledStart,
		ScheduledEnd:   e.ScheduledEnd,
		Location:       e.Location,
	})
	if err != nil {
		return "", err
	}
	if !created {
		return outcomeNoop, nil
	}
	return outcomeApplied, nil
}

func (r *Reconciler) applyEpochStateChanged(
	ctx context.Context,
	e EpochStateChanged,
) (outcome, error) {
	unlock := r.epochLocks.Lock(e.Id)
	defer unlock()
	current, ok := r.epochs.Epoch(e.Id)
	if !ok {
		return "", unknownEpoch(e.Id)
	}
	// A state at or behind the committed one has already been applied
	if e.State == current.State || e.State.Precedes(current.State) {
		return outcomeNoop, nil
	}
	if err := r.epochs.ApplyLifecycleEvent(ctx, e.Id, e.State, e.EffectiveAt); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (r *Reconciler) applyPresenceDeclared(
	ctx context.Context,
	e PresenceDeclared,
) (outcome, error) {
	key := types.PresenceKey{Actor: e.Actor, EpochId: e.EpochId}
	unlock := r.presenceLocks.Lock(key)
	defer unlock()
	ep, ok := r.epochs.Epoch(e.EpochId)
	if !ok {
		return "", unknownEpoch(e.EpochId)
	}
	if current, exists := r.presences.Presence(e.Actor, e.EpochId); exists {
		// The same signed declaration delivered again
		if current.DeclarationRef == e.Signature.Digest() {
			return outcomeNoop, nil
		}
		// Anything else is a second declaration, which the state machine
		// rejects and counts
	} else if ep.State != epoch.StateActive {
		return "", fmt.Errorf(
			"%w: cannot declare presence in epoch %d while %s",
			types.ErrEpochNotActive,
			e.EpochId,
			ep.State,
		)
	}
	sig := e.Signature
	return r.transition(ctx, key, presence.StateDeclared, presence.Evidence{Signature: &sig})
}

func (r *Reconciler) applyPresenceValidated(
	ctx context.Context,
	e PresenceValidated,
) (outcome, error) {
	key := types.PresenceKey{Actor: e.Actor, EpochId: e.EpochId}
	unlock := r.presenceLocks.Lock(key)
	defer unlock()
	if _, ok := r.epochs.Epoch(e.EpochId); !ok {
		return "", unknownEpoch(e.EpochId)
	}
	if r.reached(key, presence.StateValidated) {
		return outcomeNoop, nil
	}
	quorum := e.Quorum
	return r.transition(ctx, key, presence.StateValidated, presence.Evidence{Quorum: &quorum})
}

func (r *Reconciler) applyPresenceFinalized(
	ctx context.Context,
	e PresenceFinalized,
) (outcome, error) {
	key := types.PresenceKey{Actor: e.Actor, EpochId: e.EpochId}
	unlock := r.presenceLocks.Lock(key)
	defer unlock()
	ep, ok := r.epochs.Epoch(e.EpochId)
	if !ok {
		return "", unknownEpoch(e.EpochId)
	}
	if r.reached(key, presence.StateFinalized) {
		return outcomeNoop, nil
	}
	// Finalization is a post-close confirmation
	if ep.State != epoch.StateClosed && ep.State != epoch.StateFinalized {
		return "", fmt.Errorf(
			"%w: %s: cannot finalize presence while epoch is %s",
			types.ErrInvalidTransition,
			key,
			ep.State,
		)
	}
	return r.transition(ctx, key, presence.StateFinalized, presence.Evidence{})
}

func (r *Reconciler) applyPresenceSlashed(
	ctx context.Context,
	e PresenceSlashed,
) (outcome, error) {
	key := types.PresenceKey{Actor: e.Actor, EpochId: e.EpochId}
	unlock := r.presenceLocks.Lock(key)
	defer unlock()
	if _, ok := r.epochs.Epoch(e.EpochId); !ok {
		return "", unknownEpoch(e.EpochId)
	}
	if r.reached(key, presence.StateSlashed) {
		return outcomeNoop, nil
	}
	return r.transition(ctx, key, presence.StateSlashed, presence.Evidence{Reason: e.Reason})
}

// reached reports whether the pair has already passed through target
func (r *Reconciler) reached(key types.PresenceKey, target presence.State) bool {
	current, exists := r.presences.Presence(key.Actor, key.EpochId)
	if !exists {
		return false
	}
	if current.State == target {
		return true
	}
	_, ok := current.Reached[target]
	return ok
}

func (r *Reconciler) transition(
	ctx context.Context,
	key types.PresenceKey,
	target presence.State,
	ev presence.Evidence,
) (outcome, error) {
	if _, err := r.presences.Transition(ctx, key.Actor, key.EpochId, target, ev); err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func unknownEpoch(id types.EpochId) error {
	return fmt.Errorf(
		"%w: epoch %d: %w",
		types.ErrInvalidTransition,
		id,
		types.ErrUnknownEpoch,
	)
}

func eventAttributes(evt Event) []attribute.KeyValue {
	switch e := evt.(type) {
	case EpochCreated:
		return []attribute.KeyValue{
			attribute.String("attest.epoch", e.Id.String()),
			attribute.String("attest.capability", e.Capability.String()),
		}
	case EpochStateChanged:
		return []attribute.KeyValue{
			attribute.String("attest.epoch", e.Id.String()),
			attribute.String("attest.state", e.State.String()),
		}
	case PresenceDeclared:
		return presenceAttributes(e.Actor, e.EpochId)
	case PresenceValidated:
		return presenceAttributes(e.Actor, e.EpochId)
	case PresenceFinalized:
		return presenceAttributes(e.Actor, e.EpochId)
	case PresenceSlashed:
		return presenceAttributes(e.Actor, e.EpochId)
	default:
		return nil
	}
}

func presenceAttributes(actor types.Actor, epochId types.EpochId) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("attest.epoch", epochId.String()),
		attribute.String("attest.actor", string(actor)),
	}
}
