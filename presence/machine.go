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

package presence

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/blinklabs-io/attest/event"
	"github.com/blinklabs-io/attest/internal/keylock"
	"github.com/blinklabs-io/attest/types"
	"github.com/prometheus/client_golang/prometheus"
)

// StateMachine holds every presence record and enforces the legal
// transition graph. Transitions for one (actor, epoch) pair are applied one
// at a time in arrival order.
type StateMachine struct {
	promRegistry      prometheus.Registerer
	logger            *slog.Logger
	clock             types.Clock
	signatureVerifier SignatureVerifier
	quorumVerifier    QuorumVerifier
	eventBus          *event.EventBus
	epochGate         EpochGate
	metrics           *machineMetrics
	records           map[types.PresenceKey]*Presence
	writers           keylock.Map[types.PresenceKey]
	mu                sync.RWMutex
}

var errNoVerifier = errors.New("no verifier configured")

// EpochGate holds an epoch in its Active state while a declaration commits.
// WhileActive runs commit only if the epoch is Active and keeps any
// lifecycle transition of that epoch from committing until commit returns.
// Otherwise it returns an error matching types.ErrEpochNotActive or
// types.ErrUnknownEpoch.
type EpochGate interface {
	WhileActive(epochId types.EpochId, commit func()) error
}

// NewStateMachine creates a presence state machine. Without verifiers every
// declaration and validation is rejected.
func NewStateMachine(opts ...StateMachineOptionFunc) *StateMachine {
	s := &StateMachine{
		records: make(map[types.PresenceKey]*Presence),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if s.clock == nil {
		s.clock = types.SystemClock
	}
	if s.eventBus == nil {
		s.eventBus = event.NewEventBus(s.promRegistry, s.logger)
	}
	if s.promRegistry != nil {
		s.metrics = &machineMetrics{}
		s.metrics.init(s.promRegistry)
	}
	return s
}

// EventBus returns the bus presence transitions are published on
func (s *StateMachine) EventBus() *event.EventBus {
	return s.eventBus
}

// AddObserver registers an observer for presence transitions. Observers run
// in registration order after the record commits.
func (s *StateMachine) AddObserver(o Observer) event.EventSubscriberId {
	return s.eventBus.SubscribeFunc(
		event.PresenceTransitionEventType,
		func(evt event.Event) {
			if t, ok := evt.Data.(Transition); ok {
				o.PresenceTransitioned(t)
			}
		},
	)
}

// RemoveObserver deregisters an observer
func (s *StateMachine) RemoveObserver(id event.EventSubscriberId) {
	s.eventBus.Unsubscribe(event.PresenceTransitionEventType, id)
}

// Transition requests that the (actor, epochId) pair move to target. On
// failure the committed record is left untouched. With an EpochGate a
// declaration commits only while its epoch is Active.
func (s *StateMachine) Transition(
	ctx context.Context,
	actor types.Actor,
	epochId types.EpochId,
	target State,
	evidence Evidence,
) (Presence, error) {
	key := types.PresenceKey{Actor: actor, EpochId: epochId}
	unlock := s.writers.Lock(key)
	defer unlock()

	current := s.lookup(key)
	from := current.State
	if target == StateDeclared && from != StateNone {
		s.reject(target, "duplicate")
		return current, fmt.Errorf(
			"%w: %s is %s: %w",
			types.ErrDuplicatePresence,
			key,
			from,
			types.ErrInvalidTransition,
		)
	}
	if !CanTransition(from, target) {
		s.reject(target, "invalid")
		return current, fmt.Errorf(
			"%w: %s: %s -> %s",
			types.ErrInvalidTransition,
			key,
			from,
			target,
		)
	}

	// Verification may block on collaborators. Only this pair's writer lock
	// is held, so readers keep seeing the committed record.
	next := current.Clone()
	switch target {
	case StateDeclared:
		if err := s.verifyDeclaration(ctx, key, evidence.Signature); err != nil {
			s.reject(target, "unauthorized")
			return current, err
		}
		next.DeclarationRef = evidence.Signature.Digest()
	case StateValidated:
		if err := s.verifyQuorum(ctx, key, evidence.Quorum); err != nil {
			s.reject(target, "quorum")
			return current, err
		}
		next.QuorumRef = evidence.Quorum.Digest()
	case StateSlashed:
		next.SlashReason = evidence.Reason
	}
	if err := ctx.Err(); err != nil {
		return current, err
	}

	now := s.clock.Now()
	next.Actor = actor
	next.EpochId = epochId
	next.State = target
	if next.Reached == nil {
		next.Reached = make(map[State]time.Time)
	}
	next.Reached[target] = now

	commit := func() {
		s.mu.Lock()
		s.records[key] = &next
		s.mu.Unlock()
	}
	// The epoch may have left Active while verification was running
	if target == StateDeclared && s.epochGate != nil {
		if err := s.epochGate.WhileActive(epochId, commit); err != nil {
			s.reject(target, "inactive")
			return current, fmt.Errorf("declare %s: %w", key, err)
		}
	} else {
		commit()
	}

	if s.metrics != nil {
		s.metrics.transitions.WithLabelValues(target.String()).Inc()
	}
	s.logger.Info(
		"presence transition",
		"component", "presence",
		"actor", actor,
		"epoch", epochId,
		"from", from.String(),
		"to", target.String(),
	)
	s.eventBus.Publish(
		event.PresenceTransitionEventType,
		event.NewEventAt(
			event.PresenceTransitionEventType,
			Transition{
				Actor:   actor,
				EpochId: epochId,
				From:    from,
				To:      target,
				At:      now,
			},
			now,
		),
	)
	return next.Clone(), nil
}

func (s *StateMachine) verifyDeclaration(
	ctx context.Context,
	key types.PresenceKey,
	evidence *SignatureEvidence,
) error {
	if evidence == nil {
		return fmt.Errorf(
			"%w: %s: missing signature evidence",
			types.ErrUnauthorizedActor,
			key,
		)
	}
	err := errNoVerifier
	if s.signatureVerifier != nil {
		err = s.signatureVerifier.VerifyDeclaration(ctx, key.Actor, key.EpochId, *evidence)
	}
	if err == nil {
		return nil
	}
	// A timed out or cancelled wait is a plain failure, not a verdict
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: signature verification: %w", key, ctxErr)
	}
	if errors.Is(err, types.ErrUnauthorizedActor) {
		return fmt.Errorf("%s: %w", key, err)
	}
	return fmt.Errorf("%w: %s: %w", types.ErrUnauthorizedActor, key, err)
}

func (s *StateMachine) verifyQuorum(
	ctx context.Context,
	key types.PresenceKey,
	evidence *QuorumEvidence,
) error {
	if evidence == nil {
		return fmt.Errorf(
			"%w: %s: missing quorum evidence",
			types.ErrQuorumNotReached,
			key,
		)
	}
	err := errNoVerifier
	if s.quorumVerifier != nil {
		err = s.quorumVerifier.VerifyQuorum(ctx, key.Actor, key.EpochId, *evidence)
	}
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: quorum verification: %w", key, ctxErr)
	}
	if errors.Is(err, types.ErrQuorumNotReached) {
		return fmt.Errorf("%s: %w", key, err)
	}
	return fmt.Errorf("%w: %s: %w", types.ErrQuorumNotReached, key, err)
}

func (s *StateMachine) reject(target State, reason string) {
	if s.metrics != nil {
		s.metrics.rejections.WithLabelValues(target.String(), reason).Inc()
	}
}

// lookup returns a copy of the committed record, or a None record
func (s *StateMachine) lookup(key types.PresenceKey) Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.records[key]; ok {
		return p.Clone()
	}
	return Presence{Actor: key.Actor, EpochId: key.EpochId, State: StateNone}
}

// Presence returns the committed record for the pair. The second return
// value is false when the pair is still None.
func (s *StateMachine) Presence(
	actor types.Actor,
	epochId types.EpochId,
) (Presence, bool) {
	p := s.lookup(types.PresenceKey{Actor: actor, EpochId: epochId})
	return p, p.State != StateNone
}

// State returns the committed state of the pair
func (s *StateMachine) State(actor types.Actor, epochId types.EpochId) State {
	p, _ := s.Presence(actor, epochId)
	return p.State
}

// Presences returns copies of every record in the epoch ordered by actor
func (s *StateMachine) Presences(epochId types.EpochId) []Presence {
	s.mu.RLock()
	var ret []Presence
	for key, p := range s.records {
		if key.EpochId == epochId {
			ret = append(ret, p.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(ret, func(a, b Presence) int {
		return cmp.Compare(a.Actor, b.Actor)
	})
	return ret
}

// All returns copies of every record ordered by epoch then actor
func (s *StateMachine) All() []Presence {
	s.mu.RLock()
	ret := make([]Presence, 0, len(s.records))
	for _, p := range s.records {
		ret = append(ret, p.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(ret, func(a, b Presence) int {
		if c := cmp.Compare(a.EpochId, b.EpochId); c != 0 {
			return c
		}
		return cmp.Compare(a.Actor, b.Actor)
	})
	return ret
}

// Restore loads historical records, for example after a restart. None
// records are ignored since absence already means None.
func (s *StateMachine) Restore(records []Presence) {
	for _, p := range records {
		if p.State == StateNone {
			continue
		}
		key := p.Key()
		unlock := s.writers.Lock(key)
		restored := p.Clone()
		s.mu.Lock()
		s.records[key] = &restored
		s.mu.Unlock()
		unlock()
	}
}
