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

package epoch

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

// Manager owns the known epochs and their lifecycle state. Transitions for
// one epoch are applied one at a time; reads always see committed state.
type Manager struct {
	promRegistry prometheus.Registerer
	logger       *slog.Logger
	clock        types.Clock
	purger       Purger
	eventBus     *event.EventBus
	metrics      *managerMetrics
	epochs       map[types.EpochId]*Epoch
	pendingPurge map[types.EpochId]error
	writers      keylock.Map[types.EpochId]
	mu           sync.RWMutex
}

// NewManager creates an epoch manager
func NewManager(opts ...ManagerOptionFunc) *Manager {
	m := &Manager{
		epochs:       make(map[types.EpochId]*Epoch),
		pendingPurge: make(map[types.EpochId]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		m.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if m.clock == nil {
		m.clock = types.SystemClock
	}
	if m.eventBus == nil {
		m.eventBus = event.NewEventBus(m.promRegistry, m.logger)
	}
	if m.promRegistry != nil {
		m.metrics = &managerMetrics{}
		m.metrics.init(m.promRegistry)
	}
	return m
}

// EventBus returns the bus used for observer fan-out
func (m *Manager) EventBus() *event.EventBus {
	return m.eventBus
}

// SetPurger installs the purger after construction. The store and the
// manager reference each other, so one side is wired late.
func (m *Manager) SetPurger(p Purger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purger = p
}

// Create registers a newly observed epoch in the Scheduled state. It returns
// false without error when an identical epoch is already known.
func (m *Manager) Create(e Epoch) (bool, error) {
	if !e.Capability.Valid() {
		return false, fmt.Errorf(
			"%w: epoch %d: unknown capability level %d",
			types.ErrInvalidTransition,
			e.Id,
			e.Capability,
		)
	}
	unlock := m.writers.Lock(e.Id)
	defer unlock()
	m.mu.Lock()
	if existing, ok := m.epochs[e.Id]; ok {
		m.mu.Unlock()
		if existing.SameAttributes(e) {
			return false, nil
		}
		return false, fmt.Errorf(
			"%w: epoch %d: %w",
			types.ErrInvalidTransition,
			e.Id,
			types.ErrEpochConflict,
		)
	}
	created := e.Clone()
	created.State = StateScheduled
	created.Since = m.clock.Now()
	created.Reached = map[State]time.Time{StateScheduled: created.Since}
	m.epochs[e.Id] = &created
	m.mu.Unlock()
	m.logger.Debug(
		"epoch created",
		"component", "epoch",
		"epoch", e.Id,
		"capability", e.Capability.String(),
	)
	m.eventBus.Publish(
		event.EpochCreatedEventType,
		event.NewEventAt(event.EpochCreatedEventType, created.Clone(), created.Since),
	)
	return true, nil
}

// Epoch returns a copy of the committed epoch
func (m *Manager) Epoch(id types.EpochId) (Epoch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.epochs[id]
	if !ok {
		return Epoch{}, false
	}
	return e.Clone(), true
}

// Epochs returns copies of all known epochs ordered by id
func (m *Manager) Epochs() []Epoch {
	m.mu.RLock()
	ret := make([]Epoch, 0, len(m.epochs))
	for _, e := range m.epochs {
		ret = append(ret, e.Clone())
	}
	m.mu.RUnlock()
	slices.SortFunc(ret, func(a, b Epoch) int {
		return cmp.Compare(a.Id, b.Id)
	})
	return ret
}

// EpochActive reports whether the epoch is currently Active. It is consulted
// at write time by the ephemeral store.
func (m *Manager) EpochActive(id types.EpochId) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.epochs[id]
	return ok && e.State == StateActive
}

// WhileActive runs fn with the epoch's lifecycle held, provided the epoch
// is Active. No transition of the epoch commits until fn returns. It must
// not be called from an epoch observer.
func (m *Manager) WhileActive(id types.EpochId, fn func()) error {
	unlock := m.writers.Lock(id)
	defer unlock()
	m.mu.RLock()
	e, ok := m.epochs[id]
	var state State
	if ok {
		state = e.State
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("epoch %d: %w", id, types.ErrUnknownEpoch)
	}
	if state != StateActive {
		return fmt.Errorf(
			"%w: epoch %d is %s",
			types.ErrEpochNotActive,
			id,
			state,
		)
	}
	fn()
	return nil
}

// PendingPurges returns the epochs whose close is blocked by a failed purge
func (m *Manager) PendingPurges() []types.EpochId {
	m.mu.RLock()
	ret := make([]types.EpochId, 0, len(m.pendingPurge))
	for id := range m.pendingPurge {
		ret = append(ret, id)
	}
	m.mu.RUnlock()
	slices.Sort(ret)
	return ret
}

// ApplyLifecycleEvent moves an epoch to target. Closing an epoch purges its
// ephemeral records before the new state is committed; if the purge fails
// the epoch stays Active and ErrPurgeFailure is returned.
func (m *Manager) ApplyLifecycleEvent(
	ctx context.Context,
	id types.EpochId,
	target State,
	effectiveAt time.Time,
) error {
	unlock := m.writers.Lock(id)
	defer unlock()

	m.mu.RLock()
	e, ok := m.epochs[id]
	var from State
	if ok {
		from = e.State
	}
	purger := m.purger
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf(
			"%w: epoch %d: %w",
			types.ErrInvalidTransition,
			id,
			types.ErrUnknownEpoch,
		)
	}
	if !CanTransition(from, target) {
		return fmt.Errorf(
			"%w: epoch %d: %s -> %s",
			types.ErrInvalidTransition,
			id,
			from,
			target,
		)
	}
	if target == StateClosed {
		if err := m.purge(ctx, purger, id); err != nil {
			return err
		}
	}
	if effectiveAt.IsZero() {
		effectiveAt = m.clock.Now()
	}

	m.mu.Lock()
	e.State = target
	e.Since = effectiveAt
	if e.Reached == nil {
		e.Reached = make(map[State]time.Time)
	}
	e.Reached[target] = effectiveAt
	delete(m.pendingPurge, id)
	pending := len(m.pendingPurge)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.transitions.WithLabelValues(target.String()).Inc()
		m.metrics.pendingPurges.Set(float64(pending))
	}
	m.logger.Info(
		"epoch transition",
		"component", "epoch",
		"epoch", id,
		"from", from.String(),
		"to", target.String(),
	)
	m.notify(Transition{
		EpochId:     id,
		From:        from,
		To:          target,
		EffectiveAt: effectiveAt,
	})
	return nil
}

func (m *Manager) purge(
	ctx context.Context,
	purger Purger,
	id types.EpochId,
) error {
	var err error
	if purger == nil {
		err = errors.New("no purger configured")
	} else {
		err = purger.Purge(ctx, id)
	}
	if err == nil {
		return nil
	}
	m.mu.Lock()
	m.pendingPurge[id] = err
	pending := len(m.pendingPurge)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.purgeFailures.Inc()
		m.metrics.pendingPurges.Set(float64(pending))
	}
	m.logger.Error(
		"ephemeral purge failed, epoch held open",
		"component", "epoch",
		"epoch", id,
		"error", err,
	)
	return fmt.Errorf("%w: epoch %d: %w", types.ErrPurgeFailure, id, err)
}

// Restore loads historical epochs, for example after a restart. Restored
// epochs that are no longer Active are purged immediately so that nothing
// written before the restart can outlive its epoch.
func (m *Manager) Restore(ctx context.Context, epochs []Epoch) error {
	var errs []error
	for _, e := range epochs {
		if !e.Capability.Valid() {
			errs = append(errs, fmt.Errorf(
				"epoch %d: unknown capability level %d",
				e.Id,
				e.Capability,
			))
			continue
		}
		unlock := m.writers.Lock(e.Id)
		restored := e.Clone()
		if restored.Reached == nil {
			restored.Reached = map[State]time.Time{restored.State: restored.Since}
		}
		m.mu.Lock()
		m.epochs[e.Id] = &restored
		purger := m.purger
		m.mu.Unlock()
		if restored.State == StateClosed || restored.State == StateFinalized {
			if err := m.purge(ctx, purger, e.Id); err != nil {
				errs = append(errs, err)
			}
		}
		unlock()
	}
	return errors.Join(errs...)
}

// AddObserver registers an observer for lifecycle transitions. Observers run
// in registration order on the commit path; a panicking observer is isolated.
// Only epoch transitions are delivered. Presence transitions go to the bus
// under event.PresenceTransitionEventType, see presence.StateMachine.AddObserver.
func (m *Manager) AddObserver(o Observer) event.EventSubscriberId {
	return m.eventBus.SubscribeFunc(
		event.EpochTransitionEventType,
		func(evt event.Event) {
			if t, ok := evt.Data.(Transition); ok {
				o.EpochTransitioned(t)
			}
		},
	)
}

// RemoveObserver deregisters an observer
func (m *Manager) RemoveObserver(id event.EventSubscriberId) {
	m.eventBus.Unsubscribe(event.EpochTransitionEventType, id)
}

func (m *Manager) notify(t Transition) {
	failures := m.eventBus.Publish(
		event.EpochTransitionEventType,
		event.NewEventAt(event.EpochTransitionEventType, t, t.EffectiveAt),
	)
	if failures > 0 && m.metrics != nil {
		m.metrics.observerFailures.Add(float64(failures))
	}
}
