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

// Package attest is the client-side enforcement engine of the presence
// protocol. An Engine wires the epoch lifecycle, presence state machine,
// ephemeral store and event reconciler together and exposes the feature
// gated operations built on them.
package attest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blinklabs-io/attest/ephemeral"
	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/event"
	"github.com/blinklabs-io/attest/evidence"
	"github.com/blinklabs-io/attest/history"
	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/reconcile"
	"github.com/blinklabs-io/attest/types"
)

type Engine struct {
	eventBus      *event.EventBus
	epochs        *epoch.Manager
	presences     *presence.StateMachine
	store         *ephemeral.Store
	reconciler    *reconcile.Reconciler
	archive       *history.Archive
	shutdownFuncs []func(context.Context) error
	config        Config
	done          chan struct{}
	wg            sync.WaitGroup
	started       bool
	mu            sync.Mutex
	shutdownOnce  sync.Once
}

// New builds an engine from cfg. Nothing runs until Start is called.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	e := &Engine{
		config:   cfg,
		eventBus: event.NewEventBus(cfg.promRegistry, cfg.logger),
		done:     make(chan struct{}),
	}
	store, err := ephemeral.New(
		ephemeral.WithLogger(cfg.logger),
		ephemeral.WithPromRegistry(cfg.promRegistry),
		ephemeral.WithClock(cfg.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ephemeral store: %w", err)
	}
	e.store = store
	// The manager and presence state machine share one bus so that
	// observers see a single ordered stream of transitions
	e.epochs = epoch.NewManager(
		epoch.WithLogger(cfg.logger),
		epoch.WithPromRegistry(cfg.promRegistry),
		epoch.WithEventBus(e.eventBus),
		epoch.WithClock(cfg.clock),
		epoch.WithPurger(store),
	)
	store.SetActivityChecker(e.epochs)
	signatureVerifier := cfg.signatureVerifier
	if signatureVerifier == nil {
		signatureVerifier = evidence.NewEd25519Verifier(cfg.network)
	}
	e.presences = presence.NewStateMachine(
		presence.WithLogger(cfg.logger),
		presence.WithPromRegistry(cfg.promRegistry),
		presence.WithEventBus(e.eventBus),
		presence.WithClock(cfg.clock),
		presence.WithSignatureVerifier(signatureVerifier),
		presence.WithQuorumVerifier(cfg.quorumVerifier),
		presence.WithEpochGate(e.epochs),
	)
	e.reconciler = reconcile.New(
		e.epochs,
		e.presences,
		reconcile.WithLogger(cfg.logger),
		reconcile.WithPromRegistry(cfg.promRegistry),
	)
	if cfg.history {
		archive, err := history.New(
			history.WithLogger(cfg.logger),
			history.WithPromRegistry(cfg.promRegistry),
			history.WithDataDir(cfg.historyPath),
			history.WithQueueSize(cfg.historyQueueSize),
		)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		e.archive = archive
	}
	return e, nil
}

func (c Config) validate() error {
	if c.logger == nil {
		return errors.New("no logger configured")
	}
	if c.clock == nil {
		return errors.New("no clock configured")
	}
	if c.purgeRetryInterval < 0 {
		return fmt.Errorf("invalid purge retry interval: %s", c.purgeRetryInterval)
	}
	if c.historyPath != "" && !c.history {
		return errors.New("history path set but history is disabled")
	}
	return nil
}

// Start restores archived state and starts background work. Restored
// epochs that are no longer Active are purged before Start returns.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true
	// Configure tracing
	if e.config.tracing {
		if err := e.setupTracing(ctx); err != nil {
			return err
		}
	}
	if e.archive != nil {
		if err := e.restore(ctx); err != nil {
			return err
		}
		if err := e.archive.Start(e.eventBus, e.epochs, e.presences); err != nil {
			return err
		}
	}
	if e.config.purgeRetryInterval > 0 {
		e.wg.Add(1)
		go e.purgeRetryLoop(e.config.purgeRetryInterval)
	}
	e.config.logger.Info(
		"engine started",
		"component", "attest",
		"network", e.config.network,
		"history", e.archive != nil,
	)
	return nil
}

func (e *Engine) restore(ctx context.Context) error {
	epochs, presences, err := e.archive.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	e.presences.Restore(presences)
	// Purge failures leave the epoch pending; the retry loop picks it up
	if err := e.epochs.Restore(ctx, epochs); err != nil {
		if !errors.Is(err, types.ErrPurgeFailure) {
			return fmt.Errorf("failed to restore epochs: %w", err)
		}
		e.config.logger.Error(
			"restored epochs could not be purged",
			"component", "attest",
			"error", err,
		)
	}
	e.config.logger.Debug(
		"restored history",
		"component", "attest",
		"epochs", len(epochs),
		"presences", len(presences),
	)
	return nil
}

func (e *Engine) purgeRetryLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			if len(e.epochs.PendingPurges()) == 0 {
				continue
			}
			if err := e.reconciler.RetryPendingPurges(context.Background()); err != nil {
				e.config.logger.Warn(
					"purge retry failed",
					"component", "attest",
					"error", err,
				)
			}
		}
	}
}

// Stop shuts the engine down. All ephemeral data is discarded.
func (e *Engine) Stop() error {
	var err error
	e.shutdownOnce.Do(func() {
		err = e.shutdown()
	})
	return err
}

func (e *Engine) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.shutdownTimeout)
	defer cancel()

	var err error
	e.config.logger.Debug("starting graceful shutdown", "component", "attest")

	// Phase 1: Stop background work
	close(e.done)
	e.wg.Wait()

	// Phase 2: Flush history
	if e.archive != nil {
		e.archive.Stop()
		if saveErr := e.archive.SaveAll(ctx, e.epochs.Epochs(), e.presences.All()); saveErr != nil {
			err = errors.Join(err, fmt.Errorf("history flush: %w", saveErr))
		}
		if closeErr := e.archive.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("history close: %w", closeErr))
		}
	}

	// Phase 3: Discard ephemeral data
	if closeErr := e.store.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("ephemeral store close: %w", closeErr))
	}

	// Call registered shutdown functions
	for _, fn := range e.shutdownFuncs {
		if fnErr := fn(ctx); fnErr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown function: %w", fnErr))
		}
	}
	e.shutdownFuncs = nil

	e.eventBus.Stop()
	e.config.logger.Debug("graceful shutdown complete", "component", "attest")
	return err
}

// Apply hands an externally sourced event to the reconciler
func (e *Engine) Apply(ctx context.Context, evt reconcile.Event) error {
	return e.reconciler.Apply(ctx, evt)
}

// EventBus returns the bus lifecycle and presence transitions are published on
func (e *Engine) EventBus() *event.EventBus {
	return e.eventBus
}

// AddObserver registers an observer of epoch lifecycle transitions. Presence
// transitions are delivered through AddPresenceObserver.
func (e *Engine) AddObserver(o epoch.Observer) event.EventSubscriberId {
	return e.epochs.AddObserver(o)
}

// RemoveObserver deregisters an observer
func (e *Engine) RemoveObserver(id event.EventSubscriberId) {
	e.epochs.RemoveObserver(id)
}

// AddPresenceObserver registers an observer of presence transitions
func (e *Engine) AddPresenceObserver(o presence.Observer) event.EventSubscriberId {
	return e.presences.AddObserver(o)
}

// RemovePresenceObserver deregisters a presence observer
func (e *Engine) RemovePresenceObserver(id event.EventSubscriberId) {
	e.presences.RemoveObserver(id)
}

// Epoch returns the committed state of an epoch
func (e *Engine) Epoch(id types.EpochId) (epoch.Epoch, bool) {
	return e.epochs.Epoch(id)
}

// Epochs returns every known epoch ordered by id
func (e *Engine) Epochs() []epoch.Epoch {
	return e.epochs.Epochs()
}

// Presence returns the committed presence of an actor in an epoch
func (e *Engine) Presence(actor types.Actor, epochId types.EpochId) (presence.Presence, bool) {
	return e.presences.Presence(actor, epochId)
}

// Presences returns every presence of an epoch ordered by actor
func (e *Engine) Presences(epochId types.EpochId) []presence.Presence {
	return e.presences.Presences(epochId)
}

// PendingPurges returns the epochs whose close is held open by a failed purge
func (e *Engine) PendingPurges() []types.EpochId {
	return e.epochs.PendingPurges()
}
