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

package history

import (
	"context"
	"errors"
	"sync"

	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/event"
	"github.com/blinklabs-io/attest/presence"
)

var recordedEventTypes = []event.EventType{
	event.EpochCreatedEventType,
	event.EpochTransitionEventType,
	event.PresenceTransitionEventType,
}

// recorder is a bus subscriber that funnels several event types into one
// queue, preserving publication order across them
type recorder struct {
	ch     chan event.Event
	onDrop func(event.Event)
	mu     sync.Mutex
	closed bool
}

func (r *recorder) Deliver(evt event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	select {
	case r.ch <- evt:
		return nil
	default:
		// Drops are counted by the archive and never reported to the
		// publisher
		if r.onDrop != nil {
			r.onDrop(evt)
		}
		return nil
	}
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.ch)
}

// Start begins archiving every epoch and presence change published on bus.
// Records are written asynchronously from a single worker goroutine.
func (a *Archive) Start(
	eventBus *event.EventBus,
	epochs EpochSource,
	presences PresenceSource,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recorder != nil {
		return errors.New("history recording already started")
	}
	a.eventBus = eventBus
	a.epochs = epochs
	a.presences = presences
	a.recorder = a.newRecorder(a.queueSize)
	a.subIds = make(map[event.EventType]event.EventSubscriberId)
	for _, evtType := range recordedEventTypes {
		a.subIds[evtType] = eventBus.RegisterSubscriber(evtType, a.recorder)
	}
	a.wg.Add(1)
	go a.run(a.recorder.ch)
	return nil
}

func (a *Archive) newRecorder(size int) *recorder {
	return &recorder{
		ch:     make(chan event.Event, size),
		onDrop: a.dropped,
	}
}

func (a *Archive) dropped(evt event.Event) {
	if a.metrics != nil {
		a.metrics.dropped.Inc()
	}
	a.logger.Warn(
		"history queue full, dropping event",
		"component", "history",
		"type", string(evt.Type),
	)
}

// Stop unsubscribes from the bus and waits for queued events to be written
func (a *Archive) Stop() {
	a.mu.Lock()
	rec := a.recorder
	a.recorder = nil
	if rec != nil {
		for evtType, subId := range a.subIds {
			a.eventBus.Unsubscribe(evtType, subId)
		}
		a.subIds = nil
		// Unsubscribe closes the recorder, but the bus may already have
		// dropped it if it was stopped first
		rec.Close()
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Archive) run(ch <-chan event.Event) {
	defer a.wg.Done()
	ctx := context.Background()
	for evt := range ch {
		if err := a.record(ctx, evt); err != nil {
			if a.metrics != nil {
				a.metrics.writeErrors.Inc()
			}
			a.logger.Error(
				"failed to archive event",
				"component", "history",
				"error", err,
			)
			continue
		}
		if a.metrics != nil {
			a.metrics.recorded.Inc()
		}
	}
}

func (a *Archive) record(ctx context.Context, evt event.Event) error {
	switch data := evt.Data.(type) {
	case epoch.Epoch:
		return a.SaveEpoch(ctx, data)
	case epoch.Transition:
		if err := a.saveTransition(ctx, TransitionRecord{
			Subject:   subjectEpoch,
			EpochId:   uint64(data.EpochId),
			FromState: data.From.String(),
			ToState:   data.To.String(),
			At:        data.EffectiveAt,
		}); err != nil {
			return err
		}
		// Archive the current committed state, which may already be ahead
		// of this transition
		if e, ok := a.epochs.Epoch(data.EpochId); ok {
			return a.SaveEpoch(ctx, e)
		}
		return nil
	case presence.Transition:
		if err := a.saveTransition(ctx, TransitionRecord{
			Subject:   subjectPresence,
			EpochId:   uint64(data.EpochId),
			Actor:     string(data.Actor),
			FromState: data.From.String(),
			ToState:   data.To.String(),
			At:        data.At,
		}); err != nil {
			return err
		}
		if p, ok := a.presences.Presence(data.Actor, data.EpochId); ok {
			return a.SavePresence(ctx, p)
		}
		return nil
	default:
		a.logger.Debug(
			"ignoring unexpected event data",
			"component", "history",
			"type", evt.Type,
		)
		return nil
	}
}
