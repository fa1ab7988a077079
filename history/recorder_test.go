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
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/attest/capability"
	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/event"
	"github.com/blinklabs-io/attest/types"
)

type noopPurger struct{}

func (noopPurger) Purge(context.Context, types.EpochId) error {
	return nil
}

// A full queue is counted by the archive and is not an observer failure
func TestFullQueueDropsAreCounted(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	a, err := New(WithPromRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, a.Close())
	})
	bus := event.NewEventBus(nil, nil)
	manager := epoch.NewManager(
		epoch.WithEventBus(bus),
		epoch.WithPurger(noopPurger{}),
		epoch.WithPromRegistry(reg),
	)
	// No worker drains the queue
	rec := a.newRecorder(1)
	for _, evtType := range recordedEventTypes {
		bus.RegisterSubscriber(evtType, rec)
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err = manager.Create(epoch.Epoch{
		Id:             3,
		Title:          "Workshop",
		Capability:     capability.PresenceOnly,
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, manager.ApplyLifecycleEvent(ctx, 3, epoch.StateActive, start))
	require.NoError(t, manager.ApplyLifecycleEvent(ctx, 3, epoch.StateClosed, start))
	assert.Len(t, rec.ch, 1)

	expected := `
# HELP attest_epoch_observer_failures_total lifecycle observer deliveries that failed
# TYPE attest_epoch_observer_failures_total counter
attest_epoch_observer_failures_total 0
# HELP attest_history_events_dropped_total bus events dropped because the archive queue was full
# TYPE attest_history_events_dropped_total counter
attest_history_events_dropped_total 2
`
	require.NoError(t, testutil.GatherAndCompare(
		reg,
		strings.NewReader(expected),
		"attest_epoch_observer_failures_total",
		"attest_history_events_dropped_total",
	))
	rec.Close()
	require.NoError(t, rec.Deliver(event.NewEvent(event.EpochCreatedEventType, nil)))
}
