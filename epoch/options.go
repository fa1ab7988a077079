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
	"log/slog"

	"github.com/blinklabs-io/attest/event"
	"github.com/blinklabs-io/attest/types"
	"github.com/prometheus/client_golang/prometheus"
)

type ManagerOptionFunc func(*Manager)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) ManagerOptionFunc {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPromRegistry specifies the prometheus registry to use for metrics
func WithPromRegistry(registry prometheus.Registerer) ManagerOptionFunc {
	return func(m *Manager) {
		m.promRegistry = registry
	}
}

// WithEventBus specifies the bus used to notify observers
func WithEventBus(eventBus *event.EventBus) ManagerOptionFunc {
	return func(m *Manager) {
		m.eventBus = eventBus
	}
}

// WithPurger specifies the store that is purged when an epoch closes
func WithPurger(purger Purger) ManagerOptionFunc {
	return func(m *Manager) {
		m.purger = purger
	}
}

// WithClock specifies the clock used when an event carries no effective time
func WithClock(clock types.Clock) ManagerOptionFunc {
	return func(m *Manager) {
		m.clock = clock
	}
}
