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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type archiveMetrics struct {
	recorded    prometheus.Counter
	writeErrors prometheus.Counter
	dropped     prometheus.Counter
}

func (m *archiveMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.recorded = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_history_events_recorded_total",
		Help: "bus events written to the history archive",
	})
	m.writeErrors = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_history_write_errors_total",
		Help: "bus events that could not be archived",
	})
	m.dropped = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_history_events_dropped_total",
		Help: "bus events dropped because the archive queue was full",
	})
}
