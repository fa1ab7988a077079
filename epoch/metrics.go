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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type managerMetrics struct {
	transitions      *prometheus.CounterVec
	pendingPurges    prometheus.Gauge
	purgeFailures    prometheus.Counter
	observerFailures prometheus.Counter
}

func (m *managerMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.transitions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_epoch_transitions_total",
			Help: "committed epoch lifecycle transitions by target state",
		},
		[]string{"state"},
	)
	m.pendingPurges = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "attest_epoch_pending_purges",
		Help: "epochs held open by a failed ephemeral purge",
	})
	m.purgeFailures = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_epoch_purge_failures_total",
		Help: "ephemeral purge attempts that failed",
	})
	m.observerFailures = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_epoch_observer_failures_total",
		Help: "lifecycle observer deliveries that failed",
	})
}
