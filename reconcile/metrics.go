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

package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type reconcilerMetrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func (m *reconcilerMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.events = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_reconcile_events_total",
			Help: "external events handled by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	m.duration = promautoFactory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "attest_reconcile_apply_seconds",
			Help:    "time spent applying an external event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
}
