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

package ephemeral

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	puts          *prometheus.CounterVec
	rejectedPuts  prometheus.Counter
	records       prometheus.Gauge
	purges        prometheus.Counter
	purgedRecords prometheus.Counter
}

func (m *storeMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.puts = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_ephemeral_puts_total",
			Help: "ephemeral records written by kind",
		},
		[]string{"kind"},
	)
	m.rejectedPuts = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_ephemeral_rejected_puts_total",
		Help: "writes refused because the epoch was not active",
	})
	m.records = promautoFactory.NewGauge(prometheus.GaugeOpts{
		Name: "attest_ephemeral_records",
		Help: "ephemeral records currently held",
	})
	m.purges = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_ephemeral_purges_total",
		Help: "completed epoch purges",
	})
	m.purgedRecords = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_ephemeral_purged_records_total",
		Help: "ephemeral records removed by purges",
	})
}
