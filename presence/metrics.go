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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type machineMetrics struct {
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
}

func (m *machineMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.transitions = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_presence_transitions_total",
			Help: "committed presence transitions by target state",
		},
		[]string{"state"},
	)
	m.rejections = promautoFactory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attest_presence_rejections_total",
			Help: "rejected presence transitions by target state and reason",
		},
		[]string{"state", "reason"},
	)
}
