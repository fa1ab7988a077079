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
	"log/slog"

	"github.com/blinklabs-io/attest/event"
	"github.com/blinklabs-io/attest/types"
	"github.com/prometheus/client_golang/prometheus"
)

type StateMachineOptionFunc func(*StateMachine)

// WithLogger specifies the logger object to use for logging messages
func WithLogger(logger *slog.Logger) StateMachineOptionFunc {
	return func(s *StateMachine) {
		s.logger = logger
	}
}

// WithPromRegistry specifies the prometheus registry to use for metrics
func WithPromRegistry(registry prometheus.Registerer) StateMachineOptionFunc {
	return func(s *StateMachine) {
		s.promRegistry = registry
	}
}

// WithEventBus specifies the bus transitions are published on
func WithEventBus(eventBus *event.EventBus) StateMachineOptionFunc {
	return func(s *StateMachine) {
		s.eventBus = eventBus
	}
}

// WithClock specifies the clock used for transition timestamps
func WithClock(clock types.Clock) StateMachineOptionFunc {
	return func(s *StateMachine) {
		s.clock = clock
	}
}

// WithSignatureVerifier specifies the collaborator that checks declarations
func WithSignatureVerifier(v SignatureVerifier) StateMachineOptionFunc {
	return func(s *StateMachine) {
		s.signatureVerifier = v
	}
}

// WithQuorumVerifier specifies the collaborator that checks validator quorum
func WithQuorumVerifier(v QuorumVerifier) StateMachineOptionFunc {
	return func(s *StateMachine) {
		s.quorumVerifier = v
	}
}

// WithEpochGate specifies the epoch source a declaration is committed
// against. Without one declarations are not tied to the epoch lifecycle.
func WithEpochGate(gate EpochGate) StateMachineOptionFunc {
	return func(s *StateMachine) {
		s.epochGate = gate
	}
}
