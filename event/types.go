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

package event

const (
	// EpochCreatedEventType carries the epoch.Epoch as first observed
	EpochCreatedEventType = EventType("epoch.created")

	// EpochTransitionEventType carries an epoch.Transition. All ephemeral
	// records for the epoch are already purged when a Closed transition
	// is delivered.
	EpochTransitionEventType = EventType("epoch.transition")

	// PresenceTransitionEventType carries a presence.Transition
	PresenceTransitionEventType = EventType("presence.transition")
)
