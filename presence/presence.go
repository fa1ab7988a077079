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

// Package presence enforces the per-actor, per-epoch participation state
// machine.
package presence

import (
	"maps"
	"time"

	"github.com/blinklabs-io/attest/types"
)

// Presence is the participation record of one actor in one epoch
type Presence struct {
	Actor   types.Actor
	EpochId types.EpochId
	State   State
	// Reached records when each visited state was committed
	Reached map[State]time.Time
	// DeclarationRef is the digest of the signature evidence that created
	// the record
	DeclarationRef string
	// QuorumRef is the digest of the quorum evidence backing
	// Validated and Finalized
	QuorumRef   string
	SlashReason string
}

// Key returns the composite identity of the record
func (p Presence) Key() types.PresenceKey {
	return types.PresenceKey{Actor: p.Actor, EpochId: p.EpochId}
}

// Clone returns a deep copy
func (p Presence) Clone() Presence {
	ret := p
	ret.Reached = maps.Clone(p.Reached)
	return ret
}

// Transition is published for every committed presence change
type Transition struct {
	Actor   types.Actor
	EpochId types.EpochId
	From    State
	To      State
	At      time.Time
}

// Observer receives committed presence transitions
type Observer interface {
	PresenceTransitioned(Transition)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Transition)

func (f ObserverFunc) PresenceTransitioned(t Transition) {
	f(t)
}
