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
	"time"

	"github.com/blinklabs-io/attest/capability"
	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/types"
)

// Event is an externally sourced lifecycle or presence fact. The set of
// implementations is closed.
type Event interface {
	// Kind names the event shape, for logs and metrics
	Kind() string
	isEvent()
}

const (
	KindEpochCreated      = "EpochCreated"
	KindEpochStateChanged = "EpochStateChanged"
	KindPresenceDeclared  = "PresenceDeclared"
	KindPresenceValidated = "PresenceValidated"
	KindPresenceFinalized = "PresenceFinalized"
	KindPresenceSlashed   = "PresenceSlashed"
)

// EpochCreated announces an epoch
type EpochCreated struct {
	Id             types.EpochId
	Title          string
	Capability     capability.Level
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Location       *epoch.Location
}

// EpochStateChanged moves an epoch through its lifecycle
type EpochStateChanged struct {
	Id          types.EpochId
	State       epoch.State
	EffectiveAt time.Time
}

// PresenceDeclared is an actor's signed declaration of presence
type PresenceDeclared struct {
	Actor     types.Actor
	EpochId   types.EpochId
	Signature presence.SignatureEvidence
}

// PresenceValidated carries the validator quorum backing a presence
type PresenceValidated struct {
	Actor   types.Actor
	EpochId types.EpochId
	Quorum  presence.QuorumEvidence
}

// PresenceFinalized permanently confirms a validated presence
type PresenceFinalized struct {
	Actor   types.Actor
	EpochId types.EpochId
}

// PresenceSlashed invalidates a presence after a dispute
type PresenceSlashed struct {
	Actor   types.Actor
	EpochId types.EpochId
	Reason  string
}

func (EpochCreated) Kind() string      { return KindEpochCreated }
func (EpochStateChanged) Kind() string { return KindEpochStateChanged }
func (PresenceDeclared) Kind() string  { return KindPresenceDeclared }
func (PresenceValidated) Kind() string { return KindPresenceValidated }
func (PresenceFinalized) Kind() string { return KindPresenceFinalized }
func (PresenceSlashed) Kind() string   { return KindPresenceSlashed }

func (EpochCreated) isEvent()      {}
func (EpochStateChanged) isEvent() {}
func (PresenceDeclared) isEvent()  {}
func (PresenceValidated) isEvent() {}
func (PresenceFinalized) isEvent() {}
func (PresenceSlashed) isEvent()   {}
