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
	"time"

	"github.com/blinklabs-io/attest/capability"
	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/types"
)

// MigrateModels contains a list of model objects that should have DB migrations applied
var MigrateModels = []any{
	&EpochRecord{},
	&PresenceRecord{},
	&TransitionRecord{},
}

// EpochRecord is the archived form of an epoch. Ephemeral data is never
// archived.
type EpochRecord struct {
	EpochId        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Title          string
	Capability     uint8
	State          uint8 `gorm:"index"`
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	LocationName   string
	Latitude       float64
	Longitude      float64
	HasLocation    bool
	Since          time.Time
	ScheduledAt    *time.Time
	ActiveAt       *time.Time
	ClosedAt       *time.Time
	FinalizedAt    *time.Time
}

func (EpochRecord) TableName() string {
	return "epoch"
}

// PresenceRecord is the archived form of a presence
type PresenceRecord struct {
	ID             uint   `gorm:"primarykey"`
	Actor          string `gorm:"size:128;uniqueIndex:idx_presence_key;not null"`
	EpochId        uint64 `gorm:"uniqueIndex:idx_presence_key;not null"`
	State          uint8
	DeclarationRef string
	QuorumRef      string
	SlashReason    string
	DeclaredAt     *time.Time
	ValidatedAt    *time.Time
	FinalizedAt    *time.Time
	SlashedAt      *time.Time
}

func (PresenceRecord) TableName() string {
	return "presence"
}

// TransitionRecord is one committed lifecycle or presence transition
type TransitionRecord struct {
	ID        uint   `gorm:"primarykey"`
	Subject   string `gorm:"size:16;not null"`
	EpochId   uint64 `gorm:"index"`
	Actor     string `gorm:"size:128"`
	FromState string `gorm:"size:16"`
	ToState   string `gorm:"size:16"`
	At        time.Time
}

func (TransitionRecord) TableName() string {
	return "transition"
}

const (
	subjectEpoch    = "epoch"
	subjectPresence = "presence"
)

func timePtr(m map[epoch.State]time.Time, s epoch.State) *time.Time {
	if t, ok := m[s]; ok {
		return &t
	}
	return nil
}

func presenceTimePtr(m map[presence.State]time.Time, s presence.State) *time.Time {
	if t, ok := m[s]; ok {
		return &t
	}
	return nil
}

func epochRecordFrom(e epoch.Epoch) EpochRecord {
	ret := EpochRecord{
		EpochId:        uint64(e.Id),
		Title:          e.Title,
		Capability:     uint8(e.Capability),
		State:          uint8(e.State),
		ScheduledStart: e.ScheduledStart,
		ScheduledEnd:   e.ScheduledEnd,
		Since:          e.Since,
		ScheduledAt:    timePtr(e.Reached, epoch.StateScheduled),
		ActiveAt:       timePtr(e.Reached, epoch.StateActive),
		ClosedAt:       timePtr(e.Reached, epoch.StateClosed),
		FinalizedAt:    timePtr(e.Reached, epoch.StateFinalized),
	}
	if e.Location != nil {
		ret.HasLocation = true
		ret.LocationName = e.Location.Name
		ret.Latitude = e.Location.Latitude
		ret.Longitude = e.Location.Longitude
	}
	return ret
}

// Epoch converts the record back into an epoch
func (r EpochRecord) Epoch() epoch.Epoch {
	ret := epoch.Epoch{
		Id:             types.EpochId(r.EpochId),
		Title:          r.Title,
		Capability:     capability.Level(r.Capability),
		State:          epoch.State(r.State),
		ScheduledStart: r.ScheduledStart,
		ScheduledEnd:   r.ScheduledEnd,
		Since:          r.Since,
		Reached:        make(map[epoch.State]time.Time),
	}
	if r.HasLocation {
		ret.Location = &epoch.Location{
			Name:      r.LocationName,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
		}
	}
	for state, t := range map[epoch.State]*time.Time{
		epoch.StateScheduled: r.ScheduledAt,
		epoch.StateActive:    r.ActiveAt,
		epoch.StateClosed:    r.ClosedAt,
		epoch.StateFinalized: r.FinalizedAt,
	} {
		if t != nil {
			ret.Reached[state] = *t
		}
	}
	return ret
}

func presenceRecordFrom(p presence.Presence) PresenceRecord {
	return PresenceRecord{
		Actor:          string(p.Actor),
		EpochId:        uint64(p.EpochId),
		State:          uint8(p.State),
		DeclarationRef: p.DeclarationRef,
		QuorumRef:      p.QuorumRef,
		SlashReason:    p.SlashReason,
		DeclaredAt:     presenceTimePtr(p.Reached, presence.StateDeclared),
		ValidatedAt:    presenceTimePtr(p.Reached, presence.StateValidated),
		FinalizedAt:    presenceTimePtr(p.Reached, presence.StateFinalized),
		SlashedAt:      presenceTimePtr(p.Reached, presence.StateSlashed),
	}
}

// Presence converts the record back into a presence
func (r PresenceRecord) Presence() presence.Presence {
	ret := presence.Presence{
		Actor:          types.Actor(r.Actor),
		EpochId:        types.EpochId(r.EpochId),
		State:          presence.State(r.State),
		DeclarationRef: r.DeclarationRef,
		QuorumRef:      r.QuorumRef,
		SlashReason:    r.SlashReason,
		Reached:        make(map[presence.State]time.Time),
	}
	for state, t := range map[presence.State]*time.Time{
		presence.StateDeclared:  r.DeclaredAt,
		presence.StateValidated: r.ValidatedAt,
		presence.StateFinalized: r.FinalizedAt,
		presence.StateSlashed:   r.SlashedAt,
	} {
		if t != nil {
			ret.Reached[state] = *t
		}
	}
	return ret
}
