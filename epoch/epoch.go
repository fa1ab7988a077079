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

// Package epoch tracks the lifecycle of epochs and drives the purge of their
// ephemeral data on close.
package epoch

import (
	"context"
	"maps"
	"time"

	"github.com/blinklabs-io/attest/capability"
	"github.com/blinklabs-io/attest/types"
)

// Location is where an epoch takes place
type Location struct {
	Name      string
	Latitude  float64
	Longitude float64
}

// Epoch is a time-bounded event. Capability never changes after creation.
type Epoch struct {
	Id             types.EpochId
	Title          string
	Capability     capability.Level
	State          State
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	Location       *Location
	// Since is the effective time of the most recent transition
	Since time.Time
	// Reached records when each visited state took effect
	Reached map[State]time.Time
}

// Clone returns a deep copy
func (e Epoch) Clone() Epoch {
	ret := e
	if e.Location != nil {
		loc := *e.Location
		ret.Location = &loc
	}
	ret.Reached = maps.Clone(e.Reached)
	return ret
}

// SameAttributes reports whether two announcements describe the same epoch.
// Lifecycle state and timestamps are not attributes.
func (e Epoch) SameAttributes(other Epoch) bool {
	if e.Id != other.Id ||
		e.Title != other.Title ||
		e.Capability != other.Capability ||
		!e.ScheduledStart.Equal(other.ScheduledStart) ||
		!e.ScheduledEnd.Equal(other.ScheduledEnd) {
		return false
	}
	if (e.Location == nil) != (other.Location == nil) {
		return false
	}
	return e.Location == nil || *e.Location == *other.Location
}

// Features returns the feature set of the epoch's capability level
func (e Epoch) Features() capability.Set {
	return capability.Features(e.Capability)
}

// Transition is published for every committed lifecycle change
type Transition struct {
	EpochId     types.EpochId
	From        State
	To          State
	EffectiveAt time.Time
}

// Observer is notified synchronously of every committed lifecycle change
type Observer interface {
	EpochTransitioned(Transition)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Transition)

func (f ObserverFunc) EpochTransitioned(t Transition) {
	f(t)
}

// Purger removes every ephemeral record of an epoch. It must be idempotent.
type Purger interface {
	Purge(ctx context.Context, epochId types.EpochId) error
}
