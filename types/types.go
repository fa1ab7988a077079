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

// Package types holds identifiers and errors shared by the protocol
// packages.
package types

import (
	"strconv"
	"time"
)

// EpochId uniquely identifies an epoch on the ledger
type EpochId uint64

func (e EpochId) String() string {
	return strconv.FormatUint(uint64(e), 10)
}

// Actor is the verified identity of a participant, usually a hex address
type Actor string

// PresenceKey is the composite identity of a presence record
type PresenceKey struct {
	Actor   Actor
	EpochId EpochId
}

func (k PresenceKey) String() string {
	return string(k.Actor) + "@" + k.EpochId.String()
}

// Clock supplies the current time. It is injected so that transition
// timestamps are deterministic under test
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock returns the wall clock in UTC
var SystemClock Clock = ClockFunc(func() time.Time {
	return time.Now().UTC()
})
