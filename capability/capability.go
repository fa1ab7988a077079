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

// Package capability maps an epoch's capability level to the features its
// participants may use.
package capability

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Level is one of three ordered capability tiers
type Level uint8

const (
	PresenceOnly Level = iota
	PresenceWithSocial
	PresenceWithEphemeralData
)

// Feature is a gated protocol surface
type Feature string

const (
	FeaturePresence  Feature = "presence"
	FeatureDiscovery Feature = "discovery"
	FeatureMessaging Feature = "messaging"
	FeatureStateSync Feature = "stateSync"
	FeatureMedia     Feature = "media"
)

var levelNames = map[Level]string{
	PresenceOnly:              "presenceOnly",
	PresenceWithSocial:        "presenceWithSocial",
	PresenceWithEphemeralData: "presenceWithEphemeralData",
}

// unlocks lists the features each tier adds on top of the tier below it
var unlocks = [...][]Feature{
	PresenceOnly:              {FeaturePresence},
	PresenceWithSocial:        {FeatureDiscovery, FeatureMessaging, FeatureStateSync},
	PresenceWithEphemeralData: {FeatureMedia},
}

// Valid reports whether l is a known tier
func (l Level) Valid() bool {
	return int(l) < len(unlocks)
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "Level(" + strconv.Itoa(int(l)) + ")"
}

// ParseLevel accepts a tier name (case-insensitive) or its numeric value
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err == nil && Level(n).Valid() {
		return Level(n), nil
	}
	return 0, fmt.Errorf("unknown capability level: %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("unknown capability level: %d", l)
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Set is an immutable feature set
type Set struct {
	features []Feature
}

// Has reports whether f is in the set
func (s Set) Has(f Feature) bool {
	return slices.Contains(s.features, f)
}

// Features returns the members in tier order
func (s Set) Features() []Feature {
	return slices.Clone(s.features)
}

// Len returns the number of features in the set
func (s Set) Len() int {
	return len(s.features)
}

// Features returns the feature set enabled at level l. An unknown level is a
// programming error and panics; validate external input with ParseLevel or
// Level.Valid first.
func Features(l Level) Set {
	if !l.Valid() {
		panic(fmt.Sprintf("capability: unknown level %d", l))
	}
	var ret []Feature
	for tier := PresenceOnly; tier <= l; tier++ {
		ret = append(ret, unlocks[tier]...)
	}
	return Set{features: ret}
}

// IsAllowed reports whether level l unlocks feature f
func IsAllowed(l Level, f Feature) bool {
	return Features(l).Has(f)
}

// MinimumLevel returns the lowest tier that unlocks f
func MinimumLevel(f Feature) (Level, bool) {
	for tier, feats := range unlocks {
		if slices.Contains(feats, f) {
			return Level(tier), true // #nosec G115 -- bounded by table size
		}
	}
	return 0, false
}
