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

package epoch

import (
	"fmt"
	"strings"
)

// State is an epoch lifecycle state
type State uint8

const (
	StateScheduled State = iota
	StateActive
	StateClosed
	StateFinalized
)

var stateNames = [...]string{
	StateScheduled: "scheduled",
	StateActive:    "active",
	StateClosed:    "closed",
	StateFinalized: "finalized",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// ParseState parses a state name, case-insensitively
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(s, name) {
			return State(i), nil // #nosec G115 -- bounded by table size
		}
	}
	return 0, fmt.Errorf("unknown epoch state: %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown epoch state: %d", s)
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type edge struct {
	from State
	to   State
}

// transitions is the complete lifecycle graph
var transitions = map[edge]bool{
	{StateScheduled, StateActive}: true,
	{StateActive, StateClosed}:    true,
	{StateClosed, StateFinalized}: true,
}

// CanTransition reports whether to is a direct successor of from
func CanTransition(from, to State) bool {
	return transitions[edge{from, to}]
}

// Precedes reports whether a is strictly earlier than b in the lifecycle
func (s State) Precedes(other State) bool {
	return s < other
}
