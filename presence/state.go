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
	"fmt"
	"strings"
)

// State is the state of one actor's participation in one epoch
type State uint8

const (
	StateNone State = iota
	StateDeclared
	StateValidated
	StateFinalized
	StateSlashed
)

var stateNames = [...]string{
	StateNone:      "none",
	StateDeclared:  "declared",
	StateValidated: "validated",
	StateFinalized: "finalized",
	StateSlashed:   "slashed",
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
	return 0, fmt.Errorf("unknown presence state: %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown presence state: %d", s)
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

// Terminal reports whether no transition may leave s
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateSlashed
}

// CanInteract reports whether an actor in state s may use gated features
func (s State) CanInteract() bool {
	switch s {
	case StateDeclared, StateValidated, StateFinalized:
		return true
	default:
		return false
	}
}

type edge struct {
	from State
	to   State
}

// transitions is the complete presence graph. Finalized and Slashed have
// no successors.
var transitions = map[edge]bool{
	{StateNone, StateDeclared}:       true,
	{StateDeclared, StateValidated}:  true,
	{StateDeclared, StateSlashed}:    true,
	{StateValidated, StateFinalized}: true,
	{StateValidated, StateSlashed}:   true,
}

// CanTransition reports whether to is a direct successor of from
func CanTransition(from, to State) bool {
	return transitions[edge{from, to}]
}
