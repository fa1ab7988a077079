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

package types

import "errors"

var (
	// ErrInvalidTransition is returned when the requested state is not a
	// legal successor of the committed state. Nothing is mutated.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrUnauthorizedActor is returned when declaration evidence does not
	// prove that the requester is the record's actor
	ErrUnauthorizedActor = errors.New("unauthorized actor")

	// ErrQuorumNotReached is returned when validation is requested without
	// sufficient validator evidence
	ErrQuorumNotReached = errors.New("validator quorum not reached")

	// ErrEpochNotActive is returned for writes outside an epoch's Active window
	ErrEpochNotActive = errors.New("epoch not active")

	// ErrDuplicatePresence is returned for a second, distinct declaration on a
	// pair that already holds a presence record
	ErrDuplicatePresence = errors.New("presence already declared")

	// ErrPurgeFailure is returned when ephemeral data for a closing epoch
	// could not be removed. The epoch stays Active until a purge succeeds.
	ErrPurgeFailure = errors.New("ephemeral purge failed")

	// ErrUnknownEpoch is returned for events referencing an epoch that has
	// not been observed yet
	ErrUnknownEpoch = errors.New("unknown epoch")

	// ErrEpochConflict is returned when an epoch is announced again with
	// attributes that differ from the known ones
	ErrEpochConflict = errors.New("conflicting epoch attributes")

	// ErrFeatureUnavailable is returned when the epoch capability does not
	// unlock the requested feature
	ErrFeatureUnavailable = errors.New("feature not yet available")

	// ErrPresenceRequired is returned when a gated operation is attempted by
	// an actor whose presence does not allow interaction
	ErrPresenceRequired = errors.New("presence required")
)

// Reason is a stable, user-facing classification of a rejected request
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInvalidTransition Reason = "invalid-transition"
	ReasonUnauthorized      Reason = "unauthorized"
	ReasonNotYetQuorate     Reason = "not-yet-quorate"
	ReasonAlreadyDeclared   Reason = "already-declared"
	ReasonEpochNotActive    Reason = "epoch-not-active"
	ReasonPurgePending      Reason = "purge-pending"
	ReasonUnknownEpoch      Reason = "unknown-epoch"
	ReasonNotYetAvailable   Reason = "not-yet-available"
	ReasonPresenceRequired  Reason = "presence-required"
	ReasonFailure           Reason = "failure"
)

// ReasonFor maps an error to the reason a calling layer should render.
// More specific sentinels are checked before the generic ones they wrap.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrUnknownEpoch):
		return ReasonUnknownEpoch
	case errors.Is(err, ErrUnauthorizedActor):
		return ReasonUnauthorized
	case errors.Is(err, ErrQuorumNotReached):
		return ReasonNotYetQuorate
	case errors.Is(err, ErrDuplicatePresence):
		return ReasonAlreadyDeclared
	case errors.Is(err, ErrEpochNotActive):
		return ReasonEpochNotActive
	case errors.Is(err, ErrPurgeFailure):
		return ReasonPurgePending
	case errors.Is(err, ErrFeatureUnavailable):
		return ReasonNotYetAvailable
	case errors.Is(err, ErrPresenceRequired):
		return ReasonPresenceRequired
	case errors.Is(err, ErrInvalidTransition):
		return ReasonInvalidTransition
	default:
		return ReasonFailure
	}
}
