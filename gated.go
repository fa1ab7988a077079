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

package attest

import (
	"context"
	"fmt"

	"github.com/blinklabs-io/attest/capability"
	"github.com/blinklabs-io/attest/ephemeral"
	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/types"
)

// Snapshot is the state an interacting actor may sync for an epoch
type Snapshot struct {
	Epoch        epoch.Epoch
	Presence     presence.Presence
	Features     []capability.Feature
	Participants int
}

// Allowed reports whether actor may use feature in the epoch right now. It
// always reads the latest committed epoch and presence state. The returned
// error classifies the refusal, see types.ReasonFor.
func (e *Engine) Allowed(
	actor types.Actor,
	epochId types.EpochId,
	feature capability.Feature,
) error {
	ep, ok := e.epochs.Epoch(epochId)
	if !ok {
		return fmt.Errorf("epoch %d: %w", epochId, types.ErrUnknownEpoch)
	}
	if !capability.IsAllowed(ep.Capability, feature) {
		minimum, known := capability.MinimumLevel(feature)
		if !known {
			return fmt.Errorf("%w: unknown feature %q", types.ErrFeatureUnavailable, feature)
		}
		return fmt.Errorf(
			"%w: %s requires %s, epoch %d is %s",
			types.ErrFeatureUnavailable,
			feature,
			minimum,
			epochId,
			ep.Capability,
		)
	}
	// Declaring presence is how an actor starts interacting
	if feature != capability.FeaturePresence {
		if state := e.presences.State(actor, epochId); !state.CanInteract() {
			return fmt.Errorf(
				"%w: %s is %s in epoch %d",
				types.ErrPresenceRequired,
				actor,
				state,
				epochId,
			)
		}
	}
	if ep.State != epoch.StateActive {
		return fmt.Errorf(
			"%w: epoch %d is %s",
			types.ErrEpochNotActive,
			epochId,
			ep.State,
		)
	}
	return nil
}

// PostMessage stores a message from actor in the epoch's ephemeral feed
func (e *Engine) PostMessage(
	ctx context.Context,
	actor types.Actor,
	epochId types.EpochId,
	contentType string,
	body []byte,
) (ephemeral.Record, error) {
	if err := e.Allowed(actor, epochId, capability.FeatureMessaging); err != nil {
		return ephemeral.Record{}, err
	}
	return e.store.Put(ctx, ephemeral.Record{
		EpochId:     epochId,
		Kind:        ephemeral.KindMessage,
		Author:      actor,
		ContentType: contentType,
		Body:        body,
	})
}

// CaptureMedia stores a media reference from actor for the epoch
func (e *Engine) CaptureMedia(
	ctx context.Context,
	actor types.Actor,
	epochId types.EpochId,
	contentType string,
	ref []byte,
) (ephemeral.Record, error) {
	if err := e.Allowed(actor, epochId, capability.FeatureMedia); err != nil {
		return ephemeral.Record{}, err
	}
	return e.store.Put(ctx, ephemeral.Record{
		EpochId:     epochId,
		Kind:        ephemeral.KindMedia,
		Author:      actor,
		ContentType: contentType,
		Body:        ref,
	})
}

// Feed returns copies of the epoch's ephemeral records visible to actor.
// Media is only included when the epoch unlocks it.
func (e *Engine) Feed(
	actor types.Actor,
	epochId types.EpochId,
) ([]ephemeral.Record, error) {
	if err := e.Allowed(actor, epochId, capability.FeatureMessaging); err != nil {
		return nil, err
	}
	records, err := e.store.Records(epochId)
	if err != nil {
		return nil, err
	}
	if e.Allowed(actor, epochId, capability.FeatureMedia) == nil {
		return records, nil
	}
	ret := records[:0]
	for _, rec := range records {
		if rec.Kind != ephemeral.KindMedia {
			ret = append(ret, rec)
		}
	}
	return ret, nil
}

// Discover lists the other actors currently interacting in the epoch.
// Results are only valid until the next lifecycle transition; once the
// epoch leaves Active nothing is returned.
func (e *Engine) Discover(
	actor types.Actor,
	epochId types.EpochId,
) ([]types.Actor, error) {
	if err := e.Allowed(actor, epochId, capability.FeatureDiscovery); err != nil {
		return nil, err
	}
	var ret []types.Actor
	for _, p := range e.presences.Presences(epochId) {
		if p.Actor == actor || !p.State.CanInteract() {
			continue
		}
		ret = append(ret, p.Actor)
	}
	return ret, nil
}

// Snapshot returns the epoch state an interacting actor may sync
func (e *Engine) Snapshot(
	actor types.Actor,
	epochId types.EpochId,
) (Snapshot, error) {
	if err := e.Allowed(actor, epochId, capability.FeatureStateSync); err != nil {
		return Snapshot{}, err
	}
	ep, ok := e.epochs.Epoch(epochId)
	if !ok {
		return Snapshot{}, fmt.Errorf("epoch %d: %w", epochId, types.ErrUnknownEpoch)
	}
	p, _ := e.presences.Presence(actor, epochId)
	participants := 0
	for _, other := range e.presences.Presences(epochId) {
		if other.State.CanInteract() {
			participants++
		}
	}
	return Snapshot{
		Epoch:        ep,
		Presence:     p,
		Features:     ep.Features().Features(),
		Participants: participants,
	}, nil
}
