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

package evidence

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/types"
)

// ThresholdQuorum accepts a validation once at least threshold distinct
// known validators have produced a valid attestation
type ThresholdQuorum struct {
	network    string
	threshold  int
	validators map[string]ed25519.PublicKey
}

// NewThresholdQuorum returns a quorum verifier over the given validator keys
func NewThresholdQuorum(
	network string,
	threshold int,
	validators []ed25519.PublicKey,
) (*ThresholdQuorum, error) {
	q := &ThresholdQuorum{
		network:    network,
		threshold:  threshold,
		validators: make(map[string]ed25519.PublicKey, len(validators)),
	}
	for _, key := range validators {
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("validator key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
		}
		q.validators[string(key)] = key
	}
	if threshold < 1 {
		return nil, errors.New("quorum threshold must be at least 1")
	}
	if threshold > len(q.validators) {
		return nil, fmt.Errorf(
			"quorum threshold %d exceeds %d distinct validators",
			threshold,
			len(q.validators),
		)
	}
	return q, nil
}

// Threshold returns the number of attestations required
func (q *ThresholdQuorum) Threshold() int {
	return q.threshold
}

func (q *ThresholdQuorum) VerifyQuorum(
	ctx context.Context,
	actor types.Actor,
	epochId types.EpochId,
	ev presence.QuorumEvidence,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := AttestationMessage(q.network, actor, epochId)
	if err != nil {
		return fmt.Errorf("encode attestation: %w", err)
	}
	seen := make(map[string]struct{}, len(ev.Attestations))
	for _, a := range ev.Attestations {
		key, ok := q.validators[string(a.Validator)]
		if !ok {
			continue
		}
		if _, dup := seen[string(a.Validator)]; dup {
			continue
		}
		if !ed25519.Verify(key, msg, a.Signature) {
			continue
		}
		seen[string(a.Validator)] = struct{}{}
	}
	if len(seen) < q.threshold {
		return fmt.Errorf(
			"%w: %d of %d validator attestations",
			types.ErrQuorumNotReached,
			len(seen),
			q.threshold,
		)
	}
	return nil
}

// Attest produces a validator attestation for the actor's presence
func Attest(
	privateKey ed25519.PrivateKey,
	network string,
	actor types.Actor,
	epochId types.EpochId,
) (presence.Attestation, error) {
	publicKey, ok := privateKey.Public().(ed25519.PublicKey)
	if !ok {
		return presence.Attestation{}, fmt.Errorf("unexpected public key type %T", privateKey.Public())
	}
	msg, err := AttestationMessage(network, actor, epochId)
	if err != nil {
		return presence.Attestation{}, fmt.Errorf("encode attestation: %w", err)
	}
	return presence.Attestation{
		Validator: publicKey,
		Signature: ed25519.Sign(privateKey, msg),
	}, nil
}

// ParsePublicKey decodes a hex encoded Ed25519 public key, with or without
// a 0x prefix
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePublicKeys decodes a list of hex encoded validator keys
func ParsePublicKeys(keys []string) ([]ed25519.PublicKey, error) {
	ret := make([]ed25519.PublicKey, 0, len(keys))
	for _, s := range keys {
		key, err := ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("validator %q: %w", s, err)
		}
		ret = append(ret, key)
	}
	return ret, nil
}
