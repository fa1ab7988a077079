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
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/blinklabs-io/attest/types"
	"github.com/zeebo/blake3"
)

// SignatureEvidence proves that a declaration was signed by its actor
type SignatureEvidence struct {
	PublicKey []byte
	Signature []byte
	// Nonce distinguishes separate declarations by the same actor
	Nonce []byte
}

// Digest identifies this exact piece of evidence. Redelivery of a
// declaration carries the same digest.
func (s SignatureEvidence) Digest() string {
	h := blake3.New()
	writeField(h, s.PublicKey)
	writeField(h, s.Signature)
	writeField(h, s.Nonce)
	return hex.EncodeToString(h.Sum(nil))
}

// Attestation is one validator's confirmation of a presence
type Attestation struct {
	Validator []byte
	Signature []byte
}

// QuorumEvidence is the set of validator attestations backing a validation
type QuorumEvidence struct {
	Attestations []Attestation
}

// Digest identifies the attestation set
func (q QuorumEvidence) Digest() string {
	h := blake3.New()
	for _, a := range q.Attestations {
		writeField(h, a.Validator)
		writeField(h, a.Signature)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h *blake3.Hasher, b []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	_, _ = h.Write(lenBuf[:])
	_, _ = h.Write(b)
}

// Evidence accompanies a transition request. Which fields are required
// depends on the target state.
type Evidence struct {
	Signature *SignatureEvidence
	Quorum    *QuorumEvidence
	// Reason explains a slashing
	Reason string
}

// SignatureVerifier checks that signature evidence was produced by actor for
// a declaration in epochId
type SignatureVerifier interface {
	VerifyDeclaration(
		ctx context.Context,
		actor types.Actor,
		epochId types.EpochId,
		evidence SignatureEvidence,
	) error
}

// QuorumVerifier checks that enough validators attested to the presence
type QuorumVerifier interface {
	VerifyQuorum(
		ctx context.Context,
		actor types.Actor,
		epochId types.EpochId,
		evidence QuorumEvidence,
	) error
}

// SignatureVerifierFunc adapts a function to SignatureVerifier
type SignatureVerifierFunc func(context.Context, types.Actor, types.EpochId, SignatureEvidence) error

func (f SignatureVerifierFunc) VerifyDeclaration(
	ctx context.Context,
	actor types.Actor,
	epochId types.EpochId,
	evidence SignatureEvidence,
) error {
	return f(ctx, actor, epochId, evidence)
}

// QuorumVerifierFunc adapts a function to QuorumVerifier
type QuorumVerifierFunc func(context.Context, types.Actor, types.EpochId, QuorumEvidence) error

func (f QuorumVerifierFunc) VerifyQuorum(
	ctx context.Context,
	actor types.Actor,
	epochId types.EpochId,
	evidence QuorumEvidence,
) error {
	return f(ctx, actor, epochId, evidence)
}
