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

// Package evidence provides the default signature and quorum verifiers used
// by the presence state machine. Declarations are Ed25519 signatures over a
// network-scoped CBOR payload; actors are addressed by the blake3 digest of
// their public key.
package evidence

import (
	"encoding/hex"
	"strings"

	"github.com/blinklabs-io/attest/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

const addressBytes = 20

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("evidence: CBOR encoder initialization failed: " + err.Error())
	}
}

// declarationPayload is what an actor signs to declare presence
type declarationPayload struct {
	Kind    string        `cbor:"1,keyasint"`
	Network string        `cbor:"2,keyasint"`
	Actor   types.Actor   `cbor:"3,keyasint"`
	EpochId types.EpochId `cbor:"4,keyasint"`
	Nonce   []byte        `cbor:"5,keyasint,omitempty"`
}

// attestationPayload is what a validator signs to confirm a presence
type attestationPayload struct {
	Kind    string        `cbor:"1,keyasint"`
	Network string        `cbor:"2,keyasint"`
	Actor   types.Actor   `cbor:"3,keyasint"`
	EpochId types.EpochId `cbor:"4,keyasint"`
}

// DeclarationMessage returns the bytes an actor signs to declare presence
// in an epoch on the given network
func DeclarationMessage(
	network string,
	actor types.Actor,
	epochId types.EpochId,
	nonce []byte,
) ([]byte, error) {
	return encMode.Marshal(declarationPayload{
		Kind:    "declare",
		Network: network,
		Actor:   actor,
		EpochId: epochId,
		Nonce:   nonce,
	})
}

// AttestationMessage returns the bytes a validator signs to attest an
// actor's presence in an epoch on the given network
func AttestationMessage(
	network string,
	actor types.Actor,
	epochId types.EpochId,
) ([]byte, error) {
	return encMode.Marshal(attestationPayload{
		Kind:    "attest",
		Network: network,
		Actor:   actor,
		EpochId: epochId,
	})
}

// AddressFromPublicKey derives the actor address controlled by a public key
func AddressFromPublicKey(publicKey []byte) types.Actor {
	sum := blake3.Sum256(publicKey)
	return types.Actor("0x" + hex.EncodeToString(sum[:addressBytes]))
}

func sameActor(a, b types.Actor) bool {
	return strings.EqualFold(string(a), string(b))
}
