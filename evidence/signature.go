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
	"fmt"

	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/types"
)

// Ed25519Verifier accepts a declaration when the signing key controls the
// declaring actor's address and the signature covers the declaration
// message for this network
type Ed25519Verifier struct {
	network string
}

// NewEd25519Verifier returns a verifier for declarations on network
func NewEd25519Verifier(network string) *Ed25519Verifier {
	return &Ed25519Verifier{network: network}
}

func (v *Ed25519Verifier) VerifyDeclaration(
	ctx context.Context,
	actor types.Actor,
	epochId types.EpochId,
	ev presence.SignatureEvidence,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ev.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf(
			"%w: public key must be %d bytes, got %d",
			types.ErrUnauthorizedActor,
			ed25519.PublicKeySize,
			len(ev.PublicKey),
		)
	}
	if signer := AddressFromPublicKey(ev.PublicKey); !sameActor(signer, actor) {
		return fmt.Errorf(
			"%w: key controls %s, not %s",
			types.ErrUnauthorizedActor,
			signer,
			actor,
		)
	}
	msg, err := DeclarationMessage(v.network, actor, epochId, ev.Nonce)
	if err != nil {
		return fmt.Errorf("encode declaration: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(ev.PublicKey), msg, ev.Signature) {
		return fmt.Errorf("%w: invalid declaration signature", types.ErrUnauthorizedActor)
	}
	return nil
}

// SignDeclaration produces declaration evidence for the actor that
// privateKey controls, along with that actor's address
func SignDeclaration(
	privateKey ed25519.PrivateKey,
	network string,
	epochId types.EpochId,
	nonce []byte,
) (presence.SignatureEvidence, types.Actor, error) {
	publicKey, ok := privateKey.Public().(ed25519.PublicKey)
	if !ok {
		return presence.SignatureEvidence{}, "", fmt.Errorf("unexpected public key type %T", privateKey.Public())
	}
	actor := AddressFromPublicKey(publicKey)
	msg, err := DeclarationMessage(network, actor, epochId, nonce)
	if err != nil {
		return presence.SignatureEvidence{}, "", fmt.Errorf("encode declaration: %w", err)
	}
	return presence.SignatureEvidence{
		PublicKey: publicKey,
		Signature: ed25519.Sign(privateKey, msg),
		Nonce:     nonce,
	}, actor, nil
}
