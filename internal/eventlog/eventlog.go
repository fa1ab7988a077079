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

// Package eventlog decodes YAML event scripts into reconciler events. A
// script is a stream of YAML documents, one event per document:
//
//	kind: EpochCreated
//	id: 1
//	title: Meetup
//	capability: presenceWithSocial
//	scheduledStart: 2026-03-01T12:00:00Z
//	scheduledEnd: 2026-03-01T14:00:00Z
//	---
//	kind: EpochStateChanged
//	id: 1
//	state: active
//
// Binary evidence fields are hex encoded with an optional 0x prefix.
package eventlog

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blinklabs-io/attest/capability"
	"github.com/blinklabs-io/attest/epoch"
	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/reconcile"
	"github.com/blinklabs-io/attest/types"
)

// Stdin names standard input as the event source
const Stdin = "-"

type location struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type attestation struct {
	Validator string `yaml:"validator"`
	Signature string `yaml:"signature"`
}

// document is the union of every event field
type document struct {
	Kind           string        `yaml:"kind"`
	Id             uint64        `yaml:"id"`
	Title          string        `yaml:"title"`
	Capability     string        `yaml:"capability"`
	ScheduledStart time.Time     `yaml:"scheduledStart"`
	ScheduledEnd   time.Time     `yaml:"scheduledEnd"`
	Location       *location     `yaml:"location"`
	State          string        `yaml:"state"`
	EffectiveAt    time.Time     `yaml:"effectiveAt"`
	Actor          string        `yaml:"actor"`
	EpochId        uint64        `yaml:"epochId"`
	PublicKey      string        `yaml:"publicKey"`
	Signature      string        `yaml:"signature"`
	Nonce          string        `yaml:"nonce"`
	Quorum         []attestation `yaml:"quorum"`
	Reason         string        `yaml:"reason"`
}

// Decoder reads events from a YAML document stream
type Decoder struct {
	dec   *yaml.Decoder
	index int
}

func NewDecoder(r io.Reader) *Decoder {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	return &Decoder{dec: dec}
}

// Next returns the next event, or io.EOF once the stream is exhausted.
// Empty documents are skipped.
func (d *Decoder) Next() (reconcile.Event, error) {
	for {
		var doc *document
		if err := d.dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("event %d: %w", d.index, err)
		}
		d.index++
		if doc == nil {
			continue
		}
		evt, err := doc.event()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", d.index-1, err)
		}
		return evt, nil
	}
}

// ReadAll decodes every event in r
func ReadAll(r io.Reader) ([]reconcile.Event, error) {
	dec := NewDecoder(r)
	var ret []reconcile.Event
	for {
		evt, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return ret, nil
		}
		if err != nil {
			return nil, err
		}
		ret = append(ret, evt)
	}
}

// Open opens an event script, or standard input for Stdin
func Open(path string) (io.ReadCloser, error) {
	if path == Stdin {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return f, nil
}

func (d *document) event() (reconcile.Event, error) {
	switch {
	case strings.EqualFold(d.Kind, reconcile.KindEpochCreated):
		level, err := capability.ParseLevel(d.Capability)
		if err != nil {
			return nil, err
		}
		evt := reconcile.EpochCreated{
			Id:             types.EpochId(d.Id),
			Title:          d.Title,
			Capability:     level,
			ScheduledStart: d.ScheduledStart,
			ScheduledEnd:   d.ScheduledEnd,
		}
		if d.Location != nil {
			evt.Location = &epoch.Location{
				Name:      d.Location.Name,
				Latitude:  d.Location.Latitude,
				Longitude: d.Location.Longitude,
			}
		}
		return evt, nil
	case strings.EqualFold(d.Kind, reconcile.KindEpochStateChanged):
		state, err := epoch.ParseState(d.State)
		if err != nil {
			return nil, err
		}
		return reconcile.EpochStateChanged{
			Id:          types.EpochId(d.Id),
			State:       state,
			EffectiveAt: d.EffectiveAt,
		}, nil
	case strings.EqualFold(d.Kind, reconcile.KindPresenceDeclared):
		if err := d.requireActor(); err != nil {
			return nil, err
		}
		sig, err := d.signature()
		if err != nil {
			return nil, err
		}
		return reconcile.PresenceDeclared{
			Actor:     types.Actor(d.Actor),
			EpochId:   types.EpochId(d.EpochId),
			Signature: sig,
		}, nil
	case strings.EqualFold(d.Kind, reconcile.KindPresenceValidated):
		if err := d.requireActor(); err != nil {
			return nil, err
		}
		quorum := presence.QuorumEvidence{
			Attestations: make([]presence.Attestation, 0, len(d.Quorum)),
		}
		for i, a := range d.Quorum {
			validator, err := decodeHex(a.Validator)
			if err != nil {
				return nil, fmt.Errorf("quorum[%d].validator: %w", i, err)
			}
			signature, err := decodeHex(a.Signature)
			if err != nil {
				return nil, fmt.Errorf("quorum[%d].signature: %w", i, err)
			}
			quorum.Attestations = append(
				quorum.Attestations,
				presence.Attestation{Validator: validator, Signature: signature},
			)
		}
		return reconcile.PresenceValidated{
			Actor:   types.Actor(d.Actor),
			EpochId: types.EpochId(d.EpochId),
			Quorum:  quorum,
		}, nil
	case strings.EqualFold(d.Kind, reconcile.KindPresenceFinalized):
		if err := d.requireActor(); err != nil {
			return nil, err
		}
		return reconcile.PresenceFinalized{
			Actor:   types.Actor(d.Actor),
			EpochId: types.EpochId(d.EpochId),
		}, nil
	case strings.EqualFold(d.Kind, reconcile.KindPresenceSlashed):
		if err := d.requireActor(); err != nil {
			return nil, err
		}
		return reconcile.PresenceSlashed{
			Actor:   types.Actor(d.Actor),
			EpochId: types.EpochId(d.EpochId),
			Reason:  d.Reason,
		}, nil
	case d.Kind == "":
		return nil, errors.New("missing event kind")
	default:
		return nil, fmt.Errorf("unknown event kind: %q", d.Kind)
	}
}

func (d *document) requireActor() error {
	if d.Actor == "" {
		return fmt.Errorf("%s: missing actor", d.Kind)
	}
	return nil
}

func (d *document) signature() (presence.SignatureEvidence, error) {
	var ret presence.SignatureEvidence
	var err error
	if ret.PublicKey, err = decodeHex(d.PublicKey); err != nil {
		return ret, fmt.Errorf("publicKey: %w", err)
	}
	if ret.Signature, err = decodeHex(d.Signature); err != nil {
		return ret, fmt.Errorf("signature: %w", err)
	}
	if ret.Nonce, err = decodeHex(d.Nonce); err != nil {
		return ret, fmt.Errorf("nonce: %w", err)
	}
	return ret, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
