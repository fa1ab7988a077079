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

package ephemeral

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/blinklabs-io/attest/types"
	"github.com/fxamacker/cbor/v2"
)

// Kind is the type of an ephemeral record
type Kind uint8

const (
	KindMessage Kind = iota + 1
	KindMedia
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindMedia:
		return "media"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// ParseKind parses a kind name
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "message":
		return KindMessage, nil
	case "media":
		return KindMedia, nil
	default:
		return 0, fmt.Errorf("unknown record kind: %q", s)
	}
}

// Record is a message or media item scoped to exactly one epoch
type Record struct {
	Id          string        `cbor:"1,keyasint"`
	EpochId     types.EpochId `cbor:"2,keyasint"`
	Kind        Kind          `cbor:"3,keyasint"`
	Author      types.Actor   `cbor:"4,keyasint"`
	ContentType string        `cbor:"5,keyasint,omitempty"`
	Body        []byte        `cbor:"6,keyasint"`
	CreatedAt   time.Time     `cbor:"7,keyasint"`
}

// Clone returns a copy that shares no memory with r
func (r Record) Clone() Record {
	ret := r
	ret.Body = bytes.Clone(r.Body)
	return ret
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("ephemeral: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ephemeral: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeRecord(r Record) ([]byte, error) {
	return encMode.Marshal(r)
}

func decodeRecord(data []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Record{}, err
	}
	return r, nil
}
