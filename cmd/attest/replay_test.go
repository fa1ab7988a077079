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

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blinklabs-io/attest/internal/config"
)

const replayScript = `
kind: EpochCreated
id: 3
title: Launch
capability: presenceOnly
scheduledStart: 2026-03-01T12:00:00Z
scheduledEnd: 2026-03-01T14:00:00Z
---
kind: EpochStateChanged
id: 3
state: active
---
kind: PresenceDeclared
actor: "0x0000000000000000000000000000000000000001"
epochId: 3
publicKey: "00"
signature: "00"
---
kind: EpochStateChanged
id: 3
state: closed
---
kind: EpochStateChanged
id: 3
state: finalized
`

func TestReplay(t *testing.T) {
	cfg := &config.Config{
		Network:         "preview",
		History:         true,
		ShutdownTimeout: "5s",
		EventQueueSize:  8,
		EventRetries:    2,
		QuorumThreshold: 1,
	}
	var out bytes.Buffer
	err := replay(
		context.Background(),
		cfg,
		slog.New(slog.NewJSONHandler(io.Discard, nil)),
		strings.NewReader(replayScript),
		&out,
	)
	require.NoError(t, err)
	text := out.String()
	assert.Contains(t, text, "# 1 EpochCreated (attempt 1): applied")
	// A declaration the key does not sign is refused outright
	assert.Contains(t, text, "# 3 PresenceDeclared (attempt 1): unauthorized")
	assert.Contains(t, text, "state: finalized")
	assert.Contains(t, text, "applied: 4")
	assert.Contains(t, text, "failed: 1")
	assert.NotContains(t, text, "presences:\n  -")
	assert.NotContains(t, text, "pendingPurges")
	// Replays never touch the configured history
	assert.True(t, cfg.History)
}
