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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/blinklabs-io/attest"
	"github.com/blinklabs-io/attest/internal/config"
	"github.com/blinklabs-io/attest/internal/eventlog"
	"github.com/blinklabs-io/attest/internal/node"
	"github.com/blinklabs-io/attest/types"
)

type replayEpoch struct {
	Id         types.EpochId `yaml:"id"`
	Title      string        `yaml:"title"`
	Capability string        `yaml:"capability"`
	State      string        `yaml:"state"`
}

type replayPresence struct {
	Actor   types.Actor   `yaml:"actor"`
	EpochId types.EpochId `yaml:"epochId"`
	State   string        `yaml:"state"`
}

type replayState struct {
	Summary   node.Summary     `yaml:"summary"`
	Epochs    []replayEpoch    `yaml:"epochs"`
	Presences []replayPresence `yaml:"presences"`
	// Epochs whose close is held open by a failed purge
	PendingPurges []types.EpochId `yaml:"pendingPurges,omitempty"`
}

// replay applies an event script to a fresh engine without history and
// writes per-event outcomes followed by the final state to out
func replay(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	src io.Reader,
	out io.Writer,
) error {
	replayCfg := *cfg
	replayCfg.History = false
	replayCfg.Tracing = false
	replayCfg.PurgeRetryInterval = ""
	opts, err := node.EngineOptions(&replayCfg, logger)
	if err != nil {
		return err
	}
	engine, err := attest.New(attest.NewConfig(opts...))
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return errors.Join(err, engine.Stop())
	}
	var writeErr error
	index := 0
	feeder := node.NewFeeder(
		engine,
		node.WithFeederLogger(logger),
		node.WithRetries(replayCfg.EventRetries),
		node.WithQueueSize(replayCfg.EventQueueSize),
		node.WithResultFunc(func(r node.Result) {
			outcome := "applied"
			switch {
			case r.Requeued:
				outcome = "held back: " + r.Err.Error()
			case r.Err != nil:
				outcome = fmt.Sprintf("%s: %s", types.ReasonFor(r.Err), r.Err)
			}
			index++
			if _, err := fmt.Fprintf(out, "# %d %s (attempt %d): %s\n", index, r.Event.Kind(), r.Attempt, outcome); err != nil {
				writeErr = err
			}
		}),
	)
	summary, err := feeder.Run(ctx, eventlog.NewDecoder(src))
	if err != nil {
		return errors.Join(err, engine.Stop())
	}
	state := replayState{
		Summary:       summary,
		PendingPurges: engine.PendingPurges(),
	}
	for _, e := range engine.Epochs() {
		state.Epochs = append(state.Epochs, replayEpoch{
			Id:         e.Id,
			Title:      e.Title,
			Capability: e.Capability.String(),
			State:      e.State.String(),
		})
		for _, p := range engine.Presences(e.Id) {
			state.Presences = append(state.Presences, replayPresence{
				Actor:   p.Actor,
				EpochId: p.EpochId,
				State:   p.State.String(),
			})
		}
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(state); err != nil {
		writeErr = errors.Join(writeErr, err)
	}
	return errors.Join(writeErr, enc.Close(), engine.Stop())
}

func replayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Apply an event script to a fresh engine and print the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errors.New("no config found in context")
			}
			logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
			if globalFlags.debug {
				logger = slog.New(
					slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
						Level: slog.LevelDebug,
					}),
				)
			}
			src, err := eventlog.Open(args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			return replay(cmd.Context(), cfg, logger, src, cmd.OutOrStdout())
		},
	}
	return cmd
}
