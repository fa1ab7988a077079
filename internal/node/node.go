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

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blinklabs-io/attest"
	"github.com/blinklabs-io/attest/evidence"
	"github.com/blinklabs-io/attest/internal/config"
	"github.com/blinklabs-io/attest/internal/eventlog"
)

// EngineOptions derives engine options from cfg
func EngineOptions(
	cfg *config.Config,
	logger *slog.Logger,
) ([]attest.ConfigOptionFunc, error) {
	purgeRetryInterval, err := cfg.PurgeRetryDuration()
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := cfg.ShutdownDuration()
	if err != nil {
		return nil, err
	}
	opts := []attest.ConfigOptionFunc{
		attest.WithLogger(logger),
		attest.WithNetwork(cfg.Network),
		attest.WithSignatureVerifier(evidence.NewEd25519Verifier(cfg.Network)),
		attest.WithPurgeRetryInterval(purgeRetryInterval),
		attest.WithShutdownTimeout(shutdownTimeout),
		attest.WithTracing(cfg.Tracing),
		attest.WithTracingStdout(cfg.TracingStdout),
	}
	if len(cfg.Validators) > 0 {
		keys, err := evidence.ParsePublicKeys(cfg.Validators)
		if err != nil {
			return nil, fmt.Errorf("invalid validators: %w", err)
		}
		quorum, err := evidence.NewThresholdQuorum(cfg.Network, cfg.QuorumThreshold, keys)
		if err != nil {
			return nil, err
		}
		opts = append(opts, attest.WithQuorumVerifier(quorum))
	} else {
		logger.Warn(
			"no validators configured, presence validations will be rejected",
			"component", "node",
		)
	}
	if cfg.History {
		opts = append(
			opts,
			attest.WithHistory(true),
			attest.WithHistoryPath(cfg.HistoryPath),
			attest.WithHistoryQueueSize(cfg.EventQueueSize),
		)
	}
	return opts, nil
}

func Run(cfg *config.Config, logger *slog.Logger) error {
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()
	return run(signalCtx, cfg, logger, prometheus.DefaultRegisterer, nil)
}

func run(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	promRegistry prometheus.Registerer,
	onFeedDone func(Summary),
) error {
	logger.Debug(fmt.Sprintf("config: %+v", cfg), "component", "node")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	shutdownTimeout, err := cfg.ShutdownDuration()
	if err != nil {
		return err
	}
	opts, err := EngineOptions(cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, attest.WithPrometheusRegistry(promRegistry))
	engine, err := attest.New(attest.NewConfig(opts...))
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return errors.Join(err, engine.Stop())
	}

	errChan := make(chan error, 2)
	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		metricsServer = newMetricsServer(cfg)
		logger.Info(
			"serving prometheus metrics on "+metricsServer.Addr,
			"component", "node",
		)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("failed to start metrics listener: %w", err)
			}
		}()
	}

	feedFinished := make(chan struct{})
	if cfg.EventLog == "" {
		close(feedFinished)
	} else {
		src, err := eventlog.Open(cfg.EventLog)
		if err != nil {
			return errors.Join(err, shutdown(logger, engine, metricsServer, shutdownTimeout))
		}
		feeder := NewFeeder(
			engine,
			WithFeederLogger(logger),
			WithFeederPromRegistry(promRegistry),
			WithRetries(cfg.EventRetries),
			WithQueueSize(cfg.EventQueueSize),
		)
		go func() {
			defer close(feedFinished)
			defer src.Close()
			summary, err := feeder.Run(ctx, eventlog.NewDecoder(src))
			if err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("event log: %w", err)
				return
			}
			logger.Info(
				"event log processed",
				"component", "node",
				"applied", summary.Applied,
				"failed", summary.Failed,
				"dropped", summary.Dropped,
			)
			if onFeedDone != nil {
				onFeedDone(summary)
			}
		}()
	}

	// The feeder must be idle before the engine goes away. A blocked
	// stdin read cannot be interrupted, so the wait is bounded.
	stopFeed := func() {
		cancel()
		select {
		case <-feedFinished:
		case <-time.After(shutdownTimeout):
			logger.Warn("event log reader did not stop", "component", "node")
		}
	}

	// Wait for signal or error
	select {
	case <-ctx.Done():
		logger.Info("signal received, initiating graceful shutdown")
		stopFeed()
		if err := shutdown(logger, engine, metricsServer, shutdownTimeout); err != nil {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case err := <-errChan:
		logger.Error("node error", "error", err)
		stopFeed()
		if stopErr := shutdown(logger, engine, metricsServer, shutdownTimeout); stopErr != nil {
			logger.Error(
				"shutdown errors occurred during error cleanup",
				"error",
				stopErr,
			)
		}
		return err
	}
}

func newMetricsServer(cfg *config.Config) *http.Server {
	// Metrics and debug listener
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			cfg.BindAddr,
			cfg.MetricsPort,
		),
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func shutdown(
	logger *slog.Logger,
	engine *attest.Engine,
	metricsServer *http.Server,
	timeout time.Duration,
) error {
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if err := engine.Stop(); err != nil {
		logger.Error("shutdown errors occurred", "error", err)
		return err
	}
	return nil
}
