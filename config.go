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
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/attest/presence"
	"github.com/blinklabs-io/attest/types"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultPurgeRetryInterval = 5 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second
)

type Config struct {
	promRegistry       prometheus.Registerer
	logger             *slog.Logger
	clock              types.Clock
	signatureVerifier  presence.SignatureVerifier
	quorumVerifier     presence.QuorumVerifier
	network            string
	historyPath        string
	historyQueueSize   int
	history            bool
	tracing            bool
	tracingStdout      bool
	purgeRetryInterval time.Duration
	shutdownTimeout    time.Duration
}

// ConfigOptionFunc is a type that represents functions that modify the engine config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new attest config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:             slog.New(slog.NewJSONHandler(io.Discard, nil)),
		clock:              types.SystemClock,
		purgeRetryInterval: DefaultPurgeRetryInterval,
		shutdownTimeout:    DefaultShutdownTimeout,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithClock specifies the clock used to timestamp transitions and records. The default is the system clock in UTC
func WithClock(clock types.Clock) ConfigOptionFunc {
	return func(c *Config) {
		c.clock = clock
	}
}

// WithSignatureVerifier specifies the collaborator that proves a declaring actor's identity. The default verifies Ed25519 declarations for the configured network
func WithSignatureVerifier(verifier presence.SignatureVerifier) ConfigOptionFunc {
	return func(c *Config) {
		c.signatureVerifier = verifier
	}
}

// WithQuorumVerifier specifies the collaborator that checks validator quorum evidence. Without one every validation is rejected
func WithQuorumVerifier(verifier presence.QuorumVerifier) ConfigOptionFunc {
	return func(c *Config) {
		c.quorumVerifier = verifier
	}
}

// WithNetwork specifies the named network whose declarations and attestations are trusted
func WithNetwork(network string) ConfigOptionFunc {
	return func(c *Config) {
		c.network = network
	}
}

// WithHistory enables archiving of epochs and presences so that they can be restored after a restart
func WithHistory(history bool) ConfigOptionFunc {
	return func(c *Config) {
		c.history = history
	}
}

// WithHistoryPath specifies the directory of the history database. The default is to keep history in memory
func WithHistoryPath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.historyPath = dataDir
	}
}

// WithHistoryQueueSize specifies how many bus events may wait for the history writer
func WithHistoryQueueSize(size int) ConfigOptionFunc {
	return func(c *Config) {
		c.historyQueueSize = size
	}
}

// WithPurgeRetryInterval specifies how often epochs held open by a failed purge are retried. Zero disables the retry loop
func WithPurgeRetryInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.purgeRetryInterval = interval
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
