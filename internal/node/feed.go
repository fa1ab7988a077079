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
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blinklabs-io/attest/reconcile"
	"github.com/blinklabs-io/attest/types"
)

// Applier is the reconciler surface the feeder drives
type Applier interface {
	Apply(ctx context.Context, evt reconcile.Event) error
}

// EventSource yields events until io.EOF
type EventSource interface {
	Next() (reconcile.Event, error)
}

// Result is the outcome of one apply attempt
type Result struct {
	Event   reconcile.Event
	Attempt int
	Err     error
	// Requeued is set when a failed event will be tried again
	Requeued bool
}

// Summary counts the outcomes of a feed run
type Summary struct {
	Applied  int
	Failed   int
	Dropped  int
	Requeued int
}

type pendingEvent struct {
	evt      reconcile.Event
	attempts int
}

// Feeder applies events in order. Events that fail because an earlier fact
// has not arrived yet are held back and retried after every later success.
type Feeder struct {
	applier   Applier
	logger    *slog.Logger
	retries   int
	queueSize int
	onResult  func(Result)
	metrics   *feedMetrics
	pending   []pendingEvent
}

type FeederOptionFunc func(*Feeder)

func WithFeederLogger(logger *slog.Logger) FeederOptionFunc {
	return func(f *Feeder) {
		f.logger = logger
	}
}

// WithRetries sets how many times a retryable event is re-applied before
// it is dropped
func WithRetries(retries int) FeederOptionFunc {
	return func(f *Feeder) {
		f.retries = retries
	}
}

// WithQueueSize bounds the number of held back events
func WithQueueSize(size int) FeederOptionFunc {
	return func(f *Feeder) {
		f.queueSize = size
	}
}

// WithResultFunc registers a callback for every apply attempt
func WithResultFunc(fn func(Result)) FeederOptionFunc {
	return func(f *Feeder) {
		f.onResult = fn
	}
}

func WithFeederPromRegistry(reg prometheus.Registerer) FeederOptionFunc {
	return func(f *Feeder) {
		if reg == nil {
			return
		}
		f.metrics = &feedMetrics{}
		f.metrics.init(reg)
	}
}

func NewFeeder(applier Applier, opts ...FeederOptionFunc) *Feeder {
	f := &Feeder{
		applier:   applier,
		retries:   8,
		queueSize: 256,
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Retryable reports whether err may clear once later events are applied
func Retryable(err error) bool {
	return errors.Is(err, types.ErrInvalidTransition) ||
		errors.Is(err, types.ErrUnknownEpoch) ||
		errors.Is(err, types.ErrQuorumNotReached)
}

// Run applies every event from src. Held back events get a final round of
// retries once src is exhausted. Run stops early when ctx is done.
func (f *Feeder) Run(ctx context.Context, src EventSource) (Summary, error) {
	var summary Summary
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		evt, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, err
		}
		if f.apply(ctx, pendingEvent{evt: evt}, &summary) {
			f.drain(ctx, &summary)
		}
	}
	f.drain(ctx, &summary)
	for _, p := range f.pending {
		f.drop(p, &summary)
	}
	f.pending = nil
	return summary, ctx.Err()
}

// apply reports whether the event was applied
func (f *Feeder) apply(ctx context.Context, p pendingEvent, summary *Summary) bool {
	p.attempts++
	err := f.applier.Apply(ctx, p.evt)
	res := Result{Event: p.evt, Attempt: p.attempts, Err: err}
	switch {
	case err == nil:
		summary.Applied++
	case Retryable(err) && p.attempts <= f.retries && len(f.pending) < f.queueSize:
		res.Requeued = true
		summary.Requeued++
		f.pending = append(f.pending, p)
		if f.metrics != nil {
			f.metrics.requeued.Inc()
		}
		f.logger.Debug(
			"event held back",
			"component", "node",
			"kind", p.evt.Kind(),
			"attempt", p.attempts,
			"error", err,
		)
	case Retryable(err):
		f.drop(p, summary)
	default:
		summary.Failed++
		if f.metrics != nil {
			f.metrics.failed.Inc()
		}
	}
	if f.onResult != nil {
		f.onResult(res)
	}
	return err == nil
}

// drain retries held back events until a full pass makes no progress
func (f *Feeder) drain(ctx context.Context, summary *Summary) {
	for len(f.pending) > 0 && ctx.Err() == nil {
		queue := f.pending
		f.pending = nil
		progress := false
		for _, p := range queue {
			if f.apply(ctx, p, summary) {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

func (f *Feeder) drop(p pendingEvent, summary *Summary) {
	summary.Dropped++
	if f.metrics != nil {
		f.metrics.dropped.Inc()
	}
	f.logger.Warn(
		"dropping event",
		"component", "node",
		"kind", p.evt.Kind(),
		"attempts", p.attempts,
	)
}

type feedMetrics struct {
	requeued prometheus.Counter
	dropped  prometheus.Counter
	failed   prometheus.Counter
}

func (m *feedMetrics) init(promRegistry prometheus.Registerer) {
	promautoFactory := promauto.With(promRegistry)
	m.requeued = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_feed_requeued_total",
		Help: "events held back for a later retry",
	})
	m.dropped = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_feed_dropped_total",
		Help: "retryable events given up on",
	})
	m.failed = promautoFactory.NewCounter(prometheus.CounterOpts{
		Name: "attest_feed_failed_total",
		Help: "events rejected with a permanent error",
	})
}
