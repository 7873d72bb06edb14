// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics reports processed, succeeded and failed event counts to
// external sinks. Reporting never blocks or fails message processing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Defaults.
const (
	DefaultWorkers     = 4
	DefaultSinkTimeout = 5 * time.Second

	flushPoll = 10 * time.Millisecond
)

// Kind identifies a counter.
type Kind string

// Counters.
const (
	Processed Kind = "processed"
	Succeeded Kind = "succeeded"
	Failed    Kind = "failed"
)

// Sample is one counter increment.
type Sample struct {
	Kind   Kind
	Reason string // set for Failed
}

// Sink receives samples.
type Sink interface {
	Name() string
	Record(ctx context.Context, s Sample) error
}

// Reporter fans samples out to sinks on a bounded worker pool. When the pool
// is saturated the sample is dropped.
type Reporter struct {
	sinks   []Sink
	pool    *ants.Pool
	timeout time.Duration
	logger  *slog.Logger

	pending  atomic.Int64
	closed   atomic.Bool
	dropped  atomic.Uint64
	failures atomic.Uint64
}

// NewReporter creates a reporter with the given pool size and per-sink
// timeout.
func NewReporter(sinks []Sink, workers int, timeout time.Duration, logger *slog.Logger) (*Reporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}

	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("metrics sink panicked", slog.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics pool: %w", err)
	}

	return &Reporter{
		sinks:   sinks,
		pool:    pool,
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (r *Reporter) RecordProcessed() { r.dispatch(Sample{Kind: Processed}) }

func (r *Reporter) RecordSucceeded() { r.dispatch(Sample{Kind: Succeeded}) }

func (r *Reporter) RecordFailed(reason string) { r.dispatch(Sample{Kind: Failed, Reason: reason}) }

// Dropped returns the number of samples dropped because the pool was full.
func (r *Reporter) Dropped() uint64 { return r.dropped.Load() }

// Errors returns the number of failed sink calls.
func (r *Reporter) Errors() uint64 { return r.failures.Load() }

func (r *Reporter) dispatch(s Sample) {
	if r.closed.Load() {
		return
	}

	for _, sink := range r.sinks {
		sink := sink
		r.pending.Add(1)
		err := r.pool.Submit(func() {
			defer r.pending.Add(-1)
			r.send(sink, s)
		})
		if err != nil {
			r.pending.Add(-1)
			r.dropped.Add(1)
			if errors.Is(err, ants.ErrPoolOverload) {
				r.logger.Warn("metrics pool full, sample dropped",
					slog.String("sink", sink.Name()),
					slog.String("kind", string(s.Kind)))
				continue
			}
			r.logger.Warn("metrics sample dropped",
				slog.String("sink", sink.Name()),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Reporter) send(sink Sink, s Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := sink.Record(ctx, s); err != nil {
		r.failures.Add(1)
		r.logger.Warn("metrics sink failed",
			slog.String("sink", sink.Name()),
			slog.String("kind", string(s.Kind)),
			slog.String("error", err.Error()))
	}
}

// Flush waits until no sample is in flight or ctx is done. The reporter
// stays usable.
func (r *Reporter) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPoll)
	defer ticker.Stop()

	for r.pending.Load() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			r.logger.Warn("metrics flush incomplete",
				slog.Int64("pending", r.pending.Load()),
				slog.String("error", ctx.Err().Error()))
			return fmt.Errorf("metrics flush: %w", ctx.Err())
		}
	}
	return nil
}

// Close flushes until ctx is done, then releases the pool. Samples recorded
// after Close are discarded.
func (r *Reporter) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}

	err := r.Flush(ctx)
	r.pool.Release()
	return err
}
