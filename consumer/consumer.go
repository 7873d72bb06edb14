// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer runs the receive, decode, apply, resolve and report loop
// for one broker connection.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/messagebroker/mbc-mailchimp-subscription/client/amqp"
	"github.com/messagebroker/mbc-mailchimp-subscription/delivery"
	"github.com/messagebroker/mbc-mailchimp-subscription/event"
	"github.com/messagebroker/mbc-mailchimp-subscription/resolver"
	"github.com/messagebroker/mbc-mailchimp-subscription/subscription"
	"github.com/messagebroker/mbc-mailchimp-subscription/topology"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Failure reasons reported to metrics.
const (
	ReasonDecode    = "decode"
	ReasonRejected  = "rejected"
	ReasonTransient = "transient"
	ReasonExhausted = "retries_exhausted"
	ReasonResolve   = "resolve"
)

const (
	stateCheckInterval = 500 * time.Millisecond
	flushTimeout       = 5 * time.Second
)

// Source is the broker side of the loop. *amqp.Client implements it.
type Source interface {
	Connect(ctx context.Context) error
	DeclareTopology(ctx context.Context, desc topology.Descriptor) error
	Consume(ctx context.Context, queue string) (<-chan delivery.Message, error)
	State() amqp.State
	Err() error
	Close() error
}

// Applier applies a decoded event to the mailing list.
type Applier interface {
	Apply(ctx context.Context, ev event.Event) subscription.Outcome
}

// Recorder receives per-message counters. metrics.Reporter implements it.
type Recorder interface {
	RecordProcessed()
	RecordSucceeded()
	RecordFailed(reason string)
}

// flusher is implemented by recorders that deliver samples asynchronously.
type flusher interface {
	Flush(ctx context.Context) error
}

// Options wires one consumer instance.
type Options struct {
	Instance string
	Queue    string
	Topology topology.Descriptor

	Source   Source
	Decoder  *event.Decoder
	Applier  Applier
	Resolver *resolver.Resolver
	Metrics  Recorder     // nil disables reporting
	Tracer   trace.Tracer // nil disables tracing
	Logger   *slog.Logger
}

// Consumer processes messages sequentially from one queue.
type Consumer struct {
	instance string
	queue    string
	topo     topology.Descriptor

	src      Source
	decoder  *event.Decoder
	applier  Applier
	resolver *resolver.Resolver
	metrics  Recorder
	tracer   trace.Tracer
	logger   *slog.Logger

	state   atomic.Int32
	summary Summary
}

// New creates a consumer. Source, Decoder, Applier and Resolver are required.
func New(opts Options) (*Consumer, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("consumer: source is required")
	case opts.Decoder == nil:
		return nil, errors.New("consumer: decoder is required")
	case opts.Applier == nil:
		return nil, errors.New("consumer: applier is required")
	case opts.Resolver == nil:
		return nil, errors.New("consumer: resolver is required")
	}
	if opts.Queue == "" {
		if len(opts.Topology.Queues) == 0 {
			return nil, errors.New("consumer: no queue to consume")
		}
		opts.Queue = opts.Topology.Queues[0].Name
	}
	if _, err := opts.Topology.Queue(opts.Queue); err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	rec := opts.Metrics
	if rec == nil {
		rec = nopRecorder{}
	}

	return &Consumer{
		instance: opts.Instance,
		queue:    opts.Queue,
		topo:     opts.Topology,
		src:      opts.Source,
		decoder:  opts.Decoder,
		applier:  opts.Applier,
		resolver: opts.Resolver,
		metrics:  rec,
		tracer:   tracer,
		logger:   logger.With(slog.String("instance", opts.Instance), slog.String("queue", opts.Queue)),
	}, nil
}

// Name returns the instance name.
func (c *Consumer) Name() string {
	return c.instance
}

// State returns the current lifecycle stage.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.logger.Debug("consumer state changed",
			slog.String("from", prev.String()),
			slog.String("to", s.String()))
	}
}

// Run consumes until ctx is cancelled or the broker stream ends. A stop
// request takes effect between messages; the message in hand is always
// resolved first. The returned error is nil for a requested stop.
func (c *Consumer) Run(ctx context.Context) (Summary, error) {
	c.setState(Starting)
	if err := c.src.Connect(ctx); err != nil {
		return c.stopStartup(ctx, fmt.Errorf("connect: %w", err))
	}

	c.setState(Declaring)
	if err := c.src.DeclareTopology(ctx, c.topo); err != nil {
		return c.stopStartup(ctx, fmt.Errorf("declare topology: %w", err))
	}

	msgs, err := c.src.Consume(ctx, c.queue)
	if err != nil {
		return c.stopStartup(ctx, fmt.Errorf("consume: %w", err))
	}

	c.setState(Consuming)
	c.logger.Info("consumer started")

	ticker := time.NewTicker(stateCheckInterval)
	defer ticker.Stop()

	for {
		// Stop requests win over pending deliveries.
		if ctx.Err() != nil {
			return c.stop(nil)
		}

		select {
		case <-ctx.Done():
			return c.stop(nil)
		case <-ticker.C:
			c.checkSource()
		case msg, ok := <-msgs:
			if !ok {
				err := c.src.Err()
				if err == nil && ctx.Err() == nil {
					err = amqp.ErrClosed
				}
				return c.stop(err)
			}
			c.setState(Consuming)
			c.process(context.WithoutCancel(ctx), msg)
		}
	}
}

func (c *Consumer) checkSource() {
	switch st := c.src.State(); {
	case st == amqp.StateReady && c.State() == Reconnecting:
		c.logger.Info("broker connection restored")
		c.setState(Consuming)
	case st != amqp.StateReady && c.State() == Consuming:
		c.logger.Warn("broker connection lost, waiting for reconnect", slog.String("broker_state", st.String()))
		c.setState(Reconnecting)
	}
}

// stopStartup stops after a failed startup step. A stop requested while the
// step ran is a clean stop, not a failure.
func (c *Consumer) stopStartup(ctx context.Context, cause error) (Summary, error) {
	if ctx.Err() != nil {
		c.logger.Info("stop requested during startup", slog.String("error", cause.Error()))
		return c.stop(nil)
	}
	return c.stop(cause)
}

func (c *Consumer) stop(cause error) (Summary, error) {
	c.setState(Stopping)

	if err := c.src.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("failed to close broker client", slog.String("error", err.Error()))
	}

	if f, ok := c.metrics.(flusher); ok {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := f.Flush(ctx); err != nil {
			c.logger.Warn("failed to flush metrics", slog.String("error", err.Error()))
		}
		cancel()
	}

	c.setState(Stopped)
	if cause != nil {
		c.logger.Error("consumer stopped", slog.String("error", cause.Error()), slog.String("summary", c.summary.String()))
	} else {
		c.logger.Info("consumer stopped", slog.String("summary", c.summary.String()))
	}
	return c.summary, cause
}

// process takes one message from decode to resolution.
func (c *Consumer) process(ctx context.Context, msg delivery.Message) {
	ctx, span := c.tracer.Start(ctx, "mailchimp.subscription.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", msg.Queue),
			attribute.String("messaging.rabbitmq.destination.routing_key", msg.RoutingKey),
			attribute.Int("messaging.redeliveries", msg.Redeliveries),
		),
	)
	defer span.End()

	c.summary.Processed++
	c.metrics.RecordProcessed()

	var out subscription.Outcome
	ev, err := c.decoder.DecodeMessage(msg)
	decodeFailed := err != nil
	if decodeFailed {
		msg.CorrelationID = event.CorrelationID(msg)
		c.summary.DecodeFailures++
		out = subscription.Rejection("decode: "+err.Error(), err)
	} else {
		msg.CorrelationID = ev.CorrelationID
		span.SetAttributes(
			attribute.String("mailchimp.action", string(ev.Action)),
			attribute.String("mailchimp.list_id", ev.ListID),
		)
		out = c.applier.Apply(ctx, ev)
	}
	span.SetAttributes(
		attribute.String("messaging.message.conversation_id", msg.CorrelationID),
		attribute.String("mailchimp.outcome", out.Kind.String()),
	)

	res, err := c.resolver.Resolve(ctx, msg, out)
	if err != nil {
		c.summary.ResolveErrors++
		c.metrics.RecordFailed(ReasonResolve)
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return
	}

	switch res {
	case resolver.Acked:
		c.summary.Succeeded++
		c.metrics.RecordSucceeded()
	case resolver.Requeued:
		c.summary.Retried++
		c.metrics.RecordFailed(ReasonTransient)
	case resolver.DeadLettered:
		c.summary.DeadLettered++
		reason := ReasonExhausted
		if out.Kind == subscription.Rejected {
			c.summary.Rejected++
			reason = ReasonRejected
			if decodeFailed {
				reason = ReasonDecode
			}
		}
		c.metrics.RecordFailed(reason)
		span.SetStatus(codes.Error, out.String())
	}

	c.logger.Debug("message resolved",
		slog.String("correlation_id", msg.CorrelationID),
		slog.String("outcome", out.String()),
		slog.String("resolution", res.String()))
}

type nopRecorder struct{}

func (nopRecorder) RecordProcessed()    {}
func (nopRecorder) RecordSucceeded()    {}
func (nopRecorder) RecordFailed(string) {}
