// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package resolver settles each delivery from the outcome of applying it.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/messagebroker/mbc-mailchimp-subscription/delivery"
	"github.com/messagebroker/mbc-mailchimp-subscription/storage"
	"github.com/messagebroker/mbc-mailchimp-subscription/subscription"
)

// DefaultMaxRedeliveries is the number of deliveries a transiently failing
// message gets before it is dead-lettered.
const DefaultMaxRedeliveries = 3

const maxLoggedPayload = 4096

// Resolution is what happened to a delivery.
type Resolution int

const (
	Acked Resolution = iota + 1
	Requeued
	DeadLettered
)

func (r Resolution) String() string {
	switch r {
	case Acked:
		return "acked"
	case Requeued:
		return "requeued"
	case DeadLettered:
		return "dead-lettered"
	default:
		return "unresolved"
	}
}

// Resolver maps outcomes onto broker resolutions.
type Resolver struct {
	maxRedeliveries int
	journal         storage.DeadLetterStore
	logger          *slog.Logger
}

// New creates a resolver. journal may be nil, in which case dead letters are
// only logged.
func New(maxRedeliveries int, journal storage.DeadLetterStore, logger *slog.Logger) *Resolver {
	if maxRedeliveries <= 0 {
		maxRedeliveries = DefaultMaxRedeliveries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		maxRedeliveries: maxRedeliveries,
		journal:         journal,
		logger:          logger,
	}
}

// Exhausted reports whether a message already delivered redeliveries times
// before has used up its retries with the current delivery.
func (r *Resolver) Exhausted(redeliveries int) bool {
	return redeliveries+1 >= r.maxRedeliveries
}

// Resolve settles msg exactly once. Rejected outcomes are never requeued;
// transient ones are requeued until the redelivery bound is reached. A
// broker failure is returned as is and the handle is not retried.
func (r *Resolver) Resolve(ctx context.Context, msg delivery.Message, out subscription.Outcome) (Resolution, error) {
	switch out.Kind {
	case subscription.Applied:
		if err := msg.Handle.Ack(); err != nil {
			return r.failed(msg, Acked, err)
		}
		return Acked, nil

	case subscription.Transient:
		if r.Exhausted(msg.Redeliveries) {
			return r.deadLetter(ctx, msg, "retries exhausted: "+out.Reason)
		}
		if err := msg.Handle.Requeue(); err != nil {
			return r.failed(msg, Requeued, err)
		}
		r.logger.Warn("message requeued",
			slog.String("queue", msg.Queue),
			slog.String("correlation_id", msg.CorrelationID),
			slog.Int("redeliveries", msg.Redeliveries),
			slog.String("reason", out.Reason))
		return Requeued, nil

	default:
		return r.deadLetter(ctx, msg, out.Reason)
	}
}

func (r *Resolver) deadLetter(ctx context.Context, msg delivery.Message, reason string) (Resolution, error) {
	r.logger.Error("message dead-lettered",
		slog.String("queue", msg.Queue),
		slog.String("correlation_id", msg.CorrelationID),
		slog.Int("redeliveries", msg.Redeliveries),
		slog.String("reason", reason),
		slog.String("payload", payload(msg.Body)))

	if r.journal != nil {
		rec := &storage.DeadLetter{
			Queue:         msg.Queue,
			RoutingKey:    msg.RoutingKey,
			CorrelationID: msg.CorrelationID,
			Reason:        reason,
			Redeliveries:  msg.Redeliveries,
			ContentType:   msg.ContentType,
			Body:          msg.Body,
		}
		if err := r.journal.Append(ctx, rec); err != nil {
			r.logger.Error("dead letter journal append failed",
				slog.String("correlation_id", msg.CorrelationID),
				slog.String("error", err.Error()))
		}
	}

	if err := msg.Handle.DeadLetter(); err != nil {
		return r.failed(msg, DeadLettered, err)
	}
	return DeadLettered, nil
}

func (r *Resolver) failed(msg delivery.Message, want Resolution, err error) (Resolution, error) {
	r.logger.Error("message resolution failed",
		slog.String("queue", msg.Queue),
		slog.String("correlation_id", msg.CorrelationID),
		slog.String("resolution", want.String()),
		slog.String("error", err.Error()))
	return 0, fmt.Errorf("%s: %w", want, err)
}

func payload(body []byte) string {
	if len(body) > maxLoggedPayload {
		body = body[:maxLoggedPayload]
	}
	if !utf8.Valid(body) {
		return fmt.Sprintf("%q", body)
	}
	return string(body)
}
