// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscription applies decoded events to the mailing list service
// and classifies the result for message resolution.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/messagebroker/mbc-mailchimp-subscription/event"
	"github.com/messagebroker/mbc-mailchimp-subscription/mailchimp"
)

// DefaultTimeout bounds one list service call.
const DefaultTimeout = 30 * time.Second

// ListService is the mailing list capability. Both calls are idempotent.
type ListService interface {
	Upsert(ctx context.Context, listID string, m mailchimp.Member) error
	Unsubscribe(ctx context.Context, listID, email string) error
}

// Applier turns one event into exactly one list service call.
type Applier struct {
	lists       ListService
	defaultList string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewApplier creates an applier. Events without a list id go to defaultList.
func NewApplier(lists ListService, defaultList string, timeout time.Duration, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Applier{
		lists:       lists,
		defaultList: defaultList,
		timeout:     timeout,
		logger:      logger,
	}
}

// Apply performs ev and classifies the result. A call that does not return
// within the timeout is Transient even if the service ignores ctx.
func (a *Applier) Apply(ctx context.Context, ev event.Event) Outcome {
	listID := ev.ListID
	if listID == "" {
		listID = a.defaultList
	}
	if listID == "" {
		return Rejection("no list id and no default list configured", mailchimp.ErrNoList)
	}

	call, err := a.call(ev, listID)
	if err != nil {
		return Rejection(err.Error(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- call(ctx)
	}()

	var out Outcome
	select {
	case err := <-done:
		out = Classify(err)
	case <-ctx.Done():
		out = Classify(ctx.Err())
	}

	a.logger.Debug("event applied",
		slog.String("action", string(ev.Action)),
		slog.String("list_id", listID),
		slog.String("correlation_id", ev.CorrelationID),
		slog.String("outcome", out.String()))
	return out
}

func (a *Applier) call(ev event.Event, listID string) (func(context.Context) error, error) {
	switch ev.Action {
	case event.ActionSubscribe:
		return func(ctx context.Context) error {
			return a.lists.Upsert(ctx, listID, mailchimp.Member{
				Email:       ev.Email,
				Status:      mailchimp.StatusSubscribed,
				MergeFields: ev.MergeFields,
			})
		}, nil
	case event.ActionUpdate:
		return func(ctx context.Context) error {
			return a.lists.Upsert(ctx, listID, mailchimp.Member{
				Email:       ev.Email,
				MergeFields: ev.MergeFields,
			})
		}, nil
	case event.ActionUnsubscribe:
		return func(ctx context.Context) error {
			return a.lists.Unsubscribe(ctx, listID, ev.Email)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported action %q", ev.Action)
	}
}
