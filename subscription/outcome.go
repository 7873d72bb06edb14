// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/messagebroker/mbc-mailchimp-subscription/mailchimp"
	"github.com/messagebroker/mbc-mailchimp-subscription/ratelimit"
)

// Kind is the class of an apply result.
type Kind int

const (
	// Applied means the list is in the requested state.
	Applied Kind = iota
	// Rejected means the request can never succeed as sent.
	Rejected
	// Transient means the same request may succeed later.
	Transient
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Rejected:
		return "rejected"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Outcome is the result of applying one event.
type Outcome struct {
	Kind   Kind
	Reason string
	Err    error
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Reason
}

// Rejection builds a Rejected outcome.
func Rejection(reason string, err error) Outcome {
	return Outcome{Kind: Rejected, Reason: reason, Err: err}
}

// Classify maps a list service error onto an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Applied}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Outcome{Kind: Transient, Reason: "timeout", Err: err}
	case errors.Is(err, mailchimp.ErrUnavailable):
		return Outcome{Kind: Transient, Reason: "circuit open", Err: err}
	case errors.Is(err, ratelimit.ErrLimited):
		return Outcome{Kind: Transient, Reason: "rate limited", Err: err}
	case errors.Is(err, mailchimp.ErrNoList), errors.Is(err, mailchimp.ErrNoEmail), errors.Is(err, mailchimp.ErrUnknownList):
		return Rejection(err.Error(), err)
	}

	if apiErr, ok := mailchimp.AsAPIError(err); ok {
		reason := fmt.Sprintf("status %d", apiErr.StatusCode)
		if apiErr.Title != "" {
			reason += " " + apiErr.Title
		}

		switch {
		case apiErr.Temporary():
			return Outcome{Kind: Transient, Reason: reason, Err: err}
		case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
			// Credentials are fixed by an operator; the retry bound still applies.
			return Outcome{Kind: Transient, Reason: reason, Err: err}
		case apiErr.StatusCode >= 400:
			if apiErr.Detail != "" {
				reason += ": " + apiErr.Detail
			}
			return Rejection(reason, err)
		}
	}

	return Outcome{Kind: Transient, Reason: "network error", Err: err}
}
