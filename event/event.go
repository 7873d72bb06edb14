// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package event decodes broker message bodies into subscription events.
package event

import "strings"

// Action is the requested change to a list membership.
type Action string

// Supported actions.
const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionUpdate      Action = "update"
)

// ParseAction normalizes a raw action keyword. Unknown keywords are returned
// lowercased and fail validation.
func ParseAction(s string) Action {
	return Action(strings.ToLower(strings.TrimSpace(s)))
}

// Event is one decoded subscription change.
type Event struct {
	Email         string `validate:"required,email"`
	Action        Action `validate:"required,oneof=subscribe unsubscribe update"`
	ListID        string `validate:"omitempty,max=100"`
	MergeFields   map[string]string
	CorrelationID string
}
