// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery defines the in-flight message handed from the broker
// client to the consumer loop.
package delivery

import "errors"

var (
	// ErrAlreadyResolved is returned when a handle is resolved a second time.
	ErrAlreadyResolved = errors.New("delivery already resolved")
	// ErrStaleDelivery is returned when the channel that carried the delivery
	// is gone. The broker redelivers such messages on its own.
	ErrStaleDelivery = errors.New("delivery channel is closed")
)

// Handle resolves one broker delivery. Exactly one of the methods may
// succeed; implementations return ErrAlreadyResolved afterwards.
type Handle interface {
	Ack() error
	Requeue() error
	DeadLetter() error
}

// Message is a received delivery with the metadata the pipeline needs.
type Message struct {
	Body            []byte
	ContentType     string
	ContentEncoding string
	CorrelationID   string
	MessageID       string
	RoutingKey      string
	Queue           string

	// Redeliveries is how many times the broker has delivered this message
	// before, as recorded in the message's own metadata.
	Redeliveries int

	Handle Handle
}
