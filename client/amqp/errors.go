// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"errors"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Client errors.
var (
	ErrNoAddress          = errors.New("no broker address configured")
	ErrNotConnected       = errors.New("client not connected")
	ErrAlreadyConnected   = errors.New("client already connected")
	ErrAlreadySubscribed  = errors.New("already consuming from queue")
	ErrClosed             = errors.New("client closed")
	ErrPublisherConfirm   = errors.New("publisher confirm not acknowledged")
	ErrRepublish          = errors.New("republish failed, requeued without retry count")
	ErrTimeout            = errors.New("operation timed out")
	ErrInvalidQueueName   = errors.New("queue name cannot be empty")
	ErrInvalidExchange    = errors.New("exchange name cannot be empty")
	ErrNilOptions         = errors.New("options cannot be nil")
	ErrInvalidRequeueMode = errors.New("invalid requeue mode")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// DeclareError reports a failed exchange, queue or binding declaration.
type DeclareError struct {
	Entity string // "exchange", "queue" or "binding"
	Name   string
	Err    error
}

func (e *DeclareError) Error() string {
	return fmt.Sprintf("declare %s %q: %v", e.Entity, e.Name, e.Err)
}

func (e *DeclareError) Unwrap() error {
	return e.Err
}

// Conflict reports whether the broker refused the declaration because it
// disagrees with existing state or permissions. Such errors do not heal by
// reconnecting.
func (e *DeclareError) Conflict() bool {
	var amqpErr *amqp091.Error
	if !errors.As(e.Err, &amqpErr) {
		return false
	}
	switch amqpErr.Code {
	case amqp091.PreconditionFailed, amqp091.NotFound, amqp091.AccessRefused, amqp091.ResourceLocked:
		return true
	}
	return false
}
