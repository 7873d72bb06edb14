// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topology describes the exchange, queues and bindings the consumer
// declares on the broker. A Descriptor is loaded from configuration once and
// never mutated afterwards.
package topology

import (
	"errors"
	"fmt"
)

// Exchange types accepted by the broker.
const (
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeTopic   = "topic"
	ExchangeHeaders = "headers"
)

// Queue argument keys understood by RabbitMQ.
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
	ArgQueueType            = "x-queue-type"

	QueueTypeQuorum = "quorum"
)

var (
	ErrNoExchange        = errors.New("exchange name cannot be empty")
	ErrNoQueues          = errors.New("at least one queue is required")
	ErrInvalidType       = errors.New("invalid exchange type")
	ErrEmptyQueueName    = errors.New("queue name cannot be empty")
	ErrDuplicateQueue    = errors.New("duplicate queue name")
	ErrMissingBindingKey = errors.New("binding key required for direct and topic exchanges")
	ErrQueueNotFound     = errors.New("queue not declared in topology")
)

// Exchange holds exchange identity and declaration flags.
type Exchange struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Passive    bool   `yaml:"passive"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// Queue holds queue identity, declaration flags and the binding pattern used
// to bind it to the exchange.
type Queue struct {
	Name       string         `yaml:"name"`
	Passive    bool           `yaml:"passive"`
	Durable    bool           `yaml:"durable"`
	Exclusive  bool           `yaml:"exclusive"`
	AutoDelete bool           `yaml:"auto_delete"`
	BindingKey string         `yaml:"binding_key"`
	Arguments  map[string]any `yaml:"arguments,omitempty"`
}

// DeadLetter configures the holding exchange and queue that rejected
// messages are routed to.
type DeadLetter struct {
	Exchange   string `yaml:"exchange"`
	Type       string `yaml:"type"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

// Descriptor is the complete broker topology.
type Descriptor struct {
	Exchange   Exchange    `yaml:"exchange"`
	Queues     []Queue     `yaml:"queues"`
	DeadLetter *DeadLetter `yaml:"dead_letter,omitempty"`
}

// Validate checks the descriptor for errors.
func (d Descriptor) Validate() error {
	if d.Exchange.Name == "" {
		return ErrNoExchange
	}
	if !validType(d.Exchange.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidType, d.Exchange.Type)
	}
	if len(d.Queues) == 0 {
		return ErrNoQueues
	}

	seen := make(map[string]bool, len(d.Queues))
	for i, q := range d.Queues {
		if q.Name == "" {
			return fmt.Errorf("queues[%d]: %w", i, ErrEmptyQueueName)
		}
		if seen[q.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateQueue, q.Name)
		}
		seen[q.Name] = true

		needsKey := d.Exchange.Type == ExchangeTopic || d.Exchange.Type == ExchangeDirect
		if needsKey && q.BindingKey == "" {
			return fmt.Errorf("queue %s: %w", q.Name, ErrMissingBindingKey)
		}
	}

	if dl := d.DeadLetter; dl != nil {
		if dl.Exchange == "" {
			return fmt.Errorf("dead_letter: %w", ErrNoExchange)
		}
		if dl.Type != "" && !validType(dl.Type) {
			return fmt.Errorf("dead_letter: %w: %q", ErrInvalidType, dl.Type)
		}
		if dl.Exchange == d.Exchange.Name {
			return fmt.Errorf("dead_letter.exchange must differ from exchange %q", d.Exchange.Name)
		}
	}

	return nil
}

// Queue returns the queue with the given name.
func (d Descriptor) Queue(name string) (Queue, error) {
	for _, q := range d.Queues {
		if q.Name == name {
			return q, nil
		}
	}
	return Queue{}, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
}

// Quorum reports whether q is declared as a quorum queue. Only quorum queues
// count redeliveries in the x-delivery-count header.
func (q Queue) Quorum() bool {
	v, ok := q.Arguments[ArgQueueType].(string)
	return ok && v == QueueTypeQuorum
}

// QueueArguments returns the declaration arguments of q, including the
// dead-letter routing arguments when a dead-letter exchange is configured.
// The returned map is a copy.
func (d Descriptor) QueueArguments(q Queue) map[string]any {
	if len(q.Arguments) == 0 && d.DeadLetter == nil {
		return nil
	}

	args := make(map[string]any, len(q.Arguments)+2)
	for k, v := range q.Arguments {
		args[k] = v
	}
	if dl := d.DeadLetter; dl != nil {
		args[ArgDeadLetterExchange] = dl.Exchange
		if dl.RoutingKey != "" {
			args[ArgDeadLetterRoutingKey] = dl.RoutingKey
		}
	}
	return args
}

// DeadLetterType returns the dead-letter exchange type, defaulting to topic.
func (dl DeadLetter) DeadLetterType() string {
	if dl.Type == "" {
		return ExchangeTopic
	}
	return dl.Type
}

// DeadLetterBinding returns the binding key for the dead-letter queue.
func (dl DeadLetter) DeadLetterBinding() string {
	if dl.RoutingKey == "" {
		return "#"
	}
	return dl.RoutingKey
}

func validType(t string) bool {
	switch t {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
		return true
	}
	return false
}
