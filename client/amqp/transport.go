// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp091.Connection the client uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// Channel is the subset of *amqp091.Channel the client uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (*amqp091.DeferredConfirmation, error)
	NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string, cfg amqp091.Config) (Connection, error)

type amqpConnection struct {
	*amqp091.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string, cfg amqp091.Config) (Connection, error) {
	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateDeclaring
	StateReady
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDeclaring:
		return "declaring"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}
