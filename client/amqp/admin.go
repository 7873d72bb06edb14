// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"github.com/messagebroker/mbc-mailchimp-subscription/topology"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclareOptions configures exchange declaration.
type ExchangeDeclareOptions struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Passive    bool // only check that the exchange exists
	Arguments  amqp091.Table
}

// QueueDeclareOptions configures queue declaration.
type QueueDeclareOptions struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Passive    bool // only check that the queue exists
	Arguments  amqp091.Table
}

// DeclareExchange declares an exchange.
func (c *Client) DeclareExchange(opts *ExchangeDeclareOptions) error {
	if opts == nil || opts.Name == "" {
		return ErrInvalidExchange
	}

	ch, _, err := c.channel()
	if err != nil {
		return err
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()

	declare := ch.ExchangeDeclare
	if opts.Passive {
		declare = ch.ExchangeDeclarePassive
	}
	err = declare(
		opts.Name,
		opts.Kind,
		opts.Durable,
		opts.AutoDelete,
		opts.Internal,
		opts.NoWait,
		opts.Arguments,
	)
	if err != nil {
		return &DeclareError{Entity: "exchange", Name: opts.Name, Err: err}
	}
	return nil
}

// DeclareQueue declares a queue.
func (c *Client) DeclareQueue(opts *QueueDeclareOptions) (string, error) {
	if opts == nil {
		return "", ErrNilOptions
	}

	ch, _, err := c.channel()
	if err != nil {
		return "", err
	}

	declare := ch.QueueDeclare
	if opts.Passive {
		declare = ch.QueueDeclarePassive
	}

	c.chMu.Lock()
	q, err := declare(
		opts.Name,
		opts.Durable,
		opts.AutoDelete,
		opts.Exclusive,
		opts.NoWait,
		opts.Arguments,
	)
	c.chMu.Unlock()
	if err != nil {
		return "", &DeclareError{Entity: "queue", Name: opts.Name, Err: err}
	}

	return q.Name, nil
}

// BindQueue binds a queue to an exchange using a routing key.
func (c *Client) BindQueue(queue, key, exchange string, noWait bool, args amqp091.Table) error {
	if queue == "" {
		return ErrInvalidQueueName
	}

	ch, _, err := c.channel()
	if err != nil {
		return err
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()
	if err := ch.QueueBind(queue, key, exchange, noWait, args); err != nil {
		return &DeclareError{Entity: "binding", Name: queue + "->" + exchange, Err: err}
	}
	return nil
}

// declare applies a topology descriptor on the current channel. The
// dead-letter exchange goes first so queues referencing it can be declared.
func (c *Client) declare(desc topology.Descriptor) error {
	ex := desc.Exchange
	if err := c.DeclareExchange(&ExchangeDeclareOptions{
		Name:       ex.Name,
		Kind:       ex.Type,
		Durable:    ex.Durable,
		AutoDelete: ex.AutoDelete,
		Passive:    ex.Passive,
	}); err != nil {
		return err
	}

	if dl := desc.DeadLetter; dl != nil {
		if err := c.DeclareExchange(&ExchangeDeclareOptions{
			Name:    dl.Exchange,
			Kind:    dl.DeadLetterType(),
			Durable: true,
		}); err != nil {
			return err
		}
		if dl.Queue != "" {
			if _, err := c.DeclareQueue(&QueueDeclareOptions{Name: dl.Queue, Durable: true}); err != nil {
				return err
			}
			if err := c.BindQueue(dl.Queue, dl.DeadLetterBinding(), dl.Exchange, false, nil); err != nil {
				return err
			}
		}
	}

	for _, q := range desc.Queues {
		if _, err := c.DeclareQueue(&QueueDeclareOptions{
			Name:       q.Name,
			Durable:    q.Durable,
			AutoDelete: q.AutoDelete,
			Exclusive:  q.Exclusive,
			Passive:    q.Passive,
			Arguments:  amqp091.Table(desc.QueueArguments(q)),
		}); err != nil {
			return err
		}
		if err := c.BindQueue(q.Name, q.BindingKey, ex.Name, false, nil); err != nil {
			return err
		}
	}

	return nil
}
