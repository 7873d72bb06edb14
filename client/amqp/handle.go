// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/messagebroker/mbc-mailchimp-subscription/delivery"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Redelivery headers.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderDeliveryCount = "x-delivery-count"
	HeaderDeath         = "x-death"
)

// handle resolves a delivery on the channel generation that carried it.
type handle struct {
	once   delivery.Once
	client *Client
	gen    uint64
	queue  string
	d      amqp091.Delivery
}

var _ delivery.Handle = (*handle)(nil)

func (h *handle) Ack() error {
	return h.once.Do(func() error {
		return h.client.withChannel(h.gen, func(Channel) error {
			return h.d.Ack(false)
		})
	})
}

func (h *handle) Requeue() error {
	return h.once.Do(func() error {
		if h.client.opts.RequeueMode == RequeueNack {
			return h.client.withChannel(h.gen, func(Channel) error {
				return h.d.Nack(false, true)
			})
		}
		return h.client.withChannel(h.gen, h.republish)
	})
}

func (h *handle) DeadLetter() error {
	return h.once.Do(func() error {
		return h.client.withChannel(h.gen, func(Channel) error {
			return h.d.Reject(false)
		})
	})
}

// republish puts a copy with an incremented retry count at the tail of the
// queue and acks the original once the broker confirmed the copy. If the
// copy cannot be confirmed the original is nacked with requeue and
// ErrRepublish is returned, since its retry count did not advance.
func (h *handle) republish(ch Channel) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.client.opts.ConfirmTimeout)
	defer cancel()

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", h.queue, false, false, republishing(h.d))
	if err == nil && dc != nil {
		var acked bool
		acked, err = dc.WaitContext(ctx)
		if err == nil && !acked {
			err = ErrPublisherConfirm
		}
	}
	if err != nil {
		h.client.logger.Warn("republish failed, requeueing original",
			slog.String("queue", h.queue),
			slog.String("error", err.Error()))
		err = fmt.Errorf("%w: %w", ErrRepublish, err)
		if nerr := h.d.Nack(false, true); nerr != nil {
			return errors.Join(err, nerr)
		}
		return err
	}

	return h.d.Ack(false)
}

func republishing(d amqp091.Delivery) amqp091.Publishing {
	headers := make(amqp091.Table, len(d.Headers)+1)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int64(RedeliveryCount(d) + 1)

	mode := d.DeliveryMode
	if mode == 0 {
		mode = amqp091.Persistent
	}

	return amqp091.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    mode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserId:          d.UserId,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}

// RedeliveryCount returns how many times the message was delivered before,
// taking the largest of the republish counter, the quorum queue delivery
// count and the dead-letter history. A redelivered message without any of
// those headers counts once.
func RedeliveryCount(d amqp091.Delivery) int {
	var n int64
	if v, ok := headerInt64(d.Headers, HeaderRetryCount); ok && v > n {
		n = v
	}
	if v, ok := headerInt64(d.Headers, HeaderDeliveryCount); ok && v > n {
		n = v
	}
	if v := deathCount(d.Headers); v > n {
		n = v
	}
	if n == 0 && d.Redelivered {
		n = 1
	}
	return int(n)
}

func deathCount(headers amqp091.Table) int64 {
	raw, ok := headers[HeaderDeath].([]interface{})
	if !ok {
		return 0
	}

	var total int64
	for _, entry := range raw {
		var t map[string]interface{}
		switch e := entry.(type) {
		case amqp091.Table:
			t = e
		case map[string]interface{}:
			t = e
		default:
			continue
		}
		if c, ok := headerInt64(t, "count"); ok && c > 0 {
			total += c
		}
	}
	return total
}

func headerInt64(headers map[string]interface{}, key string) (int64, bool) {
	if headers == nil {
		return 0, false
	}
	value, ok := headers[key]
	if !ok {
		return 0, false
	}

	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// subscription is one consumed queue. Its out channel outlives individual
// broker channels and is fed by one forwarder per connection generation.
type subscription struct {
	queue string
	tag   string
	out   chan delivery.Message
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	once   sync.Once
}

func newSubscription(queue, tag string) *subscription {
	return &subscription{
		queue: queue,
		tag:   tag,
		out:   make(chan delivery.Message),
		done:  make(chan struct{}),
	}
}

// start runs fn as a forwarder unless the subscription is finished.
func (s *subscription) start(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// finish stops all forwarders and closes out.
func (s *subscription) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()

		s.wg.Wait()
		close(s.out)
	})
}

func (c *Client) subscribe(sub *subscription) error {
	ch, gen, err := c.channel()
	if err != nil {
		return err
	}

	c.chMu.Lock()
	deliveries, err := ch.Consume(sub.queue, sub.tag, false, false, false, false, nil)
	c.chMu.Unlock()
	if err != nil {
		return err
	}

	sub.start(func() {
		c.forward(sub, deliveries, gen)
	})
	return nil
}

func (c *Client) forward(sub *subscription, deliveries <-chan amqp091.Delivery, gen uint64) {
	for {
		select {
		case <-sub.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			msg := c.message(sub.queue, d, gen)
			select {
			case sub.out <- msg:
			case <-sub.done:
				return
			}
		}
	}
}

func (c *Client) message(queue string, d amqp091.Delivery, gen uint64) delivery.Message {
	return delivery.Message{
		Body:            d.Body,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		CorrelationID:   d.CorrelationId,
		MessageID:       d.MessageId,
		RoutingKey:      d.RoutingKey,
		Queue:           queue,
		Redeliveries:    RedeliveryCount(d),
		Handle: &handle{
			client: c,
			gen:    gen,
			queue:  queue,
			d:      d,
		},
	}
}
