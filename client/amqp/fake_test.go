// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	mu         sync.Mutex
	ops        []string
	args       map[string]amqp091.Table
	fail       map[string]error
	deliveries map[string]chan amqp091.Delivery
	closers    []chan *amqp091.Error
	published  []amqp091.Publishing
	publishErr error
	shut       bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		args:       make(map[string]amqp091.Table),
		fail:       make(map[string]error),
		deliveries: make(map[string]chan amqp091.Delivery),
	}
}

func (f *fakeChannel) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	return f.fail[op]
}

func (f *fakeChannel) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeChannel) Qos(int, int, bool) error { return f.record("qos") }

func (f *fakeChannel) Confirm(bool) error { return f.record("confirm") }

func (f *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp091.Table) error {
	return f.record("exchange:" + name)
}

func (f *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp091.Table) error {
	return f.record("exchange?:" + name)
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp091.Table) (amqp091.Queue, error) {
	err := f.record("queue:" + name)
	f.mu.Lock()
	f.args[name] = args
	f.mu.Unlock()
	return amqp091.Queue{Name: name}, err
}

func (f *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	return amqp091.Queue{Name: name}, f.record("queue?:" + name)
}

func (f *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp091.Table) error {
	return f.record("bind:" + name + ":" + key)
}

func (f *fakeChannel) Consume(queue, _ string, _, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	if err := f.record("consume:" + queue); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan amqp091.Delivery, 8)
	f.deliveries[queue] = ch
	return ch, nil
}

func (f *fakeChannel) Cancel(consumer string, _ bool) error {
	return f.record("cancel")
}

func (f *fakeChannel) PublishWithDeferredConfirmWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp091.Publishing) (*amqp091.DeferredConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	f.published = append(f.published, msg)
	return nil, nil
}

func (f *fakeChannel) Published() []amqp091.Publishing {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]amqp091.Publishing(nil), f.published...)
}

func (f *fakeChannel) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closers = append(f.closers, receiver)
	return receiver
}

func (f *fakeChannel) Close() error {
	f.shutdown()
	return nil
}

func (f *fakeChannel) deliver(queue string, d amqp091.Delivery) bool {
	f.mu.Lock()
	ch, ok := f.deliveries[queue]
	shut := f.shut
	f.mu.Unlock()
	if !ok || shut {
		return false
	}
	ch <- d
	return true
}

func (f *fakeChannel) consuming(queue string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.deliveries[queue]
	return ok
}

func (f *fakeChannel) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shut {
		return
	}
	f.shut = true
	for _, ch := range f.deliveries {
		close(ch)
	}
	for _, r := range f.closers {
		close(r)
	}
	f.closers = nil
}

type fakeConn struct {
	mu      sync.Mutex
	ch      *fakeChannel
	closers []chan *amqp091.Error
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: newFakeChannel()}
}

func (c *fakeConn) Channel() (Channel, error) {
	return c.ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, receiver)
	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, r := range c.closers {
		close(r)
	}
	c.closers = nil
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drop simulates the broker going away.
func (c *fakeConn) drop() {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	for _, r := range closers {
		r <- &amqp091.Error{Code: amqp091.ConnectionForced, Reason: "broker shutdown"}
		close(r)
	}
	c.ch.shutdown()
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	urls  []string
}

func (d *fakeDialer) dial(url string, _ amqp091.Config) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.dials >= len(d.conns) {
		d.dials++
		return nil, errors.New("connection refused")
	}
	c := d.conns[d.dials]
	d.dials++
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeAcker struct {
	mu       sync.Mutex
	acked    int
	nacked   int
	rejected int
	requeued bool
}

func (a *fakeAcker) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked++
	return nil
}

func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked++
	a.requeued = requeue
	return nil
}

func (a *fakeAcker) Reject(_ uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected++
	a.requeued = requeue
	return nil
}

func (a *fakeAcker) counts() (acked, nacked, rejected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked, a.nacked, a.rejected
}
