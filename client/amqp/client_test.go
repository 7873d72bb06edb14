// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/messagebroker/mbc-mailchimp-subscription/delivery"
	"github.com/messagebroker/mbc-mailchimp-subscription/topology"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "mailchimp-subscription"

func testDescriptor() topology.Descriptor {
	return topology.Descriptor{
		Exchange: topology.Exchange{Name: "subscription", Type: topology.ExchangeTopic, Durable: true},
		Queues: []topology.Queue{
			{Name: testQueue, Durable: true, BindingKey: "subscription.#"},
		},
		DeadLetter: &topology.DeadLetter{Exchange: "subscription-dlx", Queue: "mailchimp-subscription-dead"},
	}
}

var declareOps = []string{
	"exchange:subscription",
	"exchange:subscription-dlx",
	"queue:mailchimp-subscription-dead",
	"bind:mailchimp-subscription-dead:#",
	"queue:mailchimp-subscription",
	"bind:mailchimp-subscription:subscription.#",
}

func newTestClient(t *testing.T, d *fakeDialer, mutate func(*Options)) *Client {
	t.Helper()

	opts := NewOptions().
		SetDialer(d.dial).
		SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		SetReconnectBackoff(time.Millisecond).
		SetMaxReconnectWait(5 * time.Millisecond).
		SetMaxReconnectAttempts(3)
	if mutate != nil {
		mutate(opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func startConsuming(t *testing.T, c *Client) <-chan delivery.Message {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.DeclareTopology(ctx, testDescriptor()))

	msgs, err := c.Consume(ctx, testQueue)
	require.NoError(t, err)
	return msgs
}

func receive(t *testing.T, msgs <-chan delivery.Message) delivery.Message {
	t.Helper()
	select {
	case msg, ok := <-msgs:
		require.True(t, ok, "delivery stream closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return delivery.Message{}
	}
}

func waitClosed(t *testing.T, msgs <-chan delivery.Message) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-msgs:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("delivery stream not closed")
		}
	}
}

func TestConnectDeclaresTopologyInOrder(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, nil)

	startConsuming(t, c)

	want := append([]string{"qos", "confirm"}, declareOps...)
	want = append(want, "consume:"+testQueue)
	assert.Equal(t, want, conn.ch.Ops())
	assert.Equal(t, StateReady, c.State())

	args := conn.ch.args[testQueue]
	assert.Equal(t, "subscription-dlx", args[topology.ArgDeadLetterExchange])
}

func TestNackModeSkipsConfirm(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, func(o *Options) {
		o.SetRequeueMode(RequeueNack)
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []string{"qos"}, conn.ch.Ops())
}

func TestPassiveDeclaration(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, nil)
	require.NoError(t, c.Connect(context.Background()))

	desc := testDescriptor()
	desc.Exchange.Passive = true
	desc.Queues[0].Passive = true
	desc.DeadLetter = nil
	require.NoError(t, c.DeclareTopology(context.Background(), desc))

	assert.Equal(t, []string{
		"qos", "confirm",
		"exchange?:subscription",
		"queue?:" + testQueue,
		"bind:" + testQueue + ":subscription.#",
	}, conn.ch.Ops())
}

func TestDeclareFailureIsDeclareError(t *testing.T) {
	conn := newFakeConn()
	conn.ch.fail["exchange:subscription"] = &amqp091.Error{Code: amqp091.PreconditionFailed, Reason: "inequivalent arg 'type'"}
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, nil)
	require.NoError(t, c.Connect(context.Background()))

	err := c.DeclareTopology(context.Background(), testDescriptor())

	var declErr *DeclareError
	require.ErrorAs(t, err, &declErr)
	assert.Equal(t, "exchange", declErr.Entity)
	assert.True(t, declErr.Conflict())
}

func TestConsumeRequiresConnection(t *testing.T) {
	c := newTestClient(t, &fakeDialer{}, nil)

	_, err := c.Consume(context.Background(), testQueue)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConsumeTwiceRejected(t *testing.T) {
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{newFakeConn()}}, nil)
	startConsuming(t, c)

	_, err := c.Consume(context.Background(), testQueue)
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestHandleResolvesOnce(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, nil)
	msgs := startConsuming(t, c)

	acker := &fakeAcker{}
	require.True(t, conn.ch.deliver(testQueue, amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte("x")}))

	msg := receive(t, msgs)
	require.NoError(t, msg.Handle.Ack())
	assert.ErrorIs(t, msg.Handle.DeadLetter(), delivery.ErrAlreadyResolved)
	assert.ErrorIs(t, msg.Handle.Requeue(), delivery.ErrAlreadyResolved)

	acked, nacked, rejected := acker.counts()
	assert.Equal(t, 1, acked)
	assert.Zero(t, nacked)
	assert.Zero(t, rejected)
}

func TestDeadLetterRejectsWithoutRequeue(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, nil)
	msgs := startConsuming(t, c)

	acker := &fakeAcker{requeued: true}
	conn.ch.deliver(testQueue, amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1})

	msg := receive(t, msgs)
	require.NoError(t, msg.Handle.DeadLetter())

	_, _, rejected := acker.counts()
	assert.Equal(t, 1, rejected)
	assert.False(t, acker.requeued)
}

func TestRequeueRepublishesWithIncrementedCount(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, nil)
	msgs := startConsuming(t, c)

	acker := &fakeAcker{}
	conn.ch.deliver(testQueue, amqp091.Delivery{
		Acknowledger:  acker,
		DeliveryTag:   7,
		Headers:       amqp091.Table{HeaderRetryCount: int32(1), "trace": "abc"},
		CorrelationId: "corr-1",
		Body:          []byte(`{"email":"a@b.c"}`),
	})

	msg := receive(t, msgs)
	assert.Equal(t, 1, msg.Redeliveries)
	require.NoError(t, msg.Handle.Requeue())

	published := conn.ch.Published()
	require.Len(t, published, 1)
	assert.Equal(t, int64(2), published[0].Headers[HeaderRetryCount])
	assert.Equal(t, "abc", published[0].Headers["trace"])
	assert.Equal(t, "corr-1", published[0].CorrelationId)
	assert.Equal(t, amqp091.Persistent, published[0].DeliveryMode)

	acked, nacked, _ := acker.counts()
	assert.Equal(t, 1, acked)
	assert.Zero(t, nacked)
}

func TestRequeueFallsBackToNackWhenPublishFails(t *testing.T) {
	conn := newFakeConn()
	conn.ch.publishErr = errors.New("channel blocked")
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, nil)
	msgs := startConsuming(t, c)

	acker := &fakeAcker{}
	conn.ch.deliver(testQueue, amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1})

	msg := receive(t, msgs)
	err := msg.Handle.Requeue()
	assert.ErrorIs(t, err, ErrRepublish)
	assert.ErrorContains(t, err, "channel blocked")

	acked, nacked, _ := acker.counts()
	assert.Zero(t, acked)
	assert.Equal(t, 1, nacked)
	assert.True(t, acker.requeued)

	// The handle is settled; a second resolution is refused.
	assert.ErrorIs(t, msg.Handle.Ack(), delivery.ErrAlreadyResolved)
}

func TestRequeueNackMode(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, func(o *Options) {
		o.SetRequeueMode(RequeueNack)
	})
	msgs := startConsuming(t, c)

	acker := &fakeAcker{}
	conn.ch.deliver(testQueue, amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1})

	msg := receive(t, msgs)
	require.NoError(t, msg.Handle.Requeue())

	assert.Empty(t, conn.ch.Published())
	_, nacked, _ := acker.counts()
	assert.Equal(t, 1, nacked)
	assert.True(t, acker.requeued)
}

func TestReconnectRedeclaresBeforeConsuming(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}

	reconnecting := make(chan int, 4)
	c := newTestClient(t, dialer, func(o *Options) {
		o.SetOnReconnecting(func(attempt int) { reconnecting <- attempt })
	})
	msgs := startConsuming(t, c)

	first.drop()

	require.Eventually(t, func() bool {
		return second.ch.consuming(testQueue) && c.State() == StateReady
	}, 2*time.Second, time.Millisecond)

	want := append([]string{"qos", "confirm"}, declareOps...)
	want = append(want, "consume:"+testQueue)
	assert.Equal(t, want, second.ch.Ops())
	assert.Equal(t, 1, <-reconnecting)

	acker := &fakeAcker{}
	second.ch.deliver(testQueue, amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1})

	msg := receive(t, msgs)
	require.NoError(t, msg.Handle.Ack())
	acked, _, _ := acker.counts()
	assert.Equal(t, 1, acked)
}

func TestStaleHandleAfterReconnect(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{first, second}}, nil)
	msgs := startConsuming(t, c)

	acker := &fakeAcker{}
	first.ch.deliver(testQueue, amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1})
	msg := receive(t, msgs)

	first.drop()
	require.Eventually(t, func() bool {
		return second.ch.consuming(testQueue) && c.State() == StateReady
	}, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, msg.Handle.Ack(), delivery.ErrStaleDelivery)
	acked, _, _ := acker.counts()
	assert.Zero(t, acked)
}

func TestReconnectConflictStopsClient(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	second.ch.fail["queue:"+testQueue] = &amqp091.Error{Code: amqp091.PreconditionFailed, Reason: "inequivalent arg"}
	dialer := &fakeDialer{conns: []*fakeConn{first, second}}
	c := newTestClient(t, dialer, nil)
	msgs := startConsuming(t, c)

	first.drop()
	waitClosed(t, msgs)

	var declErr *DeclareError
	require.ErrorAs(t, c.Err(), &declErr)
	assert.True(t, declErr.Conflict())
	assert.Equal(t, 2, dialer.Dials())
}

func TestReconnectExhausted(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	c := newTestClient(t, dialer, nil)
	msgs := startConsuming(t, c)

	conn.drop()
	waitClosed(t, msgs)

	assert.ErrorIs(t, c.Err(), ErrReconnectExhausted)
	assert.Equal(t, 4, dialer.Dials())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestNoAutoReconnectStopsClient(t *testing.T) {
	conn := newFakeConn()
	lost := make(chan error, 1)
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, func(o *Options) {
		o.SetAutoReconnect(false)
		o.SetOnConnectionLost(func(err error) { lost <- err })
	})
	msgs := startConsuming(t, c)

	conn.drop()
	waitClosed(t, msgs)

	assert.Error(t, c.Err())
	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("connection lost callback not invoked")
	}
}

func TestCloseEndsStream(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(t, &fakeDialer{conns: []*fakeConn{conn}}, nil)
	msgs := startConsuming(t, c)

	require.NoError(t, c.Close())
	waitClosed(t, msgs)

	assert.Contains(t, conn.ch.Ops(), "cancel")
	assert.True(t, conn.isClosed())
	assert.NoError(t, c.Err())
	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestRedeliveryCount(t *testing.T) {
	cases := []struct {
		name string
		d    amqp091.Delivery
		want int
	}{
		{name: "fresh", d: amqp091.Delivery{}, want: 0},
		{name: "redelivered flag only", d: amqp091.Delivery{Redelivered: true}, want: 1},
		{name: "retry header", d: amqp091.Delivery{Headers: amqp091.Table{HeaderRetryCount: int64(2)}}, want: 2},
		{name: "retry header as string", d: amqp091.Delivery{Headers: amqp091.Table{HeaderRetryCount: "3"}}, want: 3},
		{name: "quorum delivery count", d: amqp091.Delivery{Redelivered: true, Headers: amqp091.Table{HeaderDeliveryCount: int64(4)}}, want: 4},
		{
			name: "x-death sum",
			d: amqp091.Delivery{Headers: amqp091.Table{HeaderDeath: []interface{}{
				amqp091.Table{"count": int64(1), "reason": "rejected"},
				amqp091.Table{"count": int64(2), "reason": "expired"},
			}}},
			want: 3,
		},
		{
			name: "largest wins",
			d:    amqp091.Delivery{Headers: amqp091.Table{HeaderRetryCount: int32(5), HeaderDeliveryCount: int64(2)}},
			want: 5,
		},
		{name: "garbage header", d: amqp091.Delivery{Headers: amqp091.Table{HeaderRetryCount: "many"}}, want: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RedeliveryCount(tc.d))
		})
	}
}
