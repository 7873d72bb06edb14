// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/messagebroker/mbc-mailchimp-subscription/client/amqp"
	"github.com/messagebroker/mbc-mailchimp-subscription/delivery"
	"github.com/messagebroker/mbc-mailchimp-subscription/event"
	"github.com/messagebroker/mbc-mailchimp-subscription/metrics"
	"github.com/messagebroker/mbc-mailchimp-subscription/resolver"
	"github.com/messagebroker/mbc-mailchimp-subscription/storage/memory"
	"github.com/messagebroker/mbc-mailchimp-subscription/subscription"
	"github.com/messagebroker/mbc-mailchimp-subscription/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const queueName = "mailchimpSubscriptionQueue"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func descriptor() topology.Descriptor {
	return topology.Descriptor{
		Exchange: topology.Exchange{Name: "directUserEmail", Type: topology.ExchangeTopic, Durable: true},
		Queues: []topology.Queue{
			{Name: queueName, Durable: true, BindingKey: "subscribe.mailchimp.*"},
		},
	}
}

type fakeSource struct {
	connectErr error
	declareErr error
	consumeErr error
	streamErr  error

	msgs     chan delivery.Message
	state    atomic.Int32
	closed   atomic.Bool
	declared atomic.Int32
}

func newFakeSource() *fakeSource {
	s := &fakeSource{msgs: make(chan delivery.Message)}
	s.state.Store(int32(amqp.StateDisconnected))
	return s
}

func (s *fakeSource) Connect(context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.state.Store(int32(amqp.StateReady))
	return nil
}

func (s *fakeSource) DeclareTopology(context.Context, topology.Descriptor) error {
	if s.declareErr != nil {
		return s.declareErr
	}
	s.declared.Add(1)
	return nil
}

func (s *fakeSource) Consume(context.Context, string) (<-chan delivery.Message, error) {
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	return s.msgs, nil
}

func (s *fakeSource) State() amqp.State { return amqp.State(s.state.Load()) }
func (s *fakeSource) Err() error        { return s.streamErr }

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeHandle struct {
	once delivery.Once
	mu   sync.Mutex
	ops  []string
}

func (h *fakeHandle) record(op string) error {
	return h.once.Do(func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.ops = append(h.ops, op)
		return nil
	})
}

func (h *fakeHandle) Ack() error        { return h.record("ack") }
func (h *fakeHandle) Requeue() error    { return h.record("requeue") }
func (h *fakeHandle) DeadLetter() error { return h.record("dead-letter") }

func (h *fakeHandle) Ops() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ops...)
}

type applierFunc func(ctx context.Context, ev event.Event) subscription.Outcome

func (f applierFunc) Apply(ctx context.Context, ev event.Event) subscription.Outcome {
	return f(ctx, ev)
}

func applied(context.Context, event.Event) subscription.Outcome {
	return subscription.Outcome{Kind: subscription.Applied}
}

type countingRecorder struct {
	mu                   sync.Mutex
	processed, succeeded int
	failed               map[string]int
}

func (r *countingRecorder) RecordProcessed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
}

func (r *countingRecorder) RecordSucceeded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded++
}

func (r *countingRecorder) RecordFailed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = map[string]int{}
	}
	r.failed[reason]++
}

type harness struct {
	src      *fakeSource
	consumer *Consumer
	rec      *countingRecorder
	journal  *memory.Store
	cancel   context.CancelFunc
	done     chan struct{}
	summary  Summary
	err      error
}

func start(t *testing.T, app Applier, opts ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		src:     newFakeSource(),
		rec:     &countingRecorder{},
		journal: memory.New(100),
		done:    make(chan struct{}),
	}
	o := Options{
		Instance: "test-1",
		Topology: descriptor(),
		Source:   h.src,
		Decoder:  event.NewDecoder(0),
		Applier:  app,
		Resolver: resolver.New(3, h.journal, discard),
		Metrics:  h.rec,
		Logger:   discard,
	}
	for _, fn := range opts {
		fn(&o)
	}

	c, err := New(o)
	require.NoError(t, err)
	h.consumer = c

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.summary, h.err = c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return c.State() == Consuming }, time.Second, time.Millisecond)
	return h
}

func (h *harness) send(t *testing.T, body string, redeliveries int) *fakeHandle {
	t.Helper()
	fh := &fakeHandle{}
	select {
	case h.src.msgs <- delivery.Message{Body: []byte(body), Queue: queueName, Redeliveries: redeliveries, Handle: fh}:
	case <-time.After(time.Second):
		t.Fatal("consumer did not take the message")
	}
	return fh
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func waitResolved(t *testing.T, handles ...*fakeHandle) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, fh := range handles {
			if len(fh.Ops()) == 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func TestScenarios(t *testing.T) {
	var calls atomic.Int32
	app := applierFunc(func(ctx context.Context, ev event.Event) subscription.Outcome {
		calls.Add(1)
		if ev.Email == "slow@example.com" {
			return subscription.Outcome{Kind: subscription.Transient, Reason: "provider timeout"}
		}
		return subscription.Outcome{Kind: subscription.Applied}
	})
	h := start(t, app)

	a := h.send(t, "email=a@example.com&action=subscribe&listId=L1", 0)
	b := h.send(t, "email=not-an-email&action=subscribe", 0)
	c1 := h.send(t, "email=slow@example.com&action=subscribe", 0)
	c2 := h.send(t, "email=slow@example.com&action=subscribe", 1)
	c3 := h.send(t, "email=slow@example.com&action=subscribe", 2)
	d := h.send(t, "email=b@example.com&action=unsubscribe&listId=L1", 0)
	waitResolved(t, a, b, c1, c2, c3, d)
	h.stop(t)

	require.NoError(t, h.err)
	assert.Equal(t, []string{"ack"}, a.Ops())
	assert.Equal(t, []string{"dead-letter"}, b.Ops())
	assert.Equal(t, []string{"requeue"}, c1.Ops())
	assert.Equal(t, []string{"requeue"}, c2.Ops())
	assert.Equal(t, []string{"dead-letter"}, c3.Ops())
	assert.Equal(t, []string{"ack"}, d.Ops())
	assert.Equal(t, int32(5), calls.Load(), "decode failures never reach the applier")

	assert.Equal(t, Summary{
		Processed:      6,
		Succeeded:      2,
		Rejected:       1,
		Retried:        2,
		DeadLettered:   2,
		DecodeFailures: 1,
	}, h.summary)

	h.rec.mu.Lock()
	assert.Equal(t, 6, h.rec.processed)
	assert.Equal(t, 2, h.rec.succeeded)
	assert.Equal(t, map[string]int{ReasonDecode: 1, ReasonTransient: 2, ReasonExhausted: 1}, h.rec.failed)
	h.rec.mu.Unlock()

	recs, err := h.journal.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.True(t, h.src.closed.Load())
	assert.Equal(t, Stopped, h.consumer.State())
}

func TestEveryDeliveryResolvedOnce(t *testing.T) {
	outcomes := []subscription.Outcome{
		{Kind: subscription.Applied},
		{Kind: subscription.Transient, Reason: "429"},
		subscription.Rejection("400", nil),
	}
	var i atomic.Int32
	app := applierFunc(func(context.Context, event.Event) subscription.Outcome {
		return outcomes[int(i.Add(1))%len(outcomes)]
	})
	h := start(t, app)

	const n = 60
	handles := make([]*fakeHandle, 0, n)
	for j := 0; j < n; j++ {
		body := "email=a@example.com&action=subscribe"
		if j%7 == 0 {
			body = "garbage"
		}
		handles = append(handles, h.send(t, body, j%3))
	}
	waitResolved(t, handles...)
	h.stop(t)

	for j, fh := range handles {
		assert.Len(t, fh.Ops(), 1, "delivery %d", j)
	}
	assert.Equal(t, uint64(n), h.summary.Processed)
	assert.Equal(t, uint64(n), h.summary.Succeeded+h.summary.Retried+h.summary.DeadLettered)
}

func TestStopWaitsForInFlightMessage(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value
	app := applierFunc(func(ctx context.Context, ev event.Event) subscription.Outcome {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		return subscription.Outcome{Kind: subscription.Applied}
	})
	h := start(t, app)

	fh := h.send(t, "email=a@example.com&action=subscribe", 0)
	<-entered
	h.cancel()

	select {
	case <-h.done:
		t.Fatal("consumer stopped mid-message")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	h.stop(t)

	require.NoError(t, h.err)
	assert.Equal(t, []string{"ack"}, fh.Ops())
	assert.Nil(t, ctxErr.Load(), "processing context must survive the stop signal")
}

func TestConnectFailure(t *testing.T) {
	src := newFakeSource()
	src.connectErr = errors.New("dial tcp: connection refused")

	c, err := New(Options{
		Topology: descriptor(),
		Source:   src,
		Decoder:  event.NewDecoder(0),
		Applier:  applierFunc(applied),
		Resolver: resolver.New(3, nil, discard),
		Logger:   discard,
	})
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, src.connectErr)
	assert.ErrorContains(t, err, "connect")
	assert.Equal(t, Stopped, c.State())
	assert.True(t, src.closed.Load())
}

// The shared reporter satisfies both consumer-side interfaces.
var (
	_ Recorder = (*metrics.Reporter)(nil)
	_ flusher  = (*metrics.Reporter)(nil)
)

type flushingRecorder struct {
	countingRecorder
	flushed atomic.Int32
}

func (r *flushingRecorder) Flush(context.Context) error {
	r.flushed.Add(1)
	return nil
}

func TestStopFlushesMetrics(t *testing.T) {
	src := newFakeSource()
	src.connectErr = errors.New("dial tcp: connection refused")
	rec := &flushingRecorder{}

	c, err := New(Options{
		Topology: descriptor(),
		Source:   src,
		Decoder:  event.NewDecoder(0),
		Applier:  applierFunc(applied),
		Resolver: resolver.New(3, nil, discard),
		Metrics:  rec,
		Logger:   discard,
	})
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), rec.flushed.Load())
}

func TestStopDuringStartupIsClean(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeSource)
	}{
		{"connect", func(s *fakeSource) { s.connectErr = context.Canceled }},
		{"declare", func(s *fakeSource) { s.declareErr = context.Canceled }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			tt.setup(src)

			c, err := New(Options{
				Topology: descriptor(),
				Source:   src,
				Decoder:  event.NewDecoder(0),
				Applier:  applierFunc(applied),
				Resolver: resolver.New(3, nil, discard),
				Logger:   discard,
			})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err = c.Run(ctx)
			assert.NoError(t, err)
			assert.Equal(t, Stopped, c.State())
			assert.True(t, src.closed.Load())
		})
	}
}

func TestDeclareFailureStops(t *testing.T) {
	src := newFakeSource()
	src.declareErr = &amqp.DeclareError{Entity: "queue", Name: queueName, Err: errors.New("PRECONDITION_FAILED")}

	c, err := New(Options{
		Topology: descriptor(),
		Source:   src,
		Decoder:  event.NewDecoder(0),
		Applier:  applierFunc(applied),
		Resolver: resolver.New(3, nil, discard),
		Logger:   discard,
	})
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	var de *amqp.DeclareError
	assert.ErrorAs(t, err, &de)
	assert.Equal(t, Stopped, c.State())
}

func TestStreamEndReportsSourceError(t *testing.T) {
	h := start(t, applierFunc(applied))
	h.src.streamErr = amqp.ErrReconnectExhausted
	close(h.src.msgs)

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.ErrorIs(t, h.err, amqp.ErrReconnectExhausted)
	h.cancel()
}

func TestReconnectingState(t *testing.T) {
	h := start(t, applierFunc(applied))
	defer h.stop(t)

	h.src.state.Store(int32(amqp.StateDisconnected))
	require.Eventually(t, func() bool { return h.consumer.State() == Reconnecting }, 2*time.Second, 10*time.Millisecond)

	h.src.state.Store(int32(amqp.StateReady))
	require.Eventually(t, func() bool { return h.consumer.State() == Consuming }, 2*time.Second, 10*time.Millisecond)
}

func TestSpanPerMessage(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	h := start(t, applierFunc(applied), func(o *Options) { o.Tracer = tp.Tracer("test") })
	a := h.send(t, "email=a@example.com&action=subscribe&correlationId=c-1", 0)
	b := h.send(t, "nope", 0)
	waitResolved(t, a, b)
	h.stop(t)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	for _, s := range spans {
		assert.Equal(t, "mailchimp.subscription.process", s.Name())
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "c-1", attrs["messaging.message.conversation_id"])
	assert.Equal(t, "applied", attrs["mailchimp.outcome"])
	assert.Equal(t, "subscribe", attrs["mailchimp.action"])
}

func TestNewValidation(t *testing.T) {
	base := Options{
		Topology: descriptor(),
		Source:   newFakeSource(),
		Decoder:  event.NewDecoder(0),
		Applier:  applierFunc(applied),
		Resolver: resolver.New(3, nil, discard),
	}

	c, err := New(base)
	require.NoError(t, err)
	assert.Equal(t, queueName, c.queue)

	o := base
	o.Queue = "other"
	_, err = New(o)
	assert.ErrorIs(t, err, topology.ErrQueueNotFound)

	o = base
	o.Source = nil
	_, err = New(o)
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {
	s := Summary{Processed: 3, Succeeded: 1}
	s.Add(Summary{Processed: 2, Retried: 2, ResolveErrors: 1})
	assert.Equal(t, Summary{Processed: 5, Succeeded: 1, Retried: 2, ResolveErrors: 1}, s)
	assert.Equal(t, "processed=5 succeeded=1 rejected=0 retried=2 dead_lettered=0 decode_failures=0 resolve_errors=1", s.String())
}
