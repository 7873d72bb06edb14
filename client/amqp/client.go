// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/messagebroker/mbc-mailchimp-subscription/delivery"
	"github.com/messagebroker/mbc-mailchimp-subscription/topology"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Client owns one broker connection and channel. It re-establishes both
// after a failure and re-declares the topology before resuming consumption.
// A Client is never shared between consumer instances.
type Client struct {
	opts   *Options
	logger *slog.Logger
	dial   Dialer

	conn   Connection
	ch     Channel
	gen    uint64 // bumped whenever conn/ch are replaced or torn down
	connMu sync.RWMutex

	chMu sync.Mutex

	topoMu   sync.RWMutex
	topology *topology.Descriptor

	subsMu sync.Mutex
	subs   map[string]*subscription

	state        atomic.Int32
	closing      atomic.Bool
	failed       atomic.Bool
	reconnecting atomic.Bool
	stopCh       chan struct{}
	closeOnce    sync.Once

	errMu sync.Mutex
	err   error
}

// New creates a new AMQP 0.9.1 client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.ConsumerTagPrefix == "" {
		opts.ConsumerTagPrefix = DefaultConsumerTagPrefix
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dialer
	if dial == nil {
		dial = dialAMQP
	}

	return &Client{
		opts:   opts,
		logger: logger,
		dial:   dial,
		subs:   make(map[string]*subscription),
		stopCh: make(chan struct{}),
	}, nil
}

// Connect establishes a connection to the broker. A failure here is not
// retried: the caller decides whether the run can continue.
func (c *Client) Connect(ctx context.Context) error {
	if c.closing.Load() {
		return ErrClosed
	}
	if c.State() != StateDisconnected {
		return ErrAlreadyConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return c.connectOnce()
}

// DeclareTopology declares the exchange, queues and bindings of desc and
// remembers desc so it is declared again after every reconnect.
func (c *Client) DeclareTopology(ctx context.Context, desc topology.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return &DeclareError{Entity: "topology", Name: desc.Exchange.Name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := c.channel(); err != nil {
		return err
	}

	c.setState(StateDeclaring)
	if err := c.declare(desc); err != nil {
		return err
	}

	c.topoMu.Lock()
	c.topology = &desc
	c.topoMu.Unlock()

	c.setState(StateReady)
	c.logger.Info("topology declared",
		slog.String("exchange", desc.Exchange.Name),
		slog.Int("queues", len(desc.Queues)))
	return nil
}

// Consume starts consuming queue and returns the stream of deliveries. The
// stream spans reconnects and is closed only by Close or by an unrecoverable
// reconnect failure, after which Err reports the cause.
func (c *Client) Consume(ctx context.Context, queue string) (<-chan delivery.Message, error) {
	if queue == "" {
		return nil, ErrInvalidQueueName
	}
	if c.closing.Load() || c.failed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.State() != StateReady {
		return nil, ErrNotConnected
	}

	c.subsMu.Lock()
	if _, exists := c.subs[queue]; exists {
		c.subsMu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	sub := newSubscription(queue, c.opts.ConsumerTagPrefix+"-"+uuid.NewString())
	c.subs[queue] = sub
	c.subsMu.Unlock()

	if err := c.subscribe(sub); err != nil {
		c.subsMu.Lock()
		delete(c.subs, queue)
		c.subsMu.Unlock()
		sub.finish()
		return nil, err
	}

	c.logger.Info("consuming", slog.String("queue", queue), slog.String("consumer_tag", sub.tag))
	return sub.out, nil
}

// Close cancels consumers, closes all delivery streams and the connection.
func (c *Client) Close() error {
	if c.closing.Swap(true) {
		return nil
	}
	c.setState(StateDraining)

	c.closeOnce.Do(func() {
		close(c.stopCh)
	})

	for _, sub := range c.takeSubs() {
		c.cancelConsumer(sub.tag)
		sub.finish()
	}

	c.connMu.Lock()
	c.teardownLocked()
	c.connMu.Unlock()

	c.setState(StateDisconnected)
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Err returns the error that terminated the client, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Client) channel() (Channel, uint64, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.ch == nil {
		return nil, 0, ErrNotConnected
	}
	return c.ch, c.gen, nil
}

// withChannel runs fn against the channel of generation gen. Deliveries
// received on an older channel cannot be resolved on a newer one.
func (c *Client) withChannel(gen uint64, fn func(Channel) error) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	if c.ch == nil || c.gen != gen {
		return delivery.ErrStaleDelivery
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()
	return fn(c.ch)
}

func (c *Client) currentTopology() *topology.Descriptor {
	c.topoMu.RLock()
	defer c.topoMu.RUnlock()
	return c.topology
}

func (c *Client) open() (Connection, Channel, error) {
	url, err := c.opts.dialURL()
	if err != nil {
		return nil, nil, err
	}

	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	cfg := amqp091.Config{
		TLSClientConfig: c.opts.TLSConfig,
		Heartbeat:       c.opts.Heartbeat,
		Dial:            dialer.Dial,
		Properties:      amqp091.Table{"connection_name": c.opts.ConsumerTagPrefix},
	}

	conn, err := c.dial(url, cfg)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if c.opts.PrefetchCount > 0 || c.opts.PrefetchSize > 0 {
		if err := ch.Qos(c.opts.PrefetchCount, c.opts.PrefetchSize, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, err
		}
	}

	if c.opts.RequeueMode == RequeueRepublish {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, err
		}
	}

	return conn, ch, nil
}

func (c *Client) connectOnce() error {
	c.setState(StateConnecting)

	conn, ch, err := c.open()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.connMu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.ch = ch
	c.connMu.Unlock()

	if c.closing.Load() {
		c.teardown(gen)
		return ErrClosed
	}

	// Broker state is not trusted to have survived the outage.
	if desc := c.currentTopology(); desc != nil {
		c.setState(StateDeclaring)
		if err := c.declare(*desc); err != nil {
			c.teardown(gen)
			c.setState(StateDisconnected)
			return err
		}
	}

	if err := c.resubscribeAll(); err != nil {
		c.teardown(gen)
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateReady)
	c.watchClose(conn, ch, gen)

	if c.opts.OnConnect != nil {
		go c.opts.OnConnect()
	}

	return nil
}

func (c *Client) watchClose(conn Connection, ch Channel, gen uint64) {
	connClose := conn.NotifyClose(make(chan *amqp091.Error, 1))
	chClose := ch.NotifyClose(make(chan *amqp091.Error, 1))

	go func() {
		var amqpErr *amqp091.Error
		select {
		case amqpErr = <-connClose:
		case amqpErr = <-chClose:
		case <-c.stopCh:
			return
		}

		cause := error(ErrNotConnected)
		if amqpErr != nil {
			cause = amqpErr
		}
		c.handleDisconnect(gen, cause)
	}()
}

func (c *Client) handleDisconnect(gen uint64, cause error) {
	if c.closing.Load() || c.failed.Load() {
		return
	}

	c.connMu.Lock()
	if c.gen != gen {
		c.connMu.Unlock()
		return
	}
	c.teardownLocked()
	c.connMu.Unlock()

	c.setState(StateDisconnected)
	c.logger.Warn("broker connection lost", slog.String("error", cause.Error()))

	if c.opts.OnConnectionLost != nil {
		go c.opts.OnConnectionLost(cause)
	}

	if c.opts.AutoReconnect {
		c.startReconnect()
		return
	}
	c.fail(fmt.Errorf("connection lost: %w", cause))
}

func (c *Client) startReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.reconnecting.Store(false)

		delay := c.opts.ReconnectBackoff
		if delay <= 0 {
			delay = DefaultReconnectBackoff
		}

		maxDelay := c.opts.MaxReconnectWait
		if maxDelay <= 0 {
			maxDelay = DefaultMaxReconnectWait
		}

		for attempt := 1; ; attempt++ {
			if max := c.opts.MaxReconnectAttempts; max > 0 && attempt > max {
				c.fail(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, max))
				return
			}

			select {
			case <-c.stopCh:
				return
			default:
			}

			if c.opts.OnReconnecting != nil {
				c.opts.OnReconnecting(attempt)
			}

			err := c.connectOnce()
			if err == nil {
				c.logger.Info("broker connection restored", slog.Int("attempt", attempt))
				return
			}
			if errors.Is(err, ErrClosed) {
				return
			}

			var declErr *DeclareError
			if errors.As(err, &declErr) && declErr.Conflict() {
				c.fail(err)
				return
			}

			c.logger.Warn("reconnect failed",
				slog.Int("attempt", attempt),
				slog.Duration("retry_after", delay),
				slog.String("error", err.Error()))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-c.stopCh:
				timer.Stop()
				return
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}()
}

// fail terminates the client after an unrecoverable error.
func (c *Client) fail(err error) {
	if c.failed.Swap(true) {
		return
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	c.logger.Error("broker client stopped", slog.String("error", err.Error()))

	for _, sub := range c.takeSubs() {
		sub.finish()
	}

	c.connMu.Lock()
	c.teardownLocked()
	c.connMu.Unlock()

	c.setState(StateDisconnected)
}

func (c *Client) resubscribeAll() error {
	c.subsMu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subsMu.Unlock()

	for _, sub := range subs {
		if err := c.subscribe(sub); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) takeSubs() []*subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subs := make([]*subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*subscription)
	return subs
}

func (c *Client) cancelConsumer(tag string) {
	ch, _, err := c.channel()
	if err != nil {
		return
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()
	if err := ch.Cancel(tag, false); err != nil {
		c.logger.Debug("consumer cancel failed", slog.String("consumer_tag", tag), slog.String("error", err.Error()))
	}
}

func (c *Client) teardown(gen uint64) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.gen == gen {
		c.teardownLocked()
	}
}

func (c *Client) teardownLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
}
