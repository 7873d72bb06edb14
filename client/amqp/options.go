// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Default values.
const (
	DefaultAddress              = "localhost:5672"
	DefaultDialTimeout          = 10 * time.Second
	DefaultHeartbeat            = 60 * time.Second
	DefaultPrefetchCount        = 1
	DefaultReconnectBackoff     = 1 * time.Second
	DefaultMaxReconnectWait     = 2 * time.Minute
	DefaultMaxReconnectAttempts = 10
	DefaultConfirmTimeout       = 5 * time.Second
	DefaultConsumerTagPrefix    = "mbc-mailchimp-subscription"
)

// RequeueMode selects how a delivery is handed back to the queue.
type RequeueMode string

const (
	// RequeueRepublish publishes a copy with an incremented x-retry-count
	// header and acks the original. Works on every queue type.
	RequeueRepublish RequeueMode = "republish"
	// RequeueNack issues basic.nack with requeue. The retry count then comes
	// from the broker's x-delivery-count header (quorum queues only).
	RequeueNack RequeueMode = "nack"
)

// Options configures the AMQP 0.9.1 client.
type Options struct {
	// Connection
	URL         string      // Full AMQP URL (overrides Address/Username/Password/Vhost)
	Address     string      // Broker address (host:port)
	Username    string      // Username for PLAIN auth
	Password    string      // Password for PLAIN auth
	Vhost       string      // Virtual host (default "/")
	TLSConfig   *tls.Config // TLS configuration (nil for plain TCP)
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// Channel QoS
	PrefetchCount int // Maximum unacked deliveries
	PrefetchSize  int // Maximum bytes in-flight

	// Consumption
	ConsumerTagPrefix string
	RequeueMode       RequeueMode
	ConfirmTimeout    time.Duration

	// Reconnection
	AutoReconnect        bool
	ReconnectBackoff     time.Duration
	MaxReconnectWait     time.Duration
	MaxReconnectAttempts int // 0 means unlimited

	// Dialer opens the transport connection. Defaults to amqp091.DialConfig.
	Dialer Dialer
	Logger *slog.Logger

	// Callbacks
	OnConnect        func()
	OnConnectionLost func(error)
	OnReconnecting   func(attempt int)
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Address:              DefaultAddress,
		Username:             "guest",
		Password:             "guest",
		Vhost:                "/",
		DialTimeout:          DefaultDialTimeout,
		Heartbeat:            DefaultHeartbeat,
		PrefetchCount:        DefaultPrefetchCount,
		ConsumerTagPrefix:    DefaultConsumerTagPrefix,
		RequeueMode:          RequeueRepublish,
		ConfirmTimeout:       DefaultConfirmTimeout,
		AutoReconnect:        true,
		ReconnectBackoff:     DefaultReconnectBackoff,
		MaxReconnectWait:     DefaultMaxReconnectWait,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

// SetURL sets the full AMQP URL.
func (o *Options) SetURL(u string) *Options {
	o.URL = u
	return o
}

// SetAddress sets the broker address (host:port).
func (o *Options) SetAddress(addr string) *Options {
	o.Address = addr
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetVhost sets the virtual host.
func (o *Options) SetVhost(vhost string) *Options {
	o.Vhost = vhost
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetDialTimeout sets the dial timeout.
func (o *Options) SetDialTimeout(d time.Duration) *Options {
	o.DialTimeout = d
	return o
}

// SetHeartbeat sets the heartbeat interval.
func (o *Options) SetHeartbeat(d time.Duration) *Options {
	o.Heartbeat = d
	return o
}

// SetPrefetch sets channel prefetch limits.
func (o *Options) SetPrefetch(count, size int) *Options {
	o.PrefetchCount = count
	o.PrefetchSize = size
	return o
}

// SetRequeueMode sets how transient failures are handed back to the queue.
func (o *Options) SetRequeueMode(mode RequeueMode) *Options {
	o.RequeueMode = mode
	return o
}

// SetAutoReconnect enables or disables automatic reconnection.
func (o *Options) SetAutoReconnect(enable bool) *Options {
	o.AutoReconnect = enable
	return o
}

// SetReconnectBackoff sets the initial reconnect delay.
func (o *Options) SetReconnectBackoff(d time.Duration) *Options {
	o.ReconnectBackoff = d
	return o
}

// SetMaxReconnectWait sets the maximum reconnect delay.
func (o *Options) SetMaxReconnectWait(d time.Duration) *Options {
	o.MaxReconnectWait = d
	return o
}

// SetMaxReconnectAttempts bounds the reconnect loop. Zero means unlimited.
func (o *Options) SetMaxReconnectAttempts(n int) *Options {
	o.MaxReconnectAttempts = n
	return o
}

// SetDialer replaces the transport dialer.
func (o *Options) SetDialer(d Dialer) *Options {
	o.Dialer = d
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetOnConnect sets the connection callback.
func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetOnReconnecting sets the reconnecting callback.
func (o *Options) SetOnReconnecting(fn func(attempt int)) *Options {
	o.OnReconnecting = fn
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" && o.Address == "" {
		return ErrNoAddress
	}
	switch o.RequeueMode {
	case RequeueRepublish, RequeueNack:
	case "":
		o.RequeueMode = RequeueRepublish
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRequeueMode, o.RequeueMode)
	}
	if o.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts cannot be negative")
	}
	return nil
}

func (o *Options) dialURL() (string, error) {
	if o.URL != "" {
		return o.URL, nil
	}

	scheme := "amqp"
	if o.TLSConfig != nil {
		scheme = "amqps"
	}

	vhost := strings.TrimPrefix(o.Vhost, "/")
	u := &url.URL{
		Scheme: scheme,
		Host:   o.Address,
		Path:   "/" + vhost,
	}

	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}

	return u.String(), nil
}
