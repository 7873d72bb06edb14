// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/messagebroker/mbc-mailchimp-subscription/ratelimit"
	"github.com/messagebroker/mbc-mailchimp-subscription/topology"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the subscription consumer.
type Config struct {
	Broker    BrokerConfig        `yaml:"broker"`
	Topology  topology.Descriptor `yaml:"topology"`
	Consumer  ConsumerConfig      `yaml:"consumer"`
	Mailchimp MailchimpConfig     `yaml:"mailchimp"`
	RateLimit ratelimit.Config    `yaml:"ratelimit"`
	Metrics   MetricsConfig       `yaml:"metrics"`
	Otel      OtelConfig          `yaml:"otel"`
	Storage   StorageConfig       `yaml:"storage"`
	Health    HealthConfig        `yaml:"health"`
	Log       LogConfig           `yaml:"log"`
}

// BrokerConfig holds RabbitMQ connection settings.
type BrokerConfig struct {
	URL      string `yaml:"url"` // overrides host/port/credentials when set
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Vhost    string `yaml:"vhost"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	Prefetch    int           `yaml:"prefetch"`

	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectWait     time.Duration `yaml:"max_reconnect_wait"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"` // 0 = unlimited
	ConfirmTimeout       time.Duration `yaml:"confirm_timeout"`
}

// Address returns host:port.
func (b BrokerConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// ConsumerConfig holds consumer loop settings.
type ConsumerConfig struct {
	Instances       int           `yaml:"instances"`
	Queue           string        `yaml:"queue"` // defaults to the first topology queue
	MaxRedeliveries int           `yaml:"max_redeliveries"`
	ApplyTimeout    time.Duration `yaml:"apply_timeout"`
	RequeueMode     string        `yaml:"requeue_mode"` // republish, nack
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// MailchimpConfig holds the list API settings.
type MailchimpConfig struct {
	APIKey           string        `yaml:"api_key"`
	DefaultListID    string        `yaml:"default_list_id"`
	BaseURL          string        `yaml:"base_url"` // derived from the API key when empty
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// MetricsConfig holds counter reporting settings.
type MetricsConfig struct {
	Workers     int           `yaml:"workers"`
	SinkTimeout time.Duration `yaml:"sink_timeout"`

	StatHat    StatHatConfig    `yaml:"stathat"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// StatHatConfig holds the StatHat EZ API settings.
type StatHatConfig struct {
	Enabled bool   `yaml:"enabled"`
	EZKey   string `yaml:"ez_key"`
	Prefix  string `yaml:"prefix"`
	URL     string `yaml:"url"`
}

// PrometheusConfig enables the /metrics endpoint on the health server.
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled"`
}

// OtelConfig holds OpenTelemetry exporter settings.
type OtelConfig struct {
	Endpoint        string  `yaml:"endpoint"`     // OTLP gRPC endpoint; empty disables export
	ServiceName     string  `yaml:"service_name"` // defaults to the binary name
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// StorageConfig selects the dead-letter journal backend.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	// Memory settings
	Capacity int `yaml:"capacity"`

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`
}

// HealthConfig holds the health server settings.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:                 "localhost",
			Port:                 5672,
			Username:             "guest",
			Password:             "guest",
			Vhost:                "/",
			DialTimeout:          10 * time.Second,
			Heartbeat:            60 * time.Second,
			Prefetch:             1,
			ReconnectBackoff:     time.Second,
			MaxReconnectWait:     2 * time.Minute,
			MaxReconnectAttempts: 10,
			ConfirmTimeout:       5 * time.Second,
		},
		Topology: topology.Descriptor{
			Exchange: topology.Exchange{
				Name:    "topicEmailService",
				Type:    topology.ExchangeTopic,
				Durable: true,
			},
			Queues: []topology.Queue{
				{
					Name:       "mailchimpSubscriptionQueue",
					Durable:    true,
					BindingKey: "*.mailchimp.subscription",
				},
			},
			DeadLetter: &topology.DeadLetter{
				Exchange: "topicEmailService.dead-letter",
				Queue:    "mailchimpSubscriptionDeadLetterQueue",
			},
		},
		Consumer: ConsumerConfig{
			Instances:       1,
			MaxRedeliveries: 3,
			ApplyTimeout:    30 * time.Second,
			RequeueMode:     "republish",
			MaxBodyBytes:    64 * 1024,
		},
		Mailchimp: MailchimpConfig{
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Metrics: MetricsConfig{
			Workers:     4,
			SinkTimeout: 5 * time.Second,
			StatHat: StatHatConfig{
				Enabled: false,
				Prefix:  "mbc-mailchimp-subscription",
			},
			Prometheus: PrometheusConfig{Enabled: true},
		},
		Otel: OtelConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "mbc-mailchimp-subscription",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false,
			MetricsEnabled:  false,
			TraceSampleRate: 0.1,
		},
		Storage: StorageConfig{
			Type:      "memory",
			Capacity:  1000,
			BadgerDir: "/tmp/mbc-mailchimp-subscription/dead-letters",
		},
		Health: HealthConfig{
			Enabled:         true,
			Addr:            ":8081",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		if c.Broker.Host == "" {
			return fmt.Errorf("broker.host cannot be empty")
		}
		if c.Broker.Port < 1 || c.Broker.Port > 65535 {
			return fmt.Errorf("broker.port must be between 1 and 65535")
		}
	}
	if c.Broker.Prefetch < 0 {
		return fmt.Errorf("broker.prefetch cannot be negative")
	}
	if c.Broker.ReconnectBackoff <= 0 {
		return fmt.Errorf("broker.reconnect_backoff must be positive")
	}
	if c.Broker.MaxReconnectWait < c.Broker.ReconnectBackoff {
		return fmt.Errorf("broker.max_reconnect_wait must be at least broker.reconnect_backoff")
	}
	if c.Broker.MaxReconnectAttempts < 0 {
		return fmt.Errorf("broker.max_reconnect_attempts cannot be negative")
	}

	if err := c.Topology.Validate(); err != nil {
		return fmt.Errorf("topology: %w", err)
	}

	if c.Consumer.Instances < 1 {
		return fmt.Errorf("consumer.instances must be at least 1")
	}
	if c.Consumer.Queue != "" {
		if _, err := c.Topology.Queue(c.Consumer.Queue); err != nil {
			return fmt.Errorf("consumer.queue: %w", err)
		}
	}
	if c.Consumer.MaxRedeliveries < 1 {
		return fmt.Errorf("consumer.max_redeliveries must be at least 1")
	}
	if c.Consumer.ApplyTimeout < 100*time.Millisecond {
		return fmt.Errorf("consumer.apply_timeout must be at least 100ms")
	}
	if c.Consumer.RequeueMode != "republish" && c.Consumer.RequeueMode != "nack" {
		return fmt.Errorf("consumer.requeue_mode must be 'republish' or 'nack'")
	}
	if c.Consumer.RequeueMode == "nack" {
		if q := c.consumedQueue(); !q.Quorum() {
			return fmt.Errorf("consumer.requeue_mode 'nack' requires queue %q to set %s: %s", q.Name, topology.ArgQueueType, topology.QueueTypeQuorum)
		}
	}
	if c.Consumer.MaxBodyBytes < 1024 {
		return fmt.Errorf("consumer.max_body_bytes must be at least 1KB")
	}

	if c.Mailchimp.Timeout <= 0 {
		return fmt.Errorf("mailchimp.timeout must be positive")
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}

	if c.Metrics.Workers < 1 {
		return fmt.Errorf("metrics.workers must be at least 1")
	}
	if c.Metrics.StatHat.Enabled && c.Metrics.StatHat.EZKey == "" {
		return fmt.Errorf("metrics.stathat.ez_key required when StatHat is enabled")
	}

	if c.Otel.TracesEnabled || c.Otel.MetricsEnabled {
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when the health server is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// consumedQueue returns the queue the consumer reads, which is consumer.queue
// or the first topology queue. Validate must have checked the topology.
func (c *Config) consumedQueue() topology.Queue {
	if c.Consumer.Queue != "" {
		q, _ := c.Topology.Queue(c.Consumer.Queue)
		return q
	}
	return c.Topology.Queues[0]
}
