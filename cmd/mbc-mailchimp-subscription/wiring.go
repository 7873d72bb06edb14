// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/messagebroker/mbc-mailchimp-subscription/client/amqp"
	"github.com/messagebroker/mbc-mailchimp-subscription/config"
	"github.com/messagebroker/mbc-mailchimp-subscription/metrics"
	"github.com/messagebroker/mbc-mailchimp-subscription/storage"
	"github.com/messagebroker/mbc-mailchimp-subscription/storage/badger"
	"github.com/messagebroker/mbc-mailchimp-subscription/storage/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
)

// amqpOptions builds the client options of one consumer instance.
func amqpOptions(cfg *config.Config, instance string, logger *slog.Logger) *amqp.Options {
	b := cfg.Broker
	opts := amqp.NewOptions().
		SetAddress(b.Address()).
		SetCredentials(b.Username, b.Password).
		SetVhost(b.Vhost).
		SetDialTimeout(b.DialTimeout).
		SetHeartbeat(b.Heartbeat).
		SetPrefetch(b.Prefetch, 0).
		SetRequeueMode(amqp.RequeueMode(cfg.Consumer.RequeueMode)).
		SetReconnectBackoff(b.ReconnectBackoff).
		SetMaxReconnectWait(b.MaxReconnectWait).
		SetMaxReconnectAttempts(b.MaxReconnectAttempts).
		SetLogger(logger.With(slog.String("instance", instance)))
	if b.URL != "" {
		opts.SetURL(b.URL)
	}
	opts.ConfirmTimeout = b.ConfirmTimeout
	opts.ConsumerTagPrefix = fmt.Sprintf("%s-%s", amqp.DefaultConsumerTagPrefix, instance)
	return opts
}

// consumedQueue returns the queue the instances read.
func consumedQueue(cfg *config.Config) string {
	if cfg.Consumer.Queue != "" {
		return cfg.Consumer.Queue
	}
	if len(cfg.Topology.Queues) > 0 {
		return cfg.Topology.Queues[0].Name
	}
	return ""
}

// openJournal opens the dead-letter journal selected by cfg.
func openJournal(cfg config.StorageConfig, logger *slog.Logger) (storage.DeadLetterStore, error) {
	switch cfg.Type {
	case "memory":
		logger.Info("Using in-memory dead-letter journal", slog.Int("capacity", cfg.Capacity))
		return memory.New(cfg.Capacity), nil
	case "badger":
		store, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open BadgerDB journal: %w", err)
		}
		logger.Info("Using BadgerDB dead-letter journal", slog.String("dir", cfg.BadgerDir))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// metricSinks builds the enabled sinks. Prometheus collectors are registered
// on reg.
func metricSinks(cfg *config.Config, reg *prometheus.Registry, logger *slog.Logger) ([]metrics.Sink, error) {
	var sinks []metrics.Sink

	if cfg.Metrics.Prometheus.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		ps, err := metrics.NewPrometheusSink(reg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ps)
	}

	if cfg.Otel.MetricsEnabled {
		otelSink, err := metrics.NewOTelSink(otel.GetMeterProvider())
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, otelSink)
	}

	if cfg.Metrics.StatHat.Enabled {
		sinks = append(sinks, metrics.NewStatHatSink(cfg.Metrics.StatHat.URL, cfg.Metrics.StatHat.EZKey, cfg.Metrics.StatHat.Prefix, logger))
	}

	return sinks, nil
}
