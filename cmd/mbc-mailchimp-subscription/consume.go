// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/messagebroker/mbc-mailchimp-subscription/client/amqp"
	"github.com/messagebroker/mbc-mailchimp-subscription/consumer"
	"github.com/messagebroker/mbc-mailchimp-subscription/event"
	"github.com/messagebroker/mbc-mailchimp-subscription/mailchimp"
	"github.com/messagebroker/mbc-mailchimp-subscription/metrics"
	"github.com/messagebroker/mbc-mailchimp-subscription/ratelimit"
	"github.com/messagebroker/mbc-mailchimp-subscription/resolver"
	"github.com/messagebroker/mbc-mailchimp-subscription/server/health"
	mbcotel "github.com/messagebroker/mbc-mailchimp-subscription/server/otel"
	"github.com/messagebroker/mbc-mailchimp-subscription/subscription"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// bannerLayout renders like "Mon Jan 2 15:04:05 MST 2006".
const bannerLayout = "Mon Jan 2 15:04:05 MST 2006"

func newConsumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume the subscription queue until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsume(cmd, opts)
		},
	}
}

func runConsume(cmd *cobra.Command, opts *rootOptions) error {
	printf(cmd, "------- %s START: %s -------\n", appName, time.Now().Format(bannerLayout))

	summary, err := consume(cmd.Context(), opts)
	printf(cmd, "%s\n", summary)

	printf(cmd, "------- %s END: %s -------\n", appName, time.Now().Format(bannerLayout))
	return err
}

func consume(parent context.Context, opts *rootOptions) (consumer.Summary, error) {
	var total consumer.Summary

	cfg, err := opts.load()
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		return total, err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		slog.String("broker", cfg.Broker.Address()),
		slog.String("exchange", cfg.Topology.Exchange.Name),
		slog.Int("instances", cfg.Consumer.Instances),
		slog.Int("max_redeliveries", cfg.Consumer.MaxRedeliveries),
		slog.String("requeue_mode", cfg.Consumer.RequeueMode),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("health_enabled", cfg.Health.Enabled),
		slog.String("log_level", cfg.Log.Level))

	var otelShutdown func(context.Context) error
	if cfg.Otel.TracesEnabled || cfg.Otel.MetricsEnabled {
		hostname, _ := os.Hostname()
		otelShutdown, err = mbcotel.InitProvider(ctx, cfg.Otel, mbcotel.Identity{
			Instance: hostname,
			Exchange: cfg.Topology.Exchange.Name,
			Queue:    consumedQueue(cfg),
		}, logger)
		if err != nil {
			logger.Error("Failed to initialize OpenTelemetry", slog.String("error", err.Error()))
			return total, err
		}
		logger.Info("OpenTelemetry initialized",
			slog.String("endpoint", cfg.Otel.Endpoint),
			slog.Bool("traces", cfg.Otel.TracesEnabled),
			slog.Bool("metrics", cfg.Otel.MetricsEnabled))
	}
	defer func() {
		if otelShutdown == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry", slog.String("error", err.Error()))
		}
	}()

	journal, err := openJournal(cfg.Storage, logger)
	if err != nil {
		logger.Error("Failed to open dead-letter journal", slog.String("error", err.Error()))
		return total, err
	}
	defer journal.Close()

	reg := prometheus.NewRegistry()
	sinks, err := metricSinks(cfg, reg, logger)
	if err != nil {
		logger.Error("Failed to create metric sinks", slog.String("error", err.Error()))
		return total, err
	}
	reporter, err := metrics.NewReporter(sinks, cfg.Metrics.Workers, cfg.Metrics.SinkTimeout, logger)
	if err != nil {
		return total, err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Metrics.SinkTimeout)
		defer cancel()
		if err := reporter.Close(flushCtx); err != nil {
			logger.Warn("Metrics flush incomplete", slog.String("error", err.Error()))
		}
	}()

	limiter := ratelimit.New(cfg.RateLimit)
	defer limiter.Stop()

	lists, err := mailchimp.New(mailchimp.Options{
		APIKey:           cfg.Mailchimp.APIKey,
		BaseURL:          cfg.Mailchimp.BaseURL,
		Timeout:          cfg.Mailchimp.Timeout,
		FailureThreshold: cfg.Mailchimp.FailureThreshold,
		ResetTimeout:     cfg.Mailchimp.ResetTimeout,
		Limiter:          limiter,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("Failed to create Mailchimp client", slog.String("error", err.Error()))
		return total, err
	}

	decoder := event.NewDecoder(cfg.Consumer.MaxBodyBytes)
	applier := subscription.NewApplier(lists, cfg.Mailchimp.DefaultListID, cfg.Consumer.ApplyTimeout, logger)
	res := resolver.New(cfg.Consumer.MaxRedeliveries, journal, logger)
	tracer := otel.Tracer(appName)

	consumers := make([]*consumer.Consumer, 0, cfg.Consumer.Instances)
	for i := 0; i < cfg.Consumer.Instances; i++ {
		name := fmt.Sprintf("consumer-%d", i+1)
		client, err := amqp.New(amqpOptions(cfg, name, logger))
		if err != nil {
			return total, fmt.Errorf("%s: %w", name, err)
		}
		c, err := consumer.New(consumer.Options{
			Instance: name,
			Queue:    cfg.Consumer.Queue,
			Topology: cfg.Topology,
			Source:   client,
			Decoder:  decoder,
			Applier:  applier,
			Resolver: res,
			Metrics:  reporter,
			Tracer:   tracer,
			Logger:   logger,
		})
		if err != nil {
			return total, fmt.Errorf("%s: %w", name, err)
		}
		consumers = append(consumers, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, c := range consumers {
		g.Go(func() error {
			summary, err := c.Run(gctx)
			mu.Lock()
			total.Add(summary)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("%s: %w", c.Name(), err)
			}
			return nil
		})
	}

	if cfg.Health.Enabled {
		instances := make([]health.Instance, 0, len(consumers))
		for _, c := range consumers {
			instances = append(instances, c)
		}
		var metricsHandler http.Handler
		if cfg.Metrics.Prometheus.Enabled {
			metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		}
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, instances, journal, metricsHandler, logger)

		g.Go(func() error {
			return healthServer.Listen(gctx)
		})
	}

	logger.Info("Subscription consumer started")

	err = g.Wait()
	if err != nil {
		logger.Error("Subscription consumer stopped with error", slog.String("error", err.Error()))
	} else {
		logger.Info("Subscription consumer stopped")
	}
	return total, err
}
