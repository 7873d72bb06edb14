// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel installs the global OpenTelemetry tracer and meter providers
// for the subscription consumer.
package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/messagebroker/mbc-mailchimp-subscription/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName is reported when the configuration leaves it empty.
const DefaultServiceName = "mbc-mailchimp-subscription"

const (
	exportTimeout  = 30 * time.Second
	batchTimeout   = 5 * time.Second
	metricInterval = 10 * time.Second
)

// Identity describes the consuming process in exported telemetry.
type Identity struct {
	Instance string // host or pod name
	Exchange string
	Queue    string
}

// Attributes returns the resource attributes of id.
func (id Identity) Attributes(cfg config.OtelConfig) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		attribute.String("messaging.system", "rabbitmq"),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	if id.Instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(id.Instance))
	}
	if id.Exchange != "" {
		attrs = append(attrs, attribute.String("messaging.rabbitmq.exchange", id.Exchange))
	}
	if id.Queue != "" {
		attrs = append(attrs, attribute.String("messaging.destination.name", id.Queue))
	}
	return attrs
}

// InitProvider registers the global tracer and meter providers. Traces and
// metrics are only exported when cfg.Endpoint is set; without it the SDK
// providers still run so spans carry valid ids for log correlation. The
// returned function flushes and stops whatever was installed.
func InitProvider(ctx context.Context, cfg config.OtelConfig, id Identity, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}

	res := resource.NewWithAttributes("", id.Attributes(cfg)...)

	if cfg.Endpoint == "" && (cfg.TracesEnabled || cfg.MetricsEnabled) {
		logger.Warn("otel endpoint not set, telemetry stays in process")
	}

	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if cfg.TracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.MetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.TraceSampleRate))),
	}

	if cfg.Endpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(), // TODO: Add TLS support via config
			otlptracegrpc.WithTimeout(exportTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		opts = append(opts, trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(batchTimeout),
		))
	}

	return trace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, cfg config.OtelConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(res)}

	if cfg.Endpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(), // TODO: Add TLS support via config
			otlpmetricgrpc.WithTimeout(exportTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(metricInterval),
		)))
	}

	return metric.NewMeterProvider(opts...), nil
}
