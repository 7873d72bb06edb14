// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelSink records samples as OpenTelemetry counters.
type OTelSink struct {
	processed metric.Int64Counter
	succeeded metric.Int64Counter
	failed    metric.Int64Counter
}

// NewOTelSink creates the counters on a meter from provider.
func NewOTelSink(provider metric.MeterProvider) (*OTelSink, error) {
	meter := provider.Meter("mbc-mailchimp-subscription")
	s := &OTelSink{}

	var err error
	s.processed, err = meter.Int64Counter(
		"mbc.events.processed",
		metric.WithDescription("Messages taken from the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}

	s.succeeded, err = meter.Int64Counter(
		"mbc.events.succeeded",
		metric.WithDescription("Events applied to the mailing list"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create succeeded counter: %w", err)
	}

	s.failed, err = meter.Int64Counter(
		"mbc.events.failed",
		metric.WithDescription("Events that could not be applied"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}

	return s, nil
}

func (s *OTelSink) Name() string { return "otel" }

func (s *OTelSink) Record(ctx context.Context, sample Sample) error {
	switch sample.Kind {
	case Processed:
		s.processed.Add(ctx, 1)
	case Succeeded:
		s.succeeded.Add(ctx, 1)
	case Failed:
		s.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", sample.Reason)))
	default:
		return fmt.Errorf("unknown sample kind %q", sample.Kind)
	}
	return nil
}
