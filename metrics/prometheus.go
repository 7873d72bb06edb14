// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink counts samples in a CounterVec labelled by result.
type PrometheusSink struct {
	events   *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mbc",
			Subsystem: "mailchimp_subscription",
			Name:      "events_total",
			Help:      "Subscription events by result.",
		}, []string{"result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mbc",
			Subsystem: "mailchimp_subscription",
			Name:      "failures_total",
			Help:      "Failed subscription events by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{s.events, s.failures} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return s, nil
}

func (s *PrometheusSink) Name() string { return "prometheus" }

func (s *PrometheusSink) Record(_ context.Context, sample Sample) error {
	switch sample.Kind {
	case Processed, Succeeded:
	case Failed:
		s.failures.WithLabelValues(sample.Reason).Inc()
	default:
		return fmt.Errorf("unknown sample kind %q", sample.Kind)
	}
	s.events.WithLabelValues(string(sample.Kind)).Inc()
	return nil
}
