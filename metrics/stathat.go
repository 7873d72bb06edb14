// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultStatHatURL is the StatHat EZ API endpoint.
const DefaultStatHatURL = "https://api.stathat.com/ez"

// StatHatSink posts counts to the StatHat EZ API.
type StatHatSink struct {
	url     string
	ezKey   string
	prefix  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewStatHatSink creates a sink. Stat names are "<prefix>: <kind>", with the
// failure reason appended for failures.
func NewStatHatSink(endpoint, ezKey, prefix string, logger *slog.Logger) *StatHatSink {
	if endpoint == "" {
		endpoint = DefaultStatHatURL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &StatHatSink{
		url:    endpoint,
		ezKey:  ezKey,
		prefix: prefix,
		client: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "stathat",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("stathat circuit breaker state changed",
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
	}
}

func (s *StatHatSink) Name() string { return "stathat" }

// StatName returns the stat a sample is counted under.
func (s *StatHatSink) StatName(sample Sample) string {
	name := s.prefix + ": " + string(sample.Kind)
	if sample.Kind == Failed && sample.Reason != "" {
		name += " - " + sample.Reason
	}
	return name
}

func (s *StatHatSink) Record(ctx context.Context, sample Sample) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, s.StatName(sample))
	})
	return err
}

func (s *StatHatSink) post(ctx context.Context, stat string) error {
	form := url.Values{}
	form.Set("ezkey", s.ezKey)
	form.Set("stat", stat)
	form.Set("count", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stathat returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
