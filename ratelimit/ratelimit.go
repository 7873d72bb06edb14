// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles outbound calls per key (one key per mailing
// list) so a burst of queued events does not trip the provider's quota.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimited is returned when a call cannot be admitted before its deadline.
var ErrLimited = errors.New("rate limited")

// Config holds outbound rate limiting settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // calls per second per key
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Rate:            10, // provider allows 10 concurrent connections per key
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Rate <= 0 {
		return fmt.Errorf("rate must be positive")
	}
	if c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1")
	}
	return nil
}

// KeyedLimiter keeps one token bucket per key.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter from cfg. A disabled config yields a nil limiter,
// which admits everything.
func New(cfg Config) *KeyedLimiter {
	if !cfg.Enabled {
		return nil
	}
	return NewKeyedLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval)
}

// NewKeyedLimiter creates a new keyed limiter.
// r is calls per second per key, burst is the burst allowance.
func NewKeyedLimiter(r float64, burst int, cleanupInterval time.Duration) *KeyedLimiter {
	l := &KeyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

// Wait blocks until a call for key is admitted or ctx is done.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	if err := l.get(key).Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLimited, err)
	}
	return nil
}

// Allow reports whether a call for key may happen now.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	return l.get(key).Allow()
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter
}

func (l *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyedLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for key, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *KeyedLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}
