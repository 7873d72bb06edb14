// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mailchimp is a minimal client for the Mailchimp Marketing API
// list member endpoints.
package mailchimp

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Member statuses.
const (
	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
	StatusPending      = "pending"
)

const (
	DefaultTimeout          = 30 * time.Second
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second

	userAgent = "mbc-mailchimp-subscription/1.0"
)

// Limiter throttles calls per list.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Options configures the client.
type Options struct {
	APIKey           string
	BaseURL          string // derived from the API key datacenter when empty
	Timeout          time.Duration
	FailureThreshold uint32
	ResetTimeout     time.Duration
	HTTPClient       *http.Client
	Limiter          Limiter
	Logger           *slog.Logger
}

// Member is the subset of a list member the client writes.
type Member struct {
	Email       string
	Status      string // empty leaves the status of an existing member untouched
	MergeFields map[string]string
}

type memberRequest struct {
	EmailAddress string            `json:"email_address,omitempty"`
	StatusIfNew  string            `json:"status_if_new,omitempty"`
	Status       string            `json:"status,omitempty"`
	MergeFields  map[string]string `json:"merge_fields,omitempty"`
}

// Client calls the list member endpoints through a circuit breaker.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter Limiter
	logger  *slog.Logger

	knownLists sync.Map
}

// New creates a client.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		dc, err := Datacenter(opts.APIKey)
		if err != nil {
			return nil, err
		}
		baseURL = fmt.Sprintf("https://%s.api.mailchimp.com/3.0", dc)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	threshold := opts.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	reset := opts.ResetTimeout
	if reset <= 0 {
		reset = DefaultResetTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mailchimp",
		MaxRequests: 1,
		Timeout:     reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Client errors say nothing about provider health.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			apiErr, ok := AsAPIError(err)
			return ok && !apiErr.Temporary()
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("mailchimp circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Client{
		baseURL: baseURL,
		apiKey:  opts.APIKey,
		http:    httpClient,
		breaker: breaker,
		limiter: opts.Limiter,
		logger:  logger,
	}, nil
}

// Datacenter returns the datacenter suffix of an API key ("us6" for
// "abc123-us6").
func Datacenter(apiKey string) (string, error) {
	i := strings.LastIndex(apiKey, "-")
	if i <= 0 || i == len(apiKey)-1 {
		return "", ErrInvalidAPIKey
	}
	return apiKey[i+1:], nil
}

// SubscriberHash is the member id Mailchimp derives from an address.
func SubscriberHash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

// Upsert adds m to the list or updates the existing member. New members get
// status subscribed.
func (c *Client) Upsert(ctx context.Context, listID string, m Member) error {
	if listID == "" {
		return ErrNoList
	}
	if m.Email == "" {
		return ErrNoEmail
	}

	body := memberRequest{
		EmailAddress: m.Email,
		StatusIfNew:  StatusSubscribed,
		Status:       m.Status,
		MergeFields:  m.MergeFields,
	}
	return c.call(ctx, listID, http.MethodPut, memberPath(listID, m.Email), body)
}

// Unsubscribe marks the member unsubscribed. An unknown member is already in
// the desired state; an unknown list is reported as ErrUnknownList.
func (c *Client) Unsubscribe(ctx context.Context, listID, email string) error {
	if listID == "" {
		return ErrNoList
	}
	if email == "" {
		return ErrNoEmail
	}

	err := c.call(ctx, listID, http.MethodPatch, memberPath(listID, email), memberRequest{Status: StatusUnsubscribed})
	if apiErr, ok := AsAPIError(err); ok && apiErr.StatusCode == http.StatusNotFound {
		// The member endpoint answers 404 for both a missing member and a
		// missing list.
		exists, lerr := c.listExists(ctx, listID)
		switch {
		case lerr != nil:
			return lerr
		case !exists:
			return fmt.Errorf("%w %s: %w", ErrUnknownList, listID, err)
		}
		c.logger.Debug("unsubscribe of absent member", slog.String("list_id", listID))
		return nil
	}
	return err
}

// listExists looks listID up once; lists found are remembered.
func (c *Client) listExists(ctx context.Context, listID string) (bool, error) {
	if _, ok := c.knownLists.Load(listID); ok {
		return true, nil
	}

	err := c.call(ctx, listID, http.MethodGet, "/lists/"+url.PathEscape(listID)+"?fields=id", nil)
	if apiErr, ok := AsAPIError(err); ok && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.knownLists.Store(listID, struct{}{})
	return true, nil
}

func memberPath(listID, email string) string {
	return "/lists/" + url.PathEscape(listID) + "/members/" + SubscriberHash(email)
}

func (c *Client) call(ctx context.Context, listID, method, path string, body any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, listID); err != nil {
			return err
		}
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", userAgent)
	req.SetBasicAuth("anystring", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	apiErr := &APIError{}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, apiErr)
	}
	apiErr.StatusCode = resp.StatusCode
	return apiErr
}
