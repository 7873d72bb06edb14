// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mailchimp

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidAPIKey = errors.New("api key must have the form <key>-<datacenter>")
	ErrNoList        = errors.New("list id cannot be empty")
	ErrNoEmail       = errors.New("email cannot be empty")
	ErrUnknownList   = errors.New("unknown list")
	ErrUnavailable   = errors.New("mailchimp unavailable")
)

// APIError is a non-2xx response. Mailchimp reports errors as
// application/problem+json documents.
type APIError struct {
	StatusCode int    `json:"status"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
}

func (e *APIError) Error() string {
	title := e.Title
	if title == "" {
		title = http.StatusText(e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("mailchimp %d %s: %s", e.StatusCode, title, e.Detail)
	}
	return fmt.Sprintf("mailchimp %d %s", e.StatusCode, title)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// AsAPIError extracts an APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
