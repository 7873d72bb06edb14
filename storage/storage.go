// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage keeps the journal of dead-lettered messages that operators
// inspect after the fact.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// DeadLetter records one message that was dead-lettered and why.
type DeadLetter struct {
	ID            string    `json:"id"`
	Queue         string    `json:"queue"`
	RoutingKey    string    `json:"routing_key,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Reason        string    `json:"reason"`
	Redeliveries  int       `json:"redeliveries"`
	ContentType   string    `json:"content_type,omitempty"`
	Body          []byte    `json:"body"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeadLetterStore persists dead-letter records.
type DeadLetterStore interface {
	// Append stores rec, assigning ID and CreatedAt when unset.
	Append(ctx context.Context, rec *DeadLetter) error

	// Get returns the record with the given id.
	Get(ctx context.Context, id string) (*DeadLetter, error)

	// List returns up to limit records, newest first. A non-positive
	// limit returns all records.
	List(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Close releases the store.
	Close() error
}

// Prepare fills in the ID and CreatedAt of rec when unset.
func Prepare(rec *DeadLetter) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
}

// CopyDeadLetter returns a deep copy of rec.
func CopyDeadLetter(rec *DeadLetter) *DeadLetter {
	if rec == nil {
		return nil
	}
	cp := *rec
	if rec.Body != nil {
		cp.Body = append([]byte(nil), rec.Body...)
	}
	return &cp
}
