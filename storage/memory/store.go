// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/messagebroker/mbc-mailchimp-subscription/storage"
)

// DefaultCapacity is the number of records kept by New(0).
const DefaultCapacity = 1000

var _ storage.DeadLetterStore = (*Store)(nil)

// Store is an in-memory ring of the most recent dead-letter records.
type Store struct {
	mu     sync.RWMutex
	ring   []*storage.DeadLetter
	next   int
	full   bool
	closed bool
}

// New creates a store holding at most capacity records.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{ring: make([]*storage.DeadLetter, capacity)}
}

// Append stores rec, evicting the oldest record when full.
func (s *Store) Append(_ context.Context, rec *storage.DeadLetter) error {
	storage.Prepare(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	s.ring[s.next] = storage.CopyDeadLetter(rec)
	s.next = (s.next + 1) % len(s.ring)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Get retrieves a record by id.
func (s *Store) Get(_ context.Context, id string) (*storage.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.ring {
		if rec != nil && rec.ID == id {
			return storage.CopyDeadLetter(rec), nil
		}
	}
	return nil, storage.ErrNotFound
}

// List returns records newest first.
func (s *Store) List(_ context.Context, limit int) ([]*storage.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]*storage.DeadLetter, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.ring)) % len(s.ring)
		out = append(out, storage.CopyDeadLetter(s.ring[idx]))
	}
	return out, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
