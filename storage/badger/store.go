// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/messagebroker/mbc-mailchimp-subscription/storage"
)

var _ storage.DeadLetterStore = (*Store)(nil)

// Key formats:
//
//	deadletter:{created_at_unix_nano}:{id} -> record
//	deadletter-id:{id}                     -> primary key
const (
	recordPrefix = "deadletter:"
	indexPrefix  = "deadletter-id:"
)

// Store is the BadgerDB-backed dead-letter journal.
type Store struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir      string // Directory for BadgerDB data
	InMemory bool   // Keep data in memory only
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Dead letters are the audit trail; they must survive a crash.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

func recordKey(rec *storage.DeadLetter) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", recordPrefix, rec.CreatedAt.UnixNano(), rec.ID))
}

// Append stores rec.
func (s *Store) Append(_ context.Context, rec *storage.DeadLetter) error {
	storage.Prepare(rec)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	key := recordKey(rec)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(indexPrefix+rec.ID), key)
	})
}

// Get retrieves a record by id.
func (s *Store) Get(_ context.Context, id string) (*storage.DeadLetter, error) {
	var rec *storage.DeadLetter

	err := s.db.View(func(txn *badger.Txn) error {
		idx, err := txn.Get([]byte(indexPrefix + id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		key, err := idx.ValueCopy(nil)
		if err != nil {
			return err
		}

		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}

		return item.Value(func(val []byte) error {
			rec = &storage.DeadLetter{}
			return json.Unmarshal(val, rec)
		})
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// List returns records newest first.
func (s *Store) List(_ context.Context, limit int) ([]*storage.DeadLetter, error) {
	var out []*storage.DeadLetter
	prefix := []byte(recordPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}

			err := it.Item().Value(func(val []byte) error {
				var rec storage.DeadLetter
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, &rec)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal dead letter: %w", err)
			}
		}
		return nil
	})

	return out, err
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
