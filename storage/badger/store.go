// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a BadgerDB implementation of the durable store
// contracts.
package badger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/fluxedge/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// maxConflictRetries bounds optimistic transaction retries on write conflicts.
const maxConflictRetries = 64

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db *badger.DB

	mu     sync.Mutex
	tables map[string]*EntityStore
	logs   map[string]*Log

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	SyncWrites bool          // Fsync every commit
	GCInterval time.Duration // Value log GC period, defaults to 5 minutes
	InMemory   bool          // Run without a directory, for tests
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = 5 * time.Minute
	}

	s := &Store{
		db:       db,
		tables:   make(map[string]*EntityStore),
		logs:     make(map[string]*Log),
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC(gcInterval)

	return s, nil
}

// Entities returns the entity table with the given name.
func (s *Store) Entities(name string) (storage.EntityStore, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	t, ok := s.tables[name]
	if !ok {
		t = &EntityStore{store: s, table: name}
		s.tables[name] = t
	}
	return t, nil
}

// CreateLog creates a log starting at headOffset or reopens the existing one.
func (s *Store) CreateLog(ctx context.Context, name string, headOffset int64) (storage.SequentialLog, error) {
	if err := storage.ValidateName(name); err != nil {
		return nil, err
	}
	if headOffset < 0 {
		return nil, storage.ErrInvalidOffset
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	err := s.update(func(txn *badger.Txn) error {
		_, err := txn.Get(storage.LogMetaKey(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(storage.LogMetaKey(name), storage.EncodeOffset(headOffset))
	})
	if err != nil {
		return nil, err
	}

	return s.logLocked(name), nil
}

// Log returns an existing log.
func (s *Store) Log(name string) (storage.SequentialLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(storage.LogMetaKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrLogNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return s.logLocked(name), nil
}

func (s *Store) logLocked(name string) *Log {
	l, ok := s.logs[name]
	if !ok {
		l = &Log{store: s, name: name}
		s.logs[name] = l
	}
	return l
}

// DeleteLog removes a log and all its entries.
func (s *Store) DeleteLog(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	err := s.update(func(txn *badger.Txn) error {
		err := txn.Delete(storage.LogMetaKey(name))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	// DropPrefix is not bounded by transaction size limits.
	if err := s.db.DropPrefix(storage.LogEntryPrefix(name)); err != nil {
		return err
	}

	delete(s.logs, name)
	return nil
}

// Logs returns the names of all persisted logs in name order.
func (s *Store) Logs(ctx context.Context) ([]string, error) {
	var names []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = storage.LogMetaPrefix()
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, storage.LogNameFromMetaKey(it.Item().Key()))
		}
		return nil
	})

	return names, err
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

	// Signal GC goroutine to stop
	close(s.gcStopCh)

	// Wait for GC to finish
	<-s.gcDone

	return s.db.Close()
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim if 50%+ of a file is garbage. ErrNoRewrite is expected.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// Skip final GC; GC during close can corrupt the value log.
			return
		}
	}
}
