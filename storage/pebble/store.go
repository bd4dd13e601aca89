// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pebblestore provides a Pebble implementation of the durable store
// contracts.
package pebblestore

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxedge/storage"
	"github.com/cockroachdb/pebble"
)

var _ storage.Store = (*Store)(nil)

// Config configures the Pebble store.
type Config struct {
	// Dir is the path to the Pebble database directory.
	Dir string
	// SyncWrites forces a WAL fsync on every committed batch. When false, WAL
	// syncs are grouped within SyncInterval.
	SyncWrites bool
	// SyncInterval controls group commit when SyncWrites is false.
	SyncInterval time.Duration
	// Options allows advanced tuning of Pebble. If nil, defaults are used.
	Options *pebble.Options
}

// Store is a Pebble-backed store. Pebble has no transactions, so atomic
// updates are serialized per table and per log inside the process.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	mu     sync.Mutex
	tables map[string]*EntityStore
	logs   map[string]*Log
	closed bool
}

// New opens or creates a Pebble database.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("pebble: Config.Dir is required")
	}

	po := cfg.Options
	if po == nil {
		po = &pebble.Options{}
	}

	writeOpts := pebble.Sync
	if !cfg.SyncWrites {
		interval := cfg.SyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
		writeOpts = pebble.NoSync
	}

	db, err := pebble.Open(cfg.Dir, po)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:        db,
		writeOpts: writeOpts,
		tables:    make(map[string]*EntityStore),
		logs:      make(map[string]*Log),
	}, nil
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

	if _, err := s.get(storage.LogMetaKey(name)); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if err := s.db.Set(storage.LogMetaKey(name), storage.EncodeOffset(headOffset), s.writeOpts); err != nil {
			return nil, err
		}
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
	if _, err := s.get(storage.LogMetaKey(name)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrLogNotFound
		}
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

// DeleteLog removes a log and all its entries with a single range tombstone.
func (s *Store) DeleteLog(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	prefix := storage.LogEntryPrefix(name)
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Delete(storage.LogMetaKey(name), nil); err != nil {
		return err
	}
	if err := b.DeleteRange(prefix, storage.PrefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return err
	}

	delete(s.logs, name)
	return nil
}

// Logs returns the names of all persisted logs in name order.
func (s *Store) Logs(ctx context.Context) ([]string, error) {
	prefix := storage.LogMetaPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: storage.PrefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var names []string
	for ok := iter.First(); ok; ok = iter.Next() {
		names = append(names, storage.LogNameFromMetaKey(iter.Key()))
	}
	return names, iter.Error()
}

// Close closes the Pebble database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// get copies the value of key out of Pebble.
func (s *Store) get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	return slices.Clone(val), nil
}
