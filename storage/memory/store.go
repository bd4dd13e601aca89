// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory implementation of the durable store
// contracts. It is not crash durable and is meant for tests and ephemeral
// deployments.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/absmach/fluxedge/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	mu     sync.RWMutex
	tables map[string]*EntityStore
	logs   map[string]*Log
	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		tables: make(map[string]*EntityStore),
		logs:   make(map[string]*Log),
	}
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
		t = newEntityStore()
		s.tables[name] = t
	}
	return t, nil
}

// CreateLog creates a log starting at headOffset or returns the existing one.
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
	if l, ok := s.logs[name]; ok {
		return l, nil
	}
	l := newLog(name, headOffset)
	s.logs[name] = l
	return l, nil
}

// Log returns an existing log.
func (s *Store) Log(name string) (storage.SequentialLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	l, ok := s.logs[name]
	if !ok {
		return nil, storage.ErrLogNotFound
	}
	return l, nil
}

// DeleteLog removes a log and its entries.
func (s *Store) DeleteLog(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	delete(s.logs, name)
	return nil
}

// Logs returns the names of all logs in name order.
func (s *Store) Logs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	names := make([]string, 0, len(s.logs))
	for name := range s.logs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
