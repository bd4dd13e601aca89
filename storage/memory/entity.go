// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/absmach/fluxedge/storage"
)

var _ storage.EntityStore = (*EntityStore)(nil)

// EntityStore is an in-memory keyed table.
type EntityStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newEntityStore() *EntityStore {
	return &EntityStore{data: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (e *EntityStore) Get(ctx context.Context, key string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	v, ok := e.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(v), nil
}

// Put stores a copy of value under key.
func (e *EntityStore) Put(ctx context.Context, key string, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.data[key] = slices.Clone(value)
	return nil
}

// Update applies fn while holding the table lock.
func (e *EntityStore) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur, found := e.data[key]
	next, err := fn(slices.Clone(cur), found)
	if err != nil {
		return err
	}
	if next == nil {
		delete(e.data, key)
		return nil
	}
	e.data[key] = slices.Clone(next)
	return nil
}

// Remove deletes key.
func (e *EntityStore) Remove(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.data, key)
	return nil
}

// Contains reports whether key exists.
func (e *EntityStore) Contains(ctx context.Context, key string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.data[key]
	return ok, nil
}

// Iterate visits a snapshot of the table in key order.
func (e *EntityStore) Iterate(ctx context.Context, fn func(key string, value []byte) bool) error {
	e.mu.RLock()
	snapshot := maps.Clone(e.data)
	e.mu.RUnlock()

	for _, k := range slices.Sorted(maps.Keys(snapshot)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(k, snapshot[k]) {
			return nil
		}
	}
	return nil
}
