// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pebblestore

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/absmach/fluxedge/storage"
	"github.com/cockroachdb/pebble"
)

var _ storage.EntityStore = (*EntityStore)(nil)

// EntityStore implements storage.EntityStore using Pebble.
type EntityStore struct {
	store *Store
	table string

	// mu linearizes writes so Update is an atomic read-modify-write.
	mu sync.Mutex
}

// Get retrieves the value stored under key.
func (e *EntityStore) Get(ctx context.Context, key string) ([]byte, error) {
	return e.store.get(storage.EntityKey(e.table, key))
}

// Put stores value under key.
func (e *EntityStore) Put(ctx context.Context, key string, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.store.db.Set(storage.EntityKey(e.table, key), value, e.store.writeOpts)
}

// Update applies fn while holding the table write lock.
func (e *EntityStore) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	k := storage.EntityKey(e.table, key)
	cur, err := e.store.get(k)
	found := true
	if errors.Is(err, storage.ErrNotFound) {
		found = false
	} else if err != nil {
		return err
	}

	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	if next == nil {
		if !found {
			return nil
		}
		return e.store.db.Delete(k, e.store.writeOpts)
	}
	return e.store.db.Set(k, next, e.store.writeOpts)
}

// Remove deletes key.
func (e *EntityStore) Remove(ctx context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.store.db.Delete(storage.EntityKey(e.table, key), e.store.writeOpts)
}

// Contains reports whether key exists.
func (e *EntityStore) Contains(ctx context.Context, key string) (bool, error) {
	_, err := e.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Iterate visits all entries of the table in key order.
func (e *EntityStore) Iterate(ctx context.Context, fn func(key string, value []byte) bool) error {
	prefix := storage.EntityPrefix(e.table)
	iter, err := e.store.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: storage.PrefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := strings.TrimPrefix(string(iter.Key()), string(prefix))
		if !fn(key, slices.Clone(iter.Value())) {
			break
		}
	}
	return iter.Error()
}
