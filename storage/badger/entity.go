// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"errors"
	"strings"

	"github.com/absmach/fluxedge/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.EntityStore = (*EntityStore)(nil)

// EntityStore implements storage.EntityStore using BadgerDB.
//
// Key format: ent/{table}/{key}
type EntityStore struct {
	store *Store
	table string
}

// Get retrieves the value stored under key.
func (e *EntityStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := e.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storage.EntityKey(e.table, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Put stores value under key.
func (e *EntityStore) Put(ctx context.Context, key string, value []byte) error {
	return e.store.update(func(txn *badger.Txn) error {
		return txn.Set(storage.EntityKey(e.table, key), value)
	})
}

// Update applies fn inside a transaction. A conflicting concurrent write
// aborts the transaction and fn is re-run against the new value.
func (e *EntityStore) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k := storage.EntityKey(e.table, key)
	return e.store.update(func(txn *badger.Txn) error {
		var cur []byte
		found := true

		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			found = false
		case err != nil:
			return err
		default:
			if cur, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}

		next, err := fn(cur, found)
		if err != nil {
			return err
		}
		if next == nil {
			if !found {
				return nil
			}
			return txn.Delete(k)
		}
		return txn.Set(k, next)
	})
}

// Remove deletes key.
func (e *EntityStore) Remove(ctx context.Context, key string) error {
	return e.store.update(func(txn *badger.Txn) error {
		return txn.Delete(storage.EntityKey(e.table, key))
	})
}

// Contains reports whether key exists.
func (e *EntityStore) Contains(ctx context.Context, key string) (bool, error) {
	found := false

	err := e.store.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(storage.EntityKey(e.table, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})

	return found, err
}

// Iterate visits all entries of the table in key order.
func (e *EntityStore) Iterate(ctx context.Context, fn func(key string, value []byte) bool) error {
	prefix := storage.EntityPrefix(e.table)

	return e.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			key := strings.TrimPrefix(string(item.Key()), string(prefix))
			if !fn(key, value) {
				return nil
			}
		}
		return nil
	})
}
