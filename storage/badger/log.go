// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/absmach/fluxedge/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.SequentialLog = (*Log)(nil)

// Log implements storage.SequentialLog using BadgerDB.
//
// Key format:
//   - Next offset: log/meta/{name}
//   - Entries:     log/data/{name}/{offset:020d}
type Log struct {
	store *Store
	name  string

	appendMu sync.Mutex
}

// Name returns the log name.
func (l *Log) Name() string {
	return l.name
}

// Append adds value at the tail of the log.
func (l *Log) Append(ctx context.Context, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	var offset int64
	err := l.store.update(func(txn *badger.Txn) error {
		next, err := l.next(txn)
		if err != nil {
			return err
		}
		offset = next

		if err := txn.Set(storage.LogEntryKey(l.name, offset), value); err != nil {
			return err
		}
		return txn.Set(storage.LogMetaKey(l.name), storage.EncodeOffset(offset+1))
	})

	return offset, err
}

// GetBatch reads up to count live entries starting at start.
func (l *Log) GetBatch(ctx context.Context, start int64, count int) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return []storage.Entry{}, nil
	}
	if start < 0 {
		start = 0
	}

	entries := make([]storage.Entry, 0, count)
	err := l.store.db.View(func(txn *badger.Txn) error {
		if _, err := l.next(txn); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = storage.LogEntryPrefix(l.name)
		if count < opts.PrefetchSize {
			opts.PrefetchSize = count
		}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(storage.LogEntryKey(l.name, start)); it.Valid() && len(entries) < count; it.Next() {
			e, err := l.entry(it.Item())
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// HeadOffset returns the first live offset or the next offset if empty.
func (l *Log) HeadOffset(ctx context.Context) (int64, error) {
	var head int64

	err := l.store.db.View(func(txn *badger.Txn) error {
		first, ok, err := l.first(txn)
		if err != nil {
			return err
		}
		if ok {
			head = first
			return nil
		}
		head, err = l.next(txn)
		return err
	})

	return head, err
}

// TailOffset returns the last assigned offset.
func (l *Log) TailOffset(ctx context.Context) (int64, error) {
	var tail int64

	err := l.store.db.View(func(txn *badger.Txn) error {
		next, err := l.next(txn)
		tail = next - 1
		return err
	})

	return tail, err
}

// RemoveFirst removes the oldest entry if pred approves it.
func (l *Log) RemoveFirst(ctx context.Context, pred storage.Predicate) (bool, error) {
	var (
		head  storage.Entry
		found bool
	)

	err := l.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = storage.LogEntryPrefix(l.name)
		opts.PrefetchSize = 1

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		var err error
		head, err = l.entry(it.Item())
		found = err == nil
		return err
	})
	if err != nil || !found {
		return false, err
	}

	return l.removeIf(ctx, pred, head)
}

// RemoveOffset removes the entry at offset if pred approves it.
func (l *Log) RemoveOffset(ctx context.Context, pred storage.Predicate, offset int64) (bool, error) {
	var (
		e     storage.Entry
		found bool
	)

	err := l.store.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storage.LogEntryKey(l.name, offset))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		e, err = l.entry(item)
		found = err == nil
		return err
	})
	if err != nil || !found {
		return false, err
	}

	return l.removeIf(ctx, pred, e)
}

// Count returns the number of live entries.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var count int64

	err := l.store.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = storage.LogEntryPrefix(l.name)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count, err
}

// removeIf evaluates pred outside of any transaction, since pred may write to
// other tables, then deletes the entry if it is still present.
func (l *Log) removeIf(ctx context.Context, pred storage.Predicate, e storage.Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ok, err := pred(ctx, e.Offset, e.Value)
	if err != nil || !ok {
		return false, err
	}

	removed := false
	err = l.store.update(func(txn *badger.Txn) error {
		key := storage.LogEntryKey(l.name, e.Offset)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			removed = false
			return nil
		}
		if err != nil {
			return err
		}
		// Entries are never rewritten; a different value means a log was
		// deleted and recreated under the same name.
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(v, e.Value) {
			removed = false
			return nil
		}
		removed = true
		return txn.Delete(key)
	})

	return removed, err
}

func (l *Log) next(txn *badger.Txn) (int64, error) {
	item, err := txn.Get(storage.LogMetaKey(l.name))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, storage.ErrLogNotFound
		}
		return 0, err
	}

	var next int64
	err = item.Value(func(v []byte) error {
		next = storage.DecodeOffset(v)
		return nil
	})
	return next, err
}

func (l *Log) first(txn *badger.Txn) (int64, bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = storage.LogEntryPrefix(l.name)
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	it.Rewind()
	if !it.Valid() {
		return 0, false, nil
	}
	offset, err := storage.ParseLogEntryKey(l.name, it.Item().Key())
	if err != nil {
		return 0, false, err
	}
	return offset, true, nil
}

func (l *Log) entry(item *badger.Item) (storage.Entry, error) {
	offset, err := storage.ParseLogEntryKey(l.name, item.Key())
	if err != nil {
		return storage.Entry{}, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return storage.Entry{}, err
	}
	return storage.Entry{Offset: offset, Value: value}, nil
}
