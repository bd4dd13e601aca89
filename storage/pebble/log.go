// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pebblestore

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/absmach/fluxedge/storage"
	"github.com/cockroachdb/pebble"
)

var _ storage.SequentialLog = (*Log)(nil)

// Log implements storage.SequentialLog using Pebble.
type Log struct {
	store *Store
	name  string

	// mu serializes appends and removals; reads go straight to Pebble.
	mu sync.Mutex
}

// Name returns the log name.
func (l *Log) Name() string {
	return l.name
}

// Append adds value at the tail of the log. The entry and the new next offset
// are committed in one batch.
func (l *Log) Append(ctx context.Context, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	offset, err := l.next()
	if err != nil {
		return 0, err
	}

	b := l.store.db.NewBatch()
	defer b.Close()

	if err := b.Set(storage.LogEntryKey(l.name, offset), value, nil); err != nil {
		return 0, err
	}
	if err := b.Set(storage.LogMetaKey(l.name), storage.EncodeOffset(offset+1), nil); err != nil {
		return 0, err
	}
	if err := b.Commit(l.store.writeOpts); err != nil {
		return 0, err
	}

	return offset, nil
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
	if _, err := l.next(); err != nil {
		return nil, err
	}

	iter, err := l.iter()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	entries := make([]storage.Entry, 0, count)
	for ok := iter.SeekGE(storage.LogEntryKey(l.name, start)); ok && len(entries) < count; ok = iter.Next() {
		offset, err := storage.ParseLogEntryKey(l.name, iter.Key())
		if err != nil {
			return nil, err
		}
		entries = append(entries, storage.Entry{Offset: offset, Value: slices.Clone(iter.Value())})
	}
	return entries, iter.Error()
}

// HeadOffset returns the first live offset or the next offset if empty.
func (l *Log) HeadOffset(ctx context.Context) (int64, error) {
	iter, err := l.iter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if iter.First() {
		return storage.ParseLogEntryKey(l.name, iter.Key())
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	return l.next()
}

// TailOffset returns the last assigned offset.
func (l *Log) TailOffset(ctx context.Context) (int64, error) {
	next, err := l.next()
	if err != nil {
		return 0, err
	}
	return next - 1, nil
}

// RemoveFirst removes the oldest entry if pred approves it.
func (l *Log) RemoveFirst(ctx context.Context, pred storage.Predicate) (bool, error) {
	iter, err := l.iter()
	if err != nil {
		return false, err
	}

	if !iter.First() {
		err := iter.Error()
		iter.Close()
		return false, err
	}
	offset, err := storage.ParseLogEntryKey(l.name, iter.Key())
	value := slices.Clone(iter.Value())
	iter.Close()
	if err != nil {
		return false, err
	}

	return l.removeIf(ctx, pred, storage.Entry{Offset: offset, Value: value})
}

// RemoveOffset removes the entry at offset if pred approves it.
func (l *Log) RemoveOffset(ctx context.Context, pred storage.Predicate, offset int64) (bool, error) {
	value, err := l.store.get(storage.LogEntryKey(l.name, offset))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return l.removeIf(ctx, pred, storage.Entry{Offset: offset, Value: value})
}

// Count returns the number of live entries.
func (l *Log) Count(ctx context.Context) (int64, error) {
	iter, err := l.iter()
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var count int64
	for ok := iter.First(); ok; ok = iter.Next() {
		count++
	}
	return count, iter.Error()
}

func (l *Log) removeIf(ctx context.Context, pred storage.Predicate, e storage.Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ok, err := pred(ctx, e.Offset, e.Value)
	if err != nil || !ok {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := storage.LogEntryKey(l.name, e.Offset)
	cur, err := l.store.get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(cur, e.Value) {
		return false, nil
	}
	if err := l.store.db.Delete(key, l.store.writeOpts); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Log) next() (int64, error) {
	v, err := l.store.get(storage.LogMetaKey(l.name))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, storage.ErrLogNotFound
		}
		return 0, err
	}
	return storage.DecodeOffset(v), nil
}

func (l *Log) iter() (*pebble.Iterator, error) {
	prefix := storage.LogEntryPrefix(l.name)
	return l.store.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: storage.PrefixEnd(prefix)})
}
