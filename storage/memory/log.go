// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/absmach/fluxedge/storage"
	"github.com/google/btree"
)

var _ storage.SequentialLog = (*Log)(nil)

const btreeDegree = 32

// Log is an in-memory sequential log ordered by offset.
type Log struct {
	name    string
	mu      sync.RWMutex
	entries *btree.BTreeG[storage.Entry]
	next    int64 // Next offset to assign
}

func newLog(name string, headOffset int64) *Log {
	return &Log{
		name: name,
		entries: btree.NewG(btreeDegree, func(a, b storage.Entry) bool {
			return a.Offset < b.Offset
		}),
		next: headOffset,
	}
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

	l.mu.Lock()
	defer l.mu.Unlock()

	offset := l.next
	l.entries.ReplaceOrInsert(storage.Entry{Offset: offset, Value: slices.Clone(value)})
	l.next++
	return offset, nil
}

// GetBatch returns up to count live entries starting at start.
func (l *Log) GetBatch(ctx context.Context, start int64, count int) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return []storage.Entry{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	batch := make([]storage.Entry, 0, min(count, l.entries.Len()))
	l.entries.AscendGreaterOrEqual(storage.Entry{Offset: start}, func(e storage.Entry) bool {
		batch = append(batch, storage.Entry{Offset: e.Offset, Value: slices.Clone(e.Value)})
		return len(batch) < count
	})
	return batch, nil
}

// HeadOffset returns the first live offset.
func (l *Log) HeadOffset(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if first, ok := l.entries.Min(); ok {
		return first.Offset, nil
	}
	return l.next, nil
}

// TailOffset returns the last assigned offset.
func (l *Log) TailOffset(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.next - 1, nil
}

// RemoveFirst removes the oldest entry if pred approves it.
func (l *Log) RemoveFirst(ctx context.Context, pred storage.Predicate) (bool, error) {
	l.mu.RLock()
	first, ok := l.entries.Min()
	l.mu.RUnlock()
	if !ok {
		return false, nil
	}

	return l.removeIf(ctx, pred, first)
}

// RemoveOffset removes the entry at offset if pred approves it.
func (l *Log) RemoveOffset(ctx context.Context, pred storage.Predicate, offset int64) (bool, error) {
	l.mu.RLock()
	e, ok := l.entries.Get(storage.Entry{Offset: offset})
	l.mu.RUnlock()
	if !ok {
		return false, nil
	}

	return l.removeIf(ctx, pred, e)
}

// Count returns the number of live entries.
func (l *Log) Count(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return int64(l.entries.Len()), nil
}

// removeIf evaluates pred without holding the lock, so pred may call back into
// other stores, then deletes the entry.
func (l *Log) removeIf(ctx context.Context, pred storage.Predicate, e storage.Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	ok, err := pred(ctx, e.Offset, slices.Clone(e.Value))
	if err != nil || !ok {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, removed := l.entries.Delete(e)
	return removed, nil
}
