// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the durable store contracts the message store and
// checkpoints are built on: keyed entity tables with atomic updates and
// append-only sequential logs addressed by offset.
package storage

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrLogNotFound   = errors.New("sequential log not found")
	ErrClosed        = errors.New("store is closed")
	ErrInvalidOffset = errors.New("invalid offset")
	ErrInvalidName   = errors.New("invalid name")
)

// Store is the composite storage provider. All acknowledged writes must be
// durable and recoverable after a crash.
type Store interface {
	// Entities returns the entity table with the given name, creating it if needed.
	Entities(name string) (EntityStore, error)

	// CreateLog creates a sequential log whose first offset is headOffset.
	// An existing log is reopened unchanged.
	CreateLog(ctx context.Context, name string, headOffset int64) (SequentialLog, error)

	// Log returns an existing sequential log.
	Log(name string) (SequentialLog, error)

	// DeleteLog removes a log and every entry in it.
	DeleteLog(ctx context.Context, name string) error

	// Logs returns the names of all persisted logs.
	Logs(ctx context.Context) ([]string, error)

	// Close closes the store.
	Close() error
}

// UpdateFunc computes the next value of an entity from its current value.
// found reports whether the key exists. Returning a nil next value removes the
// key. Returning an error aborts the update without any change.
type UpdateFunc func(current []byte, found bool) (next []byte, err error)

// EntityStore is a keyed table with atomic read-modify-write.
type EntityStore interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores a value, replacing any previous one.
	Put(ctx context.Context, key string, value []byte) error

	// Update applies fn atomically; no concurrent write to key can interleave.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Remove deletes a key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Contains reports whether key exists.
	Contains(ctx context.Context, key string) (bool, error)

	// Iterate calls fn for every entry in key order until fn returns false.
	Iterate(ctx context.Context, fn func(key string, value []byte) bool) error
}

// Entry is a single sequential log record.
type Entry struct {
	Offset int64
	Value  []byte
}

// Predicate decides whether the entry at offset may be removed.
type Predicate func(ctx context.Context, offset int64, value []byte) (bool, error)

// SequentialLog is an append-only log of values addressed by a monotonically
// increasing offset. A single producer and a single consumer are expected.
type SequentialLog interface {
	// Name returns the log name.
	Name() string

	// Append adds value at the end of the log and returns its offset.
	Append(ctx context.Context, value []byte) (int64, error)

	// GetBatch returns up to count live entries with offset >= start, in order.
	GetBatch(ctx context.Context, start int64, count int) ([]Entry, error)

	// HeadOffset returns the first live offset, or the next offset to be
	// assigned if the log is empty.
	HeadOffset(ctx context.Context) (int64, error)

	// TailOffset returns the last assigned offset, or HeadOffset-1 if no entry
	// was ever appended.
	TailOffset(ctx context.Context) (int64, error)

	// RemoveFirst removes the oldest entry if pred approves it.
	// It reports whether an entry was removed.
	RemoveFirst(ctx context.Context, pred Predicate) (bool, error)

	// RemoveOffset removes the entry at offset if it exists and pred approves it.
	RemoveOffset(ctx context.Context, pred Predicate, offset int64) (bool, error)

	// Count returns the number of live entries.
	Count(ctx context.Context) (int64, error)
}
