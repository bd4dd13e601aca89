// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds a behavioural test suite shared by every
// storage.Store implementation.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/absmach/fluxedge/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

// Run runs the full suite against the stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EntityGetPutRemove", func(t *testing.T) { testEntityGetPutRemove(t, newStore(t)) })
	t.Run("EntityUpdate", func(t *testing.T) { testEntityUpdate(t, newStore(t)) })
	t.Run("EntityConcurrentUpdate", func(t *testing.T) { testEntityConcurrentUpdate(t, newStore(t)) })
	t.Run("EntityIterate", func(t *testing.T) { testEntityIterate(t, newStore(t)) })
	t.Run("LogAppendAndRead", func(t *testing.T) { testLogAppendAndRead(t, newStore(t)) })
	t.Run("LogHeadFloor", func(t *testing.T) { testLogHeadFloor(t, newStore(t)) })
	t.Run("LogRemoveFirst", func(t *testing.T) { testLogRemoveFirst(t, newStore(t)) })
	t.Run("LogRemoveOffset", func(t *testing.T) { testLogRemoveOffset(t, newStore(t)) })
	t.Run("LogLifecycle", func(t *testing.T) { testLogLifecycle(t, newStore(t)) })
}

func testEntityGetPutRemove(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	es, err := s.Entities("messages")
	require.NoError(t, err)

	_, err = es.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, es.Put(ctx, "k1", []byte("v1")))
	v, err := es.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	ok, err := es.Contains(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, es.Remove(ctx, "k1"))
	require.NoError(t, es.Remove(ctx, "k1"), "removing a missing key is not an error")

	ok, err = es.Contains(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := s.Entities("other")
	require.NoError(t, err)
	require.NoError(t, es.Put(ctx, "shared", []byte("a")))
	_, err = other.Get(ctx, "shared")
	assert.ErrorIs(t, err, storage.ErrNotFound, "tables must not share keys")
}

func testEntityUpdate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	es, err := s.Entities("counters")
	require.NoError(t, err)

	// Create through Update.
	err = es.Update(ctx, "c", func(cur []byte, found bool) ([]byte, error) {
		assert.False(t, found)
		return []byte("1"), nil
	})
	require.NoError(t, err)

	err = es.Update(ctx, "c", func(cur []byte, found bool) ([]byte, error) {
		assert.True(t, found)
		n, _ := strconv.Atoi(string(cur))
		return []byte(strconv.Itoa(n + 1)), nil
	})
	require.NoError(t, err)

	v, err := es.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))

	// Aborted update leaves the value untouched.
	errAbort := errors.New("abort")
	err = es.Update(ctx, "c", func(cur []byte, found bool) ([]byte, error) {
		return nil, errAbort
	})
	assert.ErrorIs(t, err, errAbort)
	v, err = es.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))

	// A nil result deletes.
	err = es.Update(ctx, "c", func(cur []byte, found bool) ([]byte, error) {
		return nil, nil
	})
	require.NoError(t, err)
	_, err = es.Get(ctx, "c")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testEntityConcurrentUpdate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	es, err := s.Entities("counters")
	require.NoError(t, err)

	const workers, increments = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := es.Update(ctx, "n", func(cur []byte, found bool) ([]byte, error) {
					n := 0
					if found {
						n, _ = strconv.Atoi(string(cur))
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, err := es.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*increments), string(v))
}

func testEntityIterate(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	es, err := s.Entities("iter")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, es.Put(ctx, fmt.Sprintf("key-%d", i), []byte{byte(i)}))
	}

	var keys []string
	err = es.Iterate(ctx, func(key string, value []byte) bool {
		keys = append(keys, key)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"key-0", "key-1", "key-2", "key-3", "key-4"}, keys)

	keys = keys[:0]
	err = es.Iterate(ctx, func(key string, value []byte) bool {
		keys = append(keys, key)
		return len(keys) < 2
	})
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func testLogAppendAndRead(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	l, err := s.CreateLog(ctx, "ep1_Pri0", 0)
	require.NoError(t, err)
	assert.Equal(t, "ep1_Pri0", l.Name())

	head, err := l.HeadOffset(ctx)
	require.NoError(t, err)
	tail, err := l.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
	assert.Equal(t, int64(-1), tail)

	for i := 0; i < 10; i++ {
		off, err := l.Append(ctx, []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i), off)
	}

	batch, err := l.GetBatch(ctx, 3, 4)
	require.NoError(t, err)
	require.Len(t, batch, 4)
	for i, e := range batch {
		assert.Equal(t, int64(3+i), e.Offset)
		assert.Equal(t, fmt.Sprintf("v%d", 3+i), string(e.Value))
	}

	batch, err = l.GetBatch(ctx, 8, 100)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	batch, err = l.GetBatch(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, batch)

	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	tail, err = l.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(9), tail)
}

func testLogHeadFloor(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	l, err := s.CreateLog(ctx, "seeded", 1001)
	require.NoError(t, err)

	off, err := l.Append(ctx, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, int64(1001), off)

	// Reopening keeps the existing tail.
	again, err := s.CreateLog(ctx, "seeded", 0)
	require.NoError(t, err)
	off, err = again.Append(ctx, []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, int64(1002), off)

	_, err = s.CreateLog(ctx, "negative", -5)
	assert.ErrorIs(t, err, storage.ErrInvalidOffset)

	_, err = s.CreateLog(ctx, "bad/name", 0)
	assert.ErrorIs(t, err, storage.ErrInvalidName)
}

func testLogRemoveFirst(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	l, err := s.CreateLog(ctx, "q", 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	below := func(limit int64) storage.Predicate {
		return func(ctx context.Context, offset int64, value []byte) (bool, error) {
			return offset < limit, nil
		}
	}

	for {
		removed, err := l.RemoveFirst(ctx, below(3))
		require.NoError(t, err)
		if !removed {
			break
		}
	}

	head, err := l.HeadOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)

	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	errPred := errors.New("predicate failed")
	_, err = l.RemoveFirst(ctx, func(ctx context.Context, offset int64, value []byte) (bool, error) {
		return false, errPred
	})
	assert.ErrorIs(t, err, errPred)

	// Draining keeps offsets monotonic.
	for i := 0; i < 2; i++ {
		removed, err := l.RemoveFirst(ctx, below(100))
		require.NoError(t, err)
		assert.True(t, removed)
	}
	head, err = l.HeadOffset(ctx)
	require.NoError(t, err)
	tail, err := l.TailOffset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), head)
	assert.Equal(t, int64(4), tail)

	off, err := l.Append(ctx, []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), off)
}

func testLogRemoveOffset(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	l, err := s.CreateLog(ctx, "q", 0)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	always := func(ctx context.Context, offset int64, value []byte) (bool, error) { return true, nil }
	never := func(ctx context.Context, offset int64, value []byte) (bool, error) { return false, nil }

	removed, err := l.RemoveOffset(ctx, always, 2)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = l.RemoveOffset(ctx, always, 2)
	require.NoError(t, err)
	assert.False(t, removed, "hole cannot be removed twice")

	removed, err = l.RemoveOffset(ctx, never, 3)
	require.NoError(t, err)
	assert.False(t, removed)

	batch, err := l.GetBatch(ctx, 0, 4)
	require.NoError(t, err)
	offsets := make([]int64, 0, len(batch))
	for _, e := range batch {
		offsets = append(offsets, e.Offset)
	}
	assert.Equal(t, []int64{0, 1, 3, 4}, offsets, "batches skip holes")

	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func testLogLifecycle(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.Log("missing")
	assert.ErrorIs(t, err, storage.ErrLogNotFound)

	for _, name := range []string{"b", "a"} {
		l, err := s.CreateLog(ctx, name, 0)
		require.NoError(t, err)
		_, err = l.Append(ctx, []byte(name))
		require.NoError(t, err)
	}

	names, err := s.Logs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, s.DeleteLog(ctx, "a"))
	_, err = s.Log("a")
	assert.ErrorIs(t, err, storage.ErrLogNotFound)

	names, err = s.Logs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	// A recreated log starts over at its new floor.
	l, err := s.CreateLog(ctx, "a", 0)
	require.NoError(t, err)
	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
	off, err := l.Append(ctx, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)
}
