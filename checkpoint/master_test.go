// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaster_ProposeNotSupported(t *testing.T) {
	ctx := context.Background()
	m, err := NewMaster(ctx, "master", newTestStore(t))
	require.NoError(t, err)

	assert.ErrorIs(t, m.Propose(ctx, msgs(1)[0]), ErrNotSupported)
}

func TestMaster_NoChildrenUsesMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m, err := NewMaster(ctx, "master", store)
	require.NoError(t, err)

	require.NoError(t, m.Commit(ctx, msgs(1, 2, 3), nil, Failure{}))
	assert.Equal(t, int64(3), m.Offset())

	require.NoError(t, m.Commit(ctx, msgs(4, 6), msgs(5), Failure{}))
	assert.Equal(t, int64(4), m.Offset())

	data, err := store.Get(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, int64(4), data.Offset)
}

func TestMaster_BoundedByOutstandingChild(t *testing.T) {
	ctx := context.Background()
	m, err := NewMaster(ctx, "master", newTestStore(t))
	require.NoError(t, err)

	c1, err := m.Create(ctx, "module1_Pri0")
	require.NoError(t, err)
	c2, err := m.Create(ctx, "module2_Pri0")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"module1_Pri0", "module2_Pri0"}, m.Children())

	require.NoError(t, c1.Propose(ctx, msgs(10)[0]))
	require.NoError(t, c2.Propose(ctx, msgs(20)[0]))
	assert.Equal(t, int64(20), m.Proposed())
	assert.True(t, m.HasOutstanding())

	// c2 finishes, c1 is still outstanding at its committed offset.
	require.NoError(t, c1.Commit(ctx, msgs(1, 2, 3), nil, Failure{}))
	require.NoError(t, c2.Commit(ctx, msgs(20), nil, Failure{}))
	assert.True(t, c1.HasOutstanding())
	assert.False(t, c2.HasOutstanding())
	assert.Equal(t, int64(3), m.Offset())
	assert.LessOrEqual(t, m.Offset(), c1.Offset())

	// Once nothing is outstanding the aggregate is the max child offset.
	require.NoError(t, c1.Commit(ctx, msgs(10), nil, Failure{}))
	assert.False(t, m.HasOutstanding())
	assert.Equal(t, int64(20), m.Offset())
}

func TestMaster_NeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Set(ctx, "master", NewData(50)))

	m, err := NewMaster(ctx, "master", store)
	require.NoError(t, err)
	c, err := m.Create(ctx, "child")
	require.NoError(t, err)

	require.NoError(t, c.Propose(ctx, msgs(5)[0]))
	require.NoError(t, c.Commit(ctx, msgs(1), msgs(2), Failure{}))
	assert.Equal(t, int64(50), m.Offset())

	require.NoError(t, m.Commit(ctx, nil, nil, Failure{}))
	assert.Equal(t, int64(50), m.Offset())
}

func TestMaster_ChildCloseUnregisters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m, err := NewMaster(ctx, "master", store)
	require.NoError(t, err)

	stuck, err := m.Create(ctx, "stuck")
	require.NoError(t, err)
	done, err := m.Create(ctx, "done")
	require.NoError(t, err)

	require.NoError(t, stuck.Propose(ctx, msgs(100)[0]))
	require.NoError(t, done.Commit(ctx, msgs(7), nil, Failure{}))
	assert.Equal(t, InvalidOffset, m.Offset())

	require.NoError(t, stuck.Close(ctx))
	assert.Equal(t, []string{"done"}, m.Children())
	assert.False(t, m.HasOutstanding())
	assert.ErrorIs(t, stuck.Propose(ctx, msgs(101)[0]), ErrClosed)

	require.NoError(t, m.Commit(ctx, nil, nil, Failure{}))
	assert.Equal(t, int64(7), m.Offset())

	data, err := store.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, InvalidOffset, data.Offset)
}

func TestMaster_ChildAdmitDelegates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Set(ctx, "child", NewData(10)))

	m, err := NewMaster(ctx, "master", store)
	require.NoError(t, err)
	c, err := m.Create(ctx, "child")
	require.NoError(t, err)

	assert.Equal(t, "child", c.ID())
	assert.Equal(t, int64(10), c.Offset())
	assert.False(t, c.Admit(msgs(10)[0]))
	assert.True(t, c.Admit(msgs(11)[0]))
	assert.True(t, m.Admit(msgs(0)[0]))
}

func TestMaster_Close(t *testing.T) {
	ctx := context.Background()
	m, err := NewMaster(ctx, "master", newTestStore(t))
	require.NoError(t, err)
	c, err := m.Create(ctx, "child")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx))

	assert.ErrorIs(t, m.Commit(ctx, msgs(1), nil, Failure{}), ErrClosed)
	_, err = m.Create(ctx, "other")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, m.Admit(msgs(1)[0]))

	// Children keep working after the master is closed.
	require.NoError(t, c.Commit(ctx, msgs(1), nil, Failure{}))
	assert.Equal(t, int64(1), c.Offset())
}

func TestMaster_CancelledLock(t *testing.T) {
	m, err := NewMaster(context.Background(), "master", newTestStore(t))
	require.NoError(t, err)
	c, err := m.Create(context.Background(), "child")
	require.NoError(t, err)

	require.NoError(t, m.lock(context.Background()))
	defer m.unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Commit(ctx, msgs(1), nil, Failure{}), context.Canceled)
	assert.ErrorIs(t, c.Propose(ctx, msgs(1)[0]), context.Canceled)
	assert.Equal(t, InvalidOffset, c.Offset())
}

func TestMaster_ConcurrentChildren(t *testing.T) {
	ctx := context.Background()
	m, err := NewMaster(ctx, "master", newTestStore(t))
	require.NoError(t, err)

	const children = 8
	var wg sync.WaitGroup
	for i := 0; i < children; i++ {
		c, err := m.Create(ctx, string(rune('a'+i)))
		require.NoError(t, err)

		wg.Add(1)
		go func(c Checkpointer) {
			defer wg.Done()
			for off := int64(0); off < 50; off++ {
				msg := msgs(off)[0]
				assert.NoError(t, c.Propose(ctx, msg))
				assert.NoError(t, c.Commit(ctx, msgs(off), nil, Failure{}))
			}
		}(c)
	}
	wg.Wait()

	assert.False(t, m.HasOutstanding())
	assert.Equal(t, int64(49), m.Offset())
}

func TestMaster_ChildCloseWithCancelledContext(t *testing.T) {
	store := newTestStore(t)
	m, err := NewMaster(context.Background(), "master", store)
	require.NoError(t, err)

	stuck, err := m.Create(context.Background(), "stuck")
	require.NoError(t, err)
	done, err := m.Create(context.Background(), "done")
	require.NoError(t, err)

	require.NoError(t, stuck.Propose(context.Background(), msgs(100)[0]))
	require.NoError(t, done.Commit(context.Background(), msgs(7), nil, Failure{}))
	require.True(t, m.HasOutstanding())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, stuck.Close(ctx))
	assert.Equal(t, []string{"done"}, m.Children())
	assert.False(t, m.HasOutstanding())
	assert.ErrorIs(t, stuck.Propose(context.Background(), msgs(101)[0]), ErrClosed)
	assert.False(t, stuck.Admit(msgs(101)[0]))

	require.NoError(t, stuck.Close(context.Background()))

	require.NoError(t, m.Commit(context.Background(), nil, nil, Failure{}))
	assert.Equal(t, int64(7), m.Offset())
}

func TestMaster_ChildCloseWithExpiredDeadline(t *testing.T) {
	m, err := NewMaster(context.Background(), "master", newTestStore(t))
	require.NoError(t, err)
	c, err := m.Create(context.Background(), "child")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	require.NoError(t, c.Close(ctx))
	assert.Empty(t, m.Children())
	assert.ErrorIs(t, c.Commit(context.Background(), msgs(1), nil, Failure{}), ErrClosed)
}
