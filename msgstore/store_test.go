// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package msgstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxedge/checkpoint"
	"github.com/absmach/fluxedge/message"
	"github.com/absmach/fluxedge/storage"
	"github.com/absmach/fluxedge/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	db          storage.Store
	checkpoints *checkpoint.EntityStore
	clock       *fakeClock
	store       *Store
}

func newTestEnv(t *testing.T, db storage.Store, opts Options) *testEnv {
	t.Helper()

	if db == nil {
		db = memory.New()
	}
	cps, err := checkpoint.NewStore(db)
	require.NoError(t, err)

	clock := newFakeClock()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	s, err := New(context.Background(), db, cps, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, s.Close(context.Background()))
	})

	return &testEnv{db: db, checkpoints: cps, clock: clock, store: s}
}

func newMessage(seq int) *message.Message {
	return message.New([]byte("payload-"+strconv.Itoa(seq)), map[string]string{"seq": strconv.Itoa(seq)})
}

func offsets(msgs []*message.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Offset)
	}
	return out
}

func refCount(t *testing.T, s *Store, id string) (int64, bool) {
	t.Helper()

	raw, err := s.bodies.Get(context.Background(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false
	}
	require.NoError(t, err)
	rec, err := decodeBody(raw)
	require.NoError(t, err)
	return rec.RefCount, true
}

func msgID(m *message.Message) string {
	id, _ := m.ID()
	return id
}

func TestQueueID(t *testing.T) {
	assert.Equal(t, "module1_Pri0", QueueID("module1", 0))
	assert.Equal(t, "module1_Pri2000000000", QueueID("module1", DefaultPriority))
}

func TestStore_AddAndReadInOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	s := env.store

	require.NoError(t, s.AddEndpoint(ctx, "module1"))
	require.NoError(t, s.AddEndpoint(ctx, "module2"))

	for i := 0; i < 10000; i++ {
		endpoint := "module1"
		if i%2 == 1 {
			endpoint = "module2"
		}
		stored, err := s.Add(ctx, endpoint, newMessage(i), 0)
		require.NoError(t, err)
		require.Equal(t, int64(i/2), stored.Offset)
	}

	for _, endpoint := range []string{"module1", "module2"} {
		it, err := s.MessageIterator(endpoint, 0)
		require.NoError(t, err)

		lastSeq := -1
		var offset int64
		for batch := 0; batch < 5; batch++ {
			msgs := it.Next(ctx, 1000)
			require.Len(t, msgs, 1000)
			for _, m := range msgs {
				seq, err := strconv.Atoi(m.Properties["seq"])
				require.NoError(t, err)
				assert.Greater(t, seq, lastSeq)
				lastSeq = seq
				assert.Equal(t, offset, m.Offset)
				offset++
			}
		}
		assert.Equal(t, int64(5000), offset)
		assert.Empty(t, it.Next(ctx, 1000))
	}
}

func TestStore_AddValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	s := env.store
	require.NoError(t, s.AddEndpoint(ctx, "module1"))

	_, err := s.Add(ctx, "module1", &message.Message{Body: []byte("x")}, 0)
	assert.ErrorIs(t, err, ErrMissingMessageID)

	_, err = s.Add(ctx, "unknown", newMessage(1), 0)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)

	_, err = s.MessageIterator("unknown", 0)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestStore_AddEndpointStartsAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	require.NoError(t, env.checkpoints.Set(ctx, "module1_Pri0", checkpoint.NewData(41)))

	require.NoError(t, env.store.AddEndpoint(ctx, "module1_Pri0"))
	require.NoError(t, env.store.AddEndpoint(ctx, "module1_Pri0"))

	stored, err := env.store.Add(ctx, "module1_Pri0", newMessage(1), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stored.Offset)
	assert.Equal(t, []string{"module1_Pri0"}, env.store.Endpoints())
}

func TestStore_RemoveAndReAddEndpoint(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	s := env.store

	require.NoError(t, s.AddEndpoint(ctx, "module1"))
	var ids []string
	for i := 0; i < 5; i++ {
		stored, err := s.Add(ctx, "module1", newMessage(i), 0)
		require.NoError(t, err)
		ids = append(ids, msgID(stored))
	}
	require.NoError(t, env.checkpoints.Set(ctx, "module1", checkpoint.NewData(2)))

	require.NoError(t, s.RemoveEndpoint(ctx, "module1"))
	assert.ErrorIs(t, s.RemoveEndpoint(ctx, "module1"), ErrUnknownEndpoint)

	_, err := s.Add(ctx, "module1", newMessage(9), 0)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
	_, err = s.MessageIterator("module1", 0)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)

	for _, id := range ids {
		_, ok := refCount(t, s, id)
		assert.False(t, ok, "body %s should be retired with the endpoint", id)
	}
	data, err := env.checkpoints.Get(ctx, "module1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.InvalidOffset, data.Offset)

	require.NoError(t, s.AddEndpoint(ctx, "module1"))
	stored, err := s.Add(ctx, "module1", newMessage(10), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Offset)

	it, err := s.MessageIterator("module1", 0)
	require.NoError(t, err)
	msgs := it.Next(ctx, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "10", msgs[0].Properties["seq"])
}

// deleteFailingStore fails DeleteLog while fail is set.
type deleteFailingStore struct {
	storage.Store
	fail atomic.Bool
	err  error
}

func (s *deleteFailingStore) DeleteLog(ctx context.Context, name string) error {
	if s.fail.Load() {
		return s.err
	}
	return s.Store.DeleteLog(ctx, name)
}

func TestStore_RemoveEndpointFailureKeepsRefCounts(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("delete log failed")
	db := &deleteFailingStore{Store: memory.New(), err: boom}
	env := newTestEnv(t, db, Options{})
	s := env.store

	require.NoError(t, s.AddEndpoint(ctx, "a"))
	require.NoError(t, s.AddEndpoint(ctx, "b"))

	shared := newMessage(1)
	_, err := s.Add(ctx, "a", shared, 0)
	require.NoError(t, err)
	_, err = s.Add(ctx, "b", shared, 0)
	require.NoError(t, err)
	only, err := s.Add(ctx, "a", newMessage(2), 0)
	require.NoError(t, err)

	count, ok := refCount(t, s, msgID(shared))
	require.True(t, ok)
	require.Equal(t, int64(2), count)

	db.fail.Store(true)
	assert.ErrorIs(t, s.RemoveEndpoint(ctx, "a"), boom)

	// The references of a were retired together with their entries.
	count, ok = refCount(t, s, msgID(shared))
	require.True(t, ok)
	assert.Equal(t, int64(1), count)
	_, ok = refCount(t, s, msgID(only))
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "b"}, s.Endpoints())
	size, err := s.Count(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, size)

	// Cleaning a past its checkpoint must not release anything again.
	require.NoError(t, env.checkpoints.Set(ctx, "a", checkpoint.NewData(10)))
	s.RunCleanup(ctx)

	count, ok = refCount(t, s, msgID(shared))
	require.True(t, ok)
	assert.Equal(t, int64(1), count)

	it, err := s.MessageIterator("b", 0)
	require.NoError(t, err)
	msgs := it.Next(ctx, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgID(shared), msgID(msgs[0]))

	// The endpoint stays usable and can be removed once the store recovers.
	_, err = s.Add(ctx, "a", newMessage(3), 0)
	require.NoError(t, err)

	db.fail.Store(false)
	require.NoError(t, s.RemoveEndpoint(ctx, "a"))
	assert.Equal(t, []string{"b"}, s.Endpoints())

	count, ok = refCount(t, s, msgID(shared))
	require.True(t, ok)
	assert.Equal(t, int64(1), count)
}

func TestStore_RemoveEndpointFailureSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("delete log failed")
	db := &deleteFailingStore{Store: memory.New(), err: boom}
	env := newTestEnv(t, db, Options{})
	s := env.store

	require.NoError(t, s.AddEndpoint(ctx, "a"))
	require.NoError(t, s.AddEndpoint(ctx, "b"))
	shared := newMessage(1)
	_, err := s.Add(ctx, "a", shared, 0)
	require.NoError(t, err)
	_, err = s.Add(ctx, "b", shared, 0)
	require.NoError(t, err)

	db.fail.Store(true)
	require.Error(t, s.RemoveEndpoint(ctx, "a"))
	require.NoError(t, s.Close(ctx))

	reopened, err := New(ctx, db, env.checkpoints, Options{Now: env.clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, reopened.Close(context.Background()))
	})

	require.NoError(t, env.checkpoints.Set(ctx, "a", checkpoint.NewData(10)))
	reopened.RunCleanup(ctx)

	count, ok := refCount(t, reopened, msgID(shared))
	require.True(t, ok)
	assert.Equal(t, int64(1), count)
}

func TestStore_RefCountAcrossQueues(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	s := env.store

	queues := []string{"a_Pri0", "b_Pri0", "c_Pri0"}
	msg := newMessage(1)
	for _, q := range queues {
		require.NoError(t, s.AddEndpoint(ctx, q))
		_, err := s.Add(ctx, q, msg, 0)
		require.NoError(t, err)
	}

	count, ok := refCount(t, s, msgID(msg))
	require.True(t, ok)
	assert.Equal(t, int64(3), count)

	// Delivered on a: its reference is retired by cleanup.
	require.NoError(t, env.checkpoints.Set(ctx, "a_Pri0", checkpoint.NewData(0)))
	s.RunCleanup(ctx)
	count, ok = refCount(t, s, msgID(msg))
	require.True(t, ok)
	assert.Equal(t, int64(2), count)

	// Cleanup is idempotent.
	s.RunCleanup(ctx)
	count, _ = refCount(t, s, msgID(msg))
	assert.Equal(t, int64(2), count)

	require.NoError(t, s.RemoveEndpoint(ctx, "b_Pri0"))
	count, ok = refCount(t, s, msgID(msg))
	require.True(t, ok)
	assert.Equal(t, int64(1), count)

	require.NoError(t, env.checkpoints.Set(ctx, "c_Pri0", checkpoint.NewData(0)))
	s.RunCleanup(ctx)
	_, ok = refCount(t, s, msgID(msg))
	assert.False(t, ok)
}

func TestStore_BodyStoredOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{Codec: message.NewCodec(message.CompressionZstd)})
	s := env.store

	require.NoError(t, s.AddEndpoint(ctx, "a"))
	require.NoError(t, s.AddEndpoint(ctx, "b"))

	msg := newMessage(1)
	_, err := s.Add(ctx, "a", msg, 0)
	require.NoError(t, err)

	changed := msg.Clone()
	changed.Body = []byte("ignored")
	_, err = s.Add(ctx, "b", changed, 0)
	require.NoError(t, err)

	it, err := s.MessageIterator("b", 0)
	require.NoError(t, err)
	msgs := it.Next(ctx, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, "payload-1", string(msgs[0].Body))
	assert.Equal(t, env.clock.Now(), msgs[0].CreatedAt.UTC())
	assert.NotEmpty(t, msgs[0].SystemProperties[message.EnqueuedTimeProperty])
}

type failingLog struct {
	storage.SequentialLog
	err error
}

func (l *failingLog) Append(ctx context.Context, value []byte) (int64, error) {
	return 0, l.err
}

type failingStore struct {
	storage.Store
	err error
}

func (s *failingStore) CreateLog(ctx context.Context, name string, headOffset int64) (storage.SequentialLog, error) {
	l, err := s.Store.CreateLog(ctx, name, headOffset)
	if err != nil {
		return nil, err
	}
	if name == "broken" {
		return &failingLog{SequentialLog: l, err: s.err}, nil
	}
	return l, nil
}

func TestStore_AddRollsBackOnAppendFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("log append failed")
	env := newTestEnv(t, &failingStore{Store: memory.New(), err: boom}, Options{})
	s := env.store

	require.NoError(t, s.AddEndpoint(ctx, "ok"))
	require.NoError(t, s.AddEndpoint(ctx, "broken"))

	// First reference: the body is removed again.
	fresh := newMessage(1)
	_, err := s.Add(ctx, "broken", fresh, 0)
	assert.ErrorIs(t, err, boom)
	_, ok := refCount(t, s, msgID(fresh))
	assert.False(t, ok)

	// Body referenced elsewhere: only the failed reference is undone.
	shared := newMessage(2)
	_, err = s.Add(ctx, "ok", shared, 0)
	require.NoError(t, err)
	_, err = s.Add(ctx, "broken", shared, 0)
	assert.ErrorIs(t, err, boom)
	count, ok := refCount(t, s, msgID(shared))
	require.True(t, ok)
	assert.Equal(t, int64(1), count)
}

func TestStore_TTLExpiryOnRead(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	s := env.store
	require.NoError(t, s.AddEndpoint(ctx, "q"))

	_, err := s.Add(ctx, "q", newMessage(1), 10*time.Second)
	require.NoError(t, err)
	_, err = s.Add(ctx, "q", newMessage(2), 0)
	require.NoError(t, err)

	env.clock.Advance(9 * time.Second)
	it, err := s.MessageIterator("q", 0)
	require.NoError(t, err)
	assert.Len(t, it.Next(ctx, 10), 2)

	env.clock.Advance(time.Second)
	it, err = s.MessageIterator("q", 0)
	require.NoError(t, err)
	msgs := it.Next(ctx, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "2", msgs[0].Properties["seq"])
	assert.Equal(t, int64(2), it.Offset())
}

func TestStore_SetTimeToLiveNotRetroactive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{TimeToLive: time.Hour})
	s := env.store
	require.NoError(t, s.AddEndpoint(ctx, "q"))

	_, err := s.Add(ctx, "q", newMessage(1), 0)
	require.NoError(t, err)

	s.SetTimeToLive(time.Minute)
	assert.Equal(t, time.Minute, s.TimeToLive())
	_, err = s.Add(ctx, "q", newMessage(2), 0)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	it, err := s.MessageIterator("q", 0)
	require.NoError(t, err)
	msgs := it.Next(ctx, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].Properties["seq"])
}

func TestStore_IteratorSkipsHolesAndMissingBodies(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{CheckEntireQueueOnCleanup: true})
	s := env.store
	require.NoError(t, s.AddEndpoint(ctx, "q"))

	var stored []*message.Message
	for i := 0; i < 6; i++ {
		m, err := s.Add(ctx, "q", newMessage(i), time.Hour)
		require.NoError(t, err)
		stored = append(stored, m)
	}

	// Hole at offset 1, missing body at offset 2.
	log, err := env.db.Log("q")
	require.NoError(t, err)
	removed, err := log.RemoveOffset(ctx, func(context.Context, int64, []byte) (bool, error) { return true, nil }, 1)
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, s.bodies.Remove(ctx, msgID(stored[2])))

	it, err := s.MessageIterator("q", 0)
	require.NoError(t, err)

	first := it.Next(ctx, 3)
	assert.Equal(t, []int64{0, 3}, offsets(first))
	assert.Equal(t, int64(4), it.Offset())

	rest := it.Next(ctx, 3)
	assert.Equal(t, []int64{4, 5}, offsets(rest))

	count, err := s.Count(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

// flakyBodies fails Get for one message id while failing is set.
type flakyBodies struct {
	storage.EntityStore
	failing atomic.Bool
	id      string
	err     error
	// stale makes the next Update first run fn against a last-reference
	// record and discard the result, as a retried transaction would.
	stale atomic.Bool
}

func (b *flakyBodies) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	if b.stale.CompareAndSwap(true, false) {
		old, err := encodeBody(bodyRecord{RefCount: 1})
		if err != nil {
			return err
		}
		if _, err := fn(old, true); err != nil {
			return err
		}
	}
	return b.EntityStore.Update(ctx, key, fn)
}

func (b *flakyBodies) Get(ctx context.Context, key string) ([]byte, error) {
	if b.failing.Load() && key == b.id {
		return nil, b.err
	}
	return b.EntityStore.Get(ctx, key)
}

type flakyStore struct {
	storage.Store
	bodies *flakyBodies
}

func (s *flakyStore) Entities(name string) (storage.EntityStore, error) {
	es, err := s.Store.Entities(name)
	if err != nil || name != BodiesTable {
		return es, err
	}
	s.bodies.EntityStore = es
	return s.bodies, nil
}

func TestStore_IteratorStopsBeforeReadFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("read failed")
	bodies := &flakyBodies{err: boom}
	env := newTestEnv(t, &flakyStore{Store: memory.New(), bodies: bodies}, Options{})
	s := env.store
	require.NoError(t, s.AddEndpoint(ctx, "q"))

	var stored []*message.Message
	for i := 0; i < 4; i++ {
		m, err := s.Add(ctx, "q", newMessage(i), time.Hour)
		require.NoError(t, err)
		stored = append(stored, m)
	}
	bodies.id = msgID(stored[2])
	bodies.failing.Store(true)

	it, err := s.MessageIterator("q", 0)
	require.NoError(t, err)

	first := it.Next(ctx, 4)
	assert.Equal(t, []int64{0, 1}, offsets(first))
	assert.Equal(t, int64(2), it.Offset())

	bodies.failing.Store(false)
	rest := it.Next(ctx, 4)
	assert.Equal(t, []int64{2, 3}, offsets(rest))
}

func TestStore_ReleaseRetriedUpdate(t *testing.T) {
	ctx := context.Background()
	bodies := &flakyBodies{}
	env := newTestEnv(t, &flakyStore{Store: memory.New(), bodies: bodies}, Options{})
	s := env.store
	require.NoError(t, s.AddEndpoint(ctx, "a"))
	require.NoError(t, s.AddEndpoint(ctx, "b"))

	shared := newMessage(1)
	_, err := s.Add(ctx, "a", shared, 0)
	require.NoError(t, err)
	_, err = s.Add(ctx, "b", shared, 0)
	require.NoError(t, err)

	bodies.stale.Store(true)
	deleted, err := s.release(ctx, msgID(shared))
	require.NoError(t, err)
	assert.False(t, deleted)

	count, ok := refCount(t, s, msgID(shared))
	require.True(t, ok)
	assert.Equal(t, int64(1), count)

	deleted, err = s.release(ctx, msgID(shared))
	require.NoError(t, err)
	assert.True(t, deleted)
	_, ok = refCount(t, s, msgID(shared))
	assert.False(t, ok)
}

func TestStore_IteratorAfterRemoveReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	s := env.store
	require.NoError(t, s.AddEndpoint(ctx, "q"))
	_, err := s.Add(ctx, "q", newMessage(1), 0)
	require.NoError(t, err)

	it, err := s.MessageIterator("q", 0)
	require.NoError(t, err)
	require.NoError(t, s.RemoveEndpoint(ctx, "q"))

	msgs := it.Next(ctx, 10)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestStore_CountHeadOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, Options{})
	s := env.store
	require.NoError(t, s.AddEndpoint(ctx, "q"))

	count, err := s.Count(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	for i := 0; i < 4; i++ {
		_, err := s.Add(ctx, "q", newMessage(i), 0)
		require.NoError(t, err)
	}
	require.NoError(t, env.checkpoints.Set(ctx, "q", checkpoint.NewData(1)))
	s.RunCleanup(ctx)

	count, err = s.Count(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStore_ReopensPersistedQueues(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	cps, err := checkpoint.NewStore(db)
	require.NoError(t, err)

	first, err := New(ctx, db, cps, Options{})
	require.NoError(t, err)
	require.NoError(t, first.AddEndpoint(ctx, "module1_Pri0"))
	_, err = first.Add(ctx, "module1_Pri0", newMessage(1), 0)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))
	require.NoError(t, first.Close(ctx))

	_, err = first.Add(ctx, "module1_Pri0", newMessage(2), 0)
	assert.ErrorIs(t, err, ErrClosed)

	second, err := New(ctx, db, cps, Options{})
	require.NoError(t, err)
	defer second.Close(ctx)

	assert.Equal(t, []string{"module1_Pri0"}, second.Endpoints())
	stored, err := second.Add(ctx, "module1_Pri0", newMessage(2), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Offset)
}
