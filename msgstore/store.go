// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package msgstore persists messages for delivery to endpoints. A body is
// stored once and reference counted; every endpoint queue is a sequential log
// of references to bodies. A background cleanup process removes references
// that are delivered or expired and deletes bodies no queue refers to.
package msgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxedge/checkpoint"
	"github.com/absmach/fluxedge/message"
	"github.com/absmach/fluxedge/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BodiesTable is the entity table message bodies are stored in.
const BodiesTable = "messages"

// DefaultPriority is the priority of routes that do not set one.
const DefaultPriority uint32 = 2000000000

// Common errors.
var (
	ErrUnknownEndpoint  = errors.New("unknown endpoint")
	ErrMissingMessageID = errors.New("message has no id")
	ErrClosed           = errors.New("message store is closed")
)

// QueueID returns the queue id of an endpoint at a priority. It names both
// the sequential log and the checkpoint of the queue.
func QueueID(endpointID string, priority uint32) string {
	return endpointID + "_Pri" + strconv.FormatUint(uint64(priority), 10)
}

// endpoint is an open endpoint queue.
type endpoint struct {
	id  string
	log storage.SequentialLog

	// addMu is held for reading by Add and for writing on removal, so no
	// reference is appended once the queue is retired.
	addMu   sync.RWMutex
	removed bool

	// cleanMu serializes cleanup and removal of the queue.
	cleanMu sync.Mutex
}

// Store is the message store.
type Store struct {
	db          storage.Store
	bodies      storage.EntityStore
	checkpoints checkpoint.Store
	opts        Options
	logger      *slog.Logger

	ttl atomic.Int64

	mu        sync.RWMutex
	endpoints map[string]*endpoint

	cleanup   *cleanupProcessor
	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a message store over db, reopens every persisted endpoint
// queue and starts cleanup.
func New(ctx context.Context, db storage.Store, checkpoints checkpoint.Store, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	bodies, err := db.Entities(BodiesTable)
	if err != nil {
		return nil, fmt.Errorf("failed to open bodies table: %w", err)
	}

	s := &Store{
		db:          db,
		bodies:      bodies,
		checkpoints: checkpoints,
		opts:        opts,
		logger:      opts.Logger,
		endpoints:   make(map[string]*endpoint),
	}
	s.ttl.Store(int64(opts.TimeToLive))

	names, err := db.Logs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	for _, name := range names {
		log, err := db.Log(name)
		if err != nil {
			return nil, fmt.Errorf("failed to open queue %s: %w", name, err)
		}
		s.endpoints[name] = &endpoint{id: name, log: log}
	}

	s.cleanup = newCleanupProcessor(s)
	if !opts.DisableCleanup {
		s.cleanup.start()
	}

	s.logger.Info("message store started",
		slog.Int("endpoints", len(names)),
		slog.Duration("ttl", opts.TimeToLive),
		slog.Bool("check_entire_queue", opts.CheckEntireQueueOnCleanup))

	return s, nil
}

// AddEndpoint opens the queue of endpointID. A new queue starts right after
// the endpoint's checkpoint so checkpointed messages are never replayed.
func (s *Store) AddEndpoint(ctx context.Context, endpointID string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[endpointID]; ok {
		return nil
	}

	data, err := s.checkpoints.Get(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint of %s: %w", endpointID, err)
	}
	log, err := s.db.CreateLog(ctx, endpointID, data.Offset+1)
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", endpointID, err)
	}
	s.endpoints[endpointID] = &endpoint{id: endpointID, log: log}

	s.logger.Info("endpoint added",
		slog.String("queue", endpointID),
		slog.Int64("checkpoint", data.Offset))
	return nil
}

// RemoveEndpoint drops the queue of endpointID. Every reference it still
// holds is removed and released one at a time, then the log and the endpoint
// checkpoint are deleted. If the log cannot be deleted the endpoint stays
// open with the references not yet retired.
func (s *Store) RemoveEndpoint(ctx context.Context, endpointID string) error {
	ep, err := s.endpoint(endpointID)
	if err != nil {
		return err
	}

	ep.addMu.Lock()
	if ep.removed {
		ep.addMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}
	ep.removed = true
	ep.addMu.Unlock()

	ep.cleanMu.Lock()
	defer ep.cleanMu.Unlock()

	retired, err := s.retireAll(ctx, ep)
	if err == nil {
		err = s.db.DeleteLog(ctx, endpointID)
	}
	if err != nil {
		ep.addMu.Lock()
		ep.removed = false
		ep.addMu.Unlock()
		return fmt.Errorf("failed to remove queue %s after retiring %d references: %w", endpointID, retired, err)
	}

	s.mu.Lock()
	delete(s.endpoints, endpointID)
	s.mu.Unlock()

	if err := s.checkpoints.Remove(ctx, endpointID); err != nil {
		return fmt.Errorf("queue %s removed but its checkpoint was kept: %w", endpointID, err)
	}

	s.logger.Info("endpoint removed",
		slog.String("queue", endpointID),
		slog.Int64("retired", retired))
	return nil
}

// Add stores msg for endpointID and returns it with its queue offset. The
// body is written before the reference so a reader never sees a reference
// without its body. A ttl of zero uses the store default.
func (s *Store) Add(ctx context.Context, endpointID string, msg *message.Message, ttl time.Duration) (*message.Message, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	id, ok := msg.ID()
	if !ok {
		return nil, ErrMissingMessageID
	}

	ep, err := s.endpoint(endpointID)
	if err != nil {
		return nil, err
	}

	ctx, span := s.opts.Tracer.Start(ctx, "msgstore.add",
		trace.WithAttributes(
			attribute.String("queue", endpointID),
			attribute.String("message.id", id),
		))
	defer span.End()

	ep.addMu.RLock()
	defer ep.addMu.RUnlock()
	if ep.removed {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}

	if ttl <= 0 {
		ttl = s.TimeToLive()
	}
	now := s.opts.Now()

	if err := s.retain(ctx, id, msg, now); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ref, err := encodeRef(refRecord{MessageID: id, EnqueuedAt: now.UnixNano(), TimeToLive: int64(ttl)})
	if err != nil {
		s.rollback(ctx, endpointID, id)
		return nil, err
	}
	offset, err := ep.log.Append(ctx, ref)
	if err != nil {
		s.rollback(ctx, endpointID, id)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to append to %s: %w", endpointID, err)
	}

	s.opts.Metrics.RecordStored(ctx, endpointID)

	stored := msg.Clone()
	stored.Offset = offset
	stored.EnqueuedAt = now
	return stored, nil
}

// MessageIterator returns a cursor over the queue of endpointID starting at
// startOffset.
func (s *Store) MessageIterator(endpointID string, startOffset int64) (*Iterator, error) {
	if _, err := s.endpoint(endpointID); err != nil {
		return nil, err
	}
	return &Iterator{store: s, endpointID: endpointID, next: max(startOffset, 0)}, nil
}

// SetTimeToLive changes the default TTL of messages added from now on.
func (s *Store) SetTimeToLive(ttl time.Duration) {
	s.ttl.Store(int64(ttl))
	s.logger.Info("message time to live updated", slog.Duration("ttl", ttl))
}

// TimeToLive returns the current default TTL.
func (s *Store) TimeToLive() time.Duration {
	return time.Duration(s.ttl.Load())
}

// Endpoints returns the ids of open endpoint queues in order.
func (s *Store) Endpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.endpoints))
	for id := range s.endpoints {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of references in the queue of endpointID. In
// head-only mode it is derived from the head and tail offsets.
func (s *Store) Count(ctx context.Context, endpointID string) (int64, error) {
	ep, err := s.endpoint(endpointID)
	if err != nil {
		return 0, err
	}
	if s.opts.CheckEntireQueueOnCleanup {
		return ep.log.Count(ctx)
	}

	head, err := ep.log.HeadOffset(ctx)
	if err != nil {
		return 0, err
	}
	tail, err := ep.log.TailOffset(ctx)
	if err != nil {
		return 0, err
	}
	return max(tail-head+1, 0), nil
}

// RunCleanup runs one cleanup pass over every queue and waits for it.
func (s *Store) RunCleanup(ctx context.Context) {
	s.cleanup.pass(ctx)
}

// Close stops cleanup, waiting a bounded time for the current pass. The
// underlying storage is owned by the caller and stays open.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.cleanup.stop(ctx)
		s.logger.Info("message store closed")
	})
	return err
}

func (s *Store) endpoint(endpointID string) (*endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.endpoints[endpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpointID)
	}
	return ep, nil
}

func (s *Store) snapshot() []*endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eps := make([]*endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	slices.SortFunc(eps, func(a, b *endpoint) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return eps
}

// retain creates the body of id or increments its ref count.
func (s *Store) retain(ctx context.Context, id string, msg *message.Message, now time.Time) error {
	err := s.bodies.Update(ctx, id, func(current []byte, found bool) ([]byte, error) {
		if found {
			rec, err := decodeBody(current)
			if err != nil {
				return nil, err
			}
			rec.RefCount++
			return encodeBody(rec)
		}

		created := msg
		if created.CreatedAt.IsZero() {
			created = msg.Clone()
			created.CreatedAt = now
		}
		payload, err := s.opts.Codec.Encode(created)
		if err != nil {
			return nil, err
		}
		return encodeBody(bodyRecord{Payload: payload, Timestamp: now.UnixNano(), RefCount: 1})
	})
	if err != nil {
		return fmt.Errorf("failed to store message %s: %w", id, err)
	}
	return nil
}

// release decrements the ref count of id and deletes the body at zero. It
// reports whether the body was deleted.
func (s *Store) release(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.bodies.Update(ctx, id, func(current []byte, found bool) ([]byte, error) {
		// Update may run fn more than once on conflict.
		deleted = false
		if !found {
			return nil, nil
		}
		rec, err := decodeBody(current)
		if err != nil {
			return nil, err
		}
		rec.RefCount--
		if rec.RefCount <= 0 {
			deleted = true
			return nil, nil
		}
		return encodeBody(rec)
	})
	if err != nil {
		return false, fmt.Errorf("failed to release message %s: %w", id, err)
	}
	return deleted, nil
}

// rollback undoes retain after a failed append. It runs even if ctx is
// cancelled, since the body would otherwise never be cleaned.
func (s *Store) rollback(ctx context.Context, endpointID, id string) {
	if _, err := s.release(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Error("failed to roll back message body",
			slog.String("queue", endpointID),
			slog.String("message_id", id),
			slog.String("error", err.Error()))
	}
}

// retireAll removes every entry left in the queue of ep, releasing each body
// right after its reference is gone. A failure leaves the remaining entries
// and their ref counts untouched.
func (s *Store) retireAll(ctx context.Context, ep *endpoint) (int64, error) {
	var retired int64
	for {
		if err := ctx.Err(); err != nil {
			return retired, err
		}

		var (
			ref     refRecord
			corrupt error
		)
		removed, err := ep.log.RemoveFirst(ctx, func(_ context.Context, _ int64, value []byte) (bool, error) {
			ref, corrupt = decodeRef(value)
			return true, nil
		})
		if err != nil {
			return retired, err
		}
		if !removed {
			return retired, nil
		}
		if corrupt != nil {
			s.logger.Warn("dropping corrupt queue entry",
				slog.String("queue", ep.id),
				slog.String("error", corrupt.Error()))
			continue
		}
		if _, err := s.release(ctx, ref.MessageID); err != nil {
			return retired, err
		}
		retired++
	}
}
