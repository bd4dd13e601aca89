// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/fluxedge/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var _ Checkpointer = (*Master)(nil)

// Master aggregates child checkpointers into a single persisted offset.
// Children propose and commit under the master's lock, so the aggregate is
// never ahead of a child with outstanding work.
type Master struct {
	self  *QueueCheckpointer
	store Store
	opts  []Option

	// sem is the lock shared with all children.
	sem *semaphore.Weighted

	mu       sync.RWMutex
	children map[string]*QueueCheckpointer
}

// NewMaster loads the aggregate checkpoint id from store.
func NewMaster(ctx context.Context, id string, store Store, opts ...Option) (*Master, error) {
	self, err := Create(ctx, id, store, opts...)
	if err != nil {
		return nil, err
	}

	return &Master{
		self:     self,
		store:    store,
		opts:     opts,
		sem:      semaphore.NewWeighted(1),
		children: make(map[string]*QueueCheckpointer),
	}, nil
}

// Create builds a checkpointer for childID on the master's store and
// registers it.
func (m *Master) Create(ctx context.Context, childID string) (Checkpointer, error) {
	if m.self.isClosed() {
		return nil, fmt.Errorf("create %s: %w", childID, ErrClosed)
	}

	cp, err := Create(ctx, childID, m.store, m.opts...)
	if err != nil {
		return nil, err
	}

	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	m.mu.Lock()
	m.children[childID] = cp
	m.mu.Unlock()

	m.self.opts.logger.Debug("child checkpointer registered",
		slog.String("checkpoint", m.self.id),
		slog.String("child", childID),
		slog.Int64("offset", cp.Offset()))

	return &child{id: childID, cp: cp, reg: m}, nil
}

// Children returns the ids of registered children.
func (m *Master) Children() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.children))
	for id := range m.children {
		ids = append(ids, id)
	}
	return ids
}

// ID returns the aggregate checkpoint id.
func (m *Master) ID() string {
	return m.self.ID()
}

// Offset returns the aggregate offset.
func (m *Master) Offset() int64 {
	return m.self.Offset()
}

// Proposed returns the highest offset proposed by any child.
func (m *Master) Proposed() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	proposed := m.self.Offset()
	for _, c := range m.children {
		proposed = max(proposed, c.Proposed())
	}
	return proposed
}

// HasOutstanding reports whether any child has outstanding work.
func (m *Master) HasOutstanding() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.children {
		if c.HasOutstanding() {
			return true
		}
	}
	return false
}

// LastFailedRevivalTime returns the aggregate failure metadata.
func (m *Master) LastFailedRevivalTime() *time.Time {
	return m.self.LastFailedRevivalTime()
}

// UnhealthySince returns the aggregate failure metadata.
func (m *Master) UnhealthySince() *time.Time {
	return m.self.UnhealthySince()
}

// Propose is only supported on children.
func (m *Master) Propose(ctx context.Context, msg *message.Message) error {
	return fmt.Errorf("propose on master %s: %w", m.self.id, ErrNotSupported)
}

// Admit reports whether msg is past the aggregate offset.
func (m *Master) Admit(msg *message.Message) bool {
	return m.self.Admit(msg)
}

// Commit recomputes the aggregate offset from the children. The given
// messages only matter once no child is outstanding.
func (m *Master) Commit(ctx context.Context, successful, remaining []*message.Message, failure Failure) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.unlock()

	return m.recompute(ctx, successful, remaining, failure)
}

// Close flushes the aggregate offset. Children are closed by their owners.
func (m *Master) Close(ctx context.Context) error {
	return m.self.Close(ctx)
}

// recompute must be called with the shared lock held.
func (m *Master) recompute(ctx context.Context, successful, remaining []*message.Message, failure Failure) error {
	if m.self.isClosed() {
		return fmt.Errorf("commit on master %s: %w", m.self.id, ErrClosed)
	}

	ctx, span := m.self.opts.tracer.Start(ctx, "checkpoint.master.commit",
		trace.WithAttributes(attribute.String("checkpoint.id", m.self.id)))
	defer span.End()

	current := m.self.Offset()
	derived := committedOffset(current, successful, remaining)

	m.mu.RLock()
	outstanding := int64(math.MaxInt64)
	completed := InvalidOffset
	hasOutstanding := false
	for _, c := range m.children {
		if c.HasOutstanding() {
			hasOutstanding = true
			outstanding = min(outstanding, c.Offset())
		} else {
			completed = max(completed, c.Offset())
		}
	}
	m.mu.RUnlock()

	offset := max(completed, derived)
	if hasOutstanding {
		offset = outstanding
	}
	offset = max(offset, current)

	span.SetAttributes(attribute.Int64("checkpoint.offset", offset))
	return m.self.advance(ctx, offset, failure)
}

func (m *Master) lock(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

func (m *Master) unlock() {
	m.sem.Release(1)
}

// unregister drops childID from the aggregate. Must be called with the shared
// lock held.
func (m *Master) unregister(childID string) {
	m.mu.Lock()
	delete(m.children, childID)
	m.mu.Unlock()

	m.self.opts.logger.Debug("child checkpointer unregistered",
		slog.String("checkpoint", m.self.id),
		slog.String("child", childID))
}

// recomputeFromChild refreshes the aggregate after a child commit, keeping
// the master's own failure metadata. A closed master is left untouched. Must
// be called with the shared lock held.
func (m *Master) recomputeFromChild(ctx context.Context, successful, remaining []*message.Message) error {
	if m.self.isClosed() {
		return nil
	}
	return m.recompute(ctx, successful, remaining, m.self.failure())
}
