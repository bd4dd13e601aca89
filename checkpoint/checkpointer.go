// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint tracks how far each endpoint queue has been durably
// drained. A QueueCheckpointer follows one queue; a Master aggregates many
// of them into one persisted watermark that never regresses.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxedge/message"
	"github.com/absmach/fluxedge/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Common errors.
var (
	ErrClosed           = errors.New("checkpointer is closed")
	ErrNotSupported     = errors.New("operation not supported")
	ErrOffsetRegression = errors.New("checkpoint offset cannot decrease")
)

// Checkpointer tracks the progress of a message stream.
type Checkpointer interface {
	ID() string

	// Offset is the last offset whose effects are durably applied.
	Offset() int64

	// Proposed is the highest offset an in-flight batch claims it will reach.
	Proposed() int64

	// HasOutstanding reports whether proposed work is not yet committed.
	HasOutstanding() bool

	LastFailedRevivalTime() *time.Time
	UnhealthySince() *time.Time

	// Propose records that msg is about to be processed.
	Propose(ctx context.Context, msg *message.Message) error

	// Admit reports whether msg has not been processed yet.
	Admit(msg *message.Message) bool

	// Commit advances the checkpoint past successful messages, but never past
	// the oldest message in remaining.
	Commit(ctx context.Context, successful, remaining []*message.Message, failure Failure) error

	// Close flushes the offset and rejects further use. It is idempotent.
	Close(ctx context.Context) error
}

// Failure carries endpoint health metadata persisted with the offset.
type Failure struct {
	LastFailedRevivalTime *time.Time
	UnhealthySince        *time.Time
}

// Option configures a checkpointer.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer sets the tracer used for commit spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.Noop()
	}
	if o.tracer == nil {
		o.tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	return o
}

var _ Checkpointer = (*QueueCheckpointer)(nil)

// QueueCheckpointer is the checkpointer of a single queue. It expects one
// consumer; Admit is safe for concurrent use.
type QueueCheckpointer struct {
	id    string
	store Store
	opts  options

	mu                sync.RWMutex
	offset            int64
	proposed          int64
	lastFailedRevival *time.Time
	unhealthySince    *time.Time
	closed            bool
}

// Create loads the persisted state of id and returns its checkpointer.
func Create(ctx context.Context, id string, store Store, opts ...Option) (*QueueCheckpointer, error) {
	data, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return &QueueCheckpointer{
		id:                id,
		store:             store,
		opts:              newOptions(opts),
		offset:            data.Offset,
		proposed:          data.Offset,
		lastFailedRevival: data.LastFailedRevivalTime,
		unhealthySince:    data.UnhealthySince,
	}, nil
}

// ID returns the checkpoint id.
func (c *QueueCheckpointer) ID() string {
	return c.id
}

// Offset returns the committed offset.
func (c *QueueCheckpointer) Offset() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Proposed returns the highest proposed offset.
func (c *QueueCheckpointer) Proposed() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proposed
}

// HasOutstanding reports whether a proposed offset is not yet committed.
func (c *QueueCheckpointer) HasOutstanding() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proposed > c.offset
}

// LastFailedRevivalTime returns when the last revival attempt failed.
func (c *QueueCheckpointer) LastFailedRevivalTime() *time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFailedRevival
}

// UnhealthySince returns when the endpoint became unhealthy.
func (c *QueueCheckpointer) UnhealthySince() *time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unhealthySince
}

// Propose raises the proposed offset to msg's offset.
func (c *QueueCheckpointer) Propose(ctx context.Context, msg *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("propose on %s: %w", c.id, ErrClosed)
	}
	c.proposed = max(c.proposed, msg.Offset)
	return nil
}

// Admit reports whether msg is past the committed offset.
func (c *QueueCheckpointer) Admit(msg *message.Message) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && msg.Offset > c.offset
}

// Commit persists the offset reached by successful without skipping any
// message in remaining. Nothing is written if the offset does not advance.
func (c *QueueCheckpointer) Commit(ctx context.Context, successful, remaining []*message.Message, failure Failure) error {
	ctx, span := c.opts.tracer.Start(ctx, "checkpoint.commit",
		trace.WithAttributes(
			attribute.String("checkpoint.id", c.id),
			attribute.Int("checkpoint.successful", len(successful)),
			attribute.Int("checkpoint.remaining", len(remaining)),
		))
	defer span.End()

	c.mu.RLock()
	closed, current := c.closed, c.offset
	c.mu.RUnlock()
	if closed {
		return fmt.Errorf("commit on %s: %w", c.id, ErrClosed)
	}

	return c.advance(ctx, committedOffset(current, successful, remaining), failure)
}

// Close flushes the current offset and marks the checkpointer closed.
// A cancelled flush still closes it.
func (c *QueueCheckpointer) Close(ctx context.Context) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil
	}
	data := Data{
		Offset:                c.offset,
		LastFailedRevivalTime: c.lastFailedRevival,
		UnhealthySince:        c.unhealthySince,
	}
	c.mu.RUnlock()

	if err := c.store.Set(ctx, c.id, data); err != nil && !isCancellation(err) {
		return err
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// advance persists offset and then applies it in memory, so a failed or
// cancelled write leaves both at the previous value. Failure metadata is
// always kept in memory but only written together with a new offset.
func (c *QueueCheckpointer) advance(ctx context.Context, offset int64, failure Failure) error {
	c.mu.RLock()
	current := c.offset
	c.mu.RUnlock()

	if offset < current {
		return fmt.Errorf("%w: %s from %d to %d", ErrOffsetRegression, c.id, current, offset)
	}

	if offset > current {
		data := Data{
			Offset:                offset,
			LastFailedRevivalTime: failure.LastFailedRevivalTime,
			UnhealthySince:        failure.UnhealthySince,
		}
		if err := c.store.Set(ctx, c.id, data); err != nil {
			return err
		}
		c.opts.metrics.RecordCommit(ctx, c.id)
		c.opts.logger.Debug("checkpoint advanced",
			slog.String("checkpoint", c.id),
			slog.Int64("from", current),
			slog.Int64("offset", offset))
	}

	c.mu.Lock()
	c.offset = max(c.offset, offset)
	c.lastFailedRevival = failure.LastFailedRevivalTime
	c.unhealthySince = failure.UnhealthySince
	c.mu.Unlock()
	return nil
}

func (c *QueueCheckpointer) failure() Failure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Failure{LastFailedRevivalTime: c.lastFailedRevival, UnhealthySince: c.unhealthySince}
}

func (c *QueueCheckpointer) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// committedOffset returns the highest offset that can be committed from
// current. With remaining messages, only successful offsets strictly below
// the oldest remaining one count.
func committedOffset(current int64, successful, remaining []*message.Message) int64 {
	offset := current
	if len(remaining) == 0 {
		for _, m := range successful {
			offset = max(offset, m.Offset)
		}
		return offset
	}

	minRemaining := remaining[0].Offset
	for _, m := range remaining[1:] {
		minRemaining = min(minRemaining, m.Offset)
	}
	for _, m := range successful {
		if m.Offset < minRemaining {
			offset = max(offset, m.Offset)
		}
	}
	return offset
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
