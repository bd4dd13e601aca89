// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package msgstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxedge/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Cleanup timing. Variables so tests can shorten them.
var (
	// minCleanupSleep bounds store load regardless of the configured interval.
	minCleanupSleep = 30 * time.Second

	// maxDerivedSleep caps the pause derived from the TTL.
	maxDerivedSleep = 30 * time.Minute

	// watchdogInterval is how often a dead cleanup worker is restarted.
	watchdogInterval = 30 * time.Minute

	// closeGracePeriod is how long Close waits for an in-flight pass.
	closeGracePeriod = 10 * time.Second
)

// cleanupProcessor runs cleanup passes in a worker goroutine under a
// supervisor that restarts the worker whenever it has stopped.
type cleanupProcessor struct {
	store  *Store
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	started    bool
	workerDone chan struct{}
	restarts   int

	done chan struct{}
}

func newCleanupProcessor(s *Store) *cleanupProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &cleanupProcessor{
		store:  s,
		logger: s.logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *cleanupProcessor) start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.supervise()
}

// stop cancels the loop and waits for it up to closeGracePeriod or until ctx
// is done, then abandons it.
func (c *cleanupProcessor) stop(ctx context.Context) error {
	c.cancel()

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}

	timer := time.NewTimer(closeGracePeriod)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil
	case <-timer.C:
		c.logger.Warn("cleanup did not stop within grace period, abandoning it",
			slog.Duration("grace_period", closeGracePeriod))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *cleanupProcessor) supervise() {
	defer close(c.done)

	c.ensureRunning()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.mu.Lock()
			workerDone := c.workerDone
			c.mu.Unlock()
			if workerDone != nil {
				<-workerDone
			}
			return
		case <-ticker.C:
			c.ensureRunning()
		}
	}
}

// ensureRunning starts a worker if none is running.
func (c *cleanupProcessor) ensureRunning() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if c.workerDone != nil {
		select {
		case <-c.workerDone:
			c.restarts++
			c.logger.Warn("cleanup worker stopped, restarting", slog.Int("restarts", c.restarts))
		default:
			return
		}
	}

	done := make(chan struct{})
	c.workerDone = done
	go c.work(done)
}

func (c *cleanupProcessor) work(done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cleanup worker panicked", slog.Any("panic", r))
		}
	}()

	for {
		c.pass(c.ctx)

		timer := time.NewTimer(c.sleepInterval())
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// sleepInterval is the configured interval, or half the TTL capped at
// maxDerivedSleep, never below minCleanupSleep.
func (c *cleanupProcessor) sleepInterval() time.Duration {
	d := c.store.opts.CleanupInterval
	if d <= 0 {
		d = min(c.store.TimeToLive()/2, maxDerivedSleep)
	}
	return max(d, minCleanupSleep)
}

// pass cleans every endpoint queue. A failing queue does not stop the others.
func (c *cleanupProcessor) pass(ctx context.Context) {
	s := c.store
	start := time.Now()

	ctx, span := s.opts.Tracer.Start(ctx, "msgstore.cleanup")
	defer span.End()

	var total int64
	for _, ep := range s.snapshot() {
		if ctx.Err() != nil {
			return
		}

		cleaned, err := c.cleanQueue(ctx, ep)
		total += cleaned
		if err != nil {
			if isCancellation(err) {
				return
			}
			s.opts.Metrics.RecordCleanupError(ctx, ep.id)
			c.logger.Error("failed to clean queue",
				slog.String("queue", ep.id),
				slog.String("error", err.Error()))
		}
	}

	span.SetAttributes(attribute.Int64("cleanup.removed", total))
	s.opts.Metrics.RecordCleanupPass(ctx, time.Since(start))
	c.logger.Debug("cleanup pass finished",
		slog.Int64("removed", total),
		slog.Duration("duration", time.Since(start)))
}

// cleanQueue removes every reference at or below the queue checkpoint and
// every expired one, releasing their bodies.
func (c *cleanupProcessor) cleanQueue(ctx context.Context, ep *endpoint) (int64, error) {
	s := c.store

	ep.cleanMu.Lock()
	defer ep.cleanMu.Unlock()

	ep.addMu.RLock()
	removed := ep.removed
	ep.addMu.RUnlock()
	if removed {
		return 0, nil
	}

	ctx, span := s.opts.Tracer.Start(ctx, "msgstore.cleanup.queue",
		trace.WithAttributes(attribute.String("queue", ep.id)))
	defer span.End()

	data, err := s.checkpoints.Get(ctx, ep.id)
	if err != nil {
		return 0, err
	}

	q := &queueCleaner{
		store:      s,
		queue:      ep.id,
		checkpoint: data.Offset,
		now:        s.opts.Now(),
	}

	if s.opts.CheckEntireQueueOnCleanup {
		err = q.fullScan(ctx, ep.log, s.opts.CleanupBatchSize)
	} else {
		err = q.headOnly(ctx, ep.log)
	}

	s.opts.Metrics.RecordCleaned(ctx, ep.id, q.cleaned)
	if q.cleaned > 0 {
		c.logger.Debug("cleaned queue",
			slog.String("queue", ep.id),
			slog.Int64("checkpoint", data.Offset),
			slog.Int64("removed", q.cleaned),
			slog.Int64("expired", q.expired))
	}
	return q.cleaned, err
}

// queueCleaner holds the state of one queue cleanup.
type queueCleaner struct {
	store      *Store
	queue      string
	checkpoint int64
	now        time.Time

	// candidate is the reference last approved for removal.
	candidate refRecord
	corrupt   bool
	expiring  bool

	cleaned int64
	expired int64
}

// removable decides whether the entry at offset can go. An entry is kept only
// while it is past the checkpoint and not expired.
func (q *queueCleaner) removable(ctx context.Context, offset int64, value []byte) (bool, error) {
	ref, err := decodeRef(value)
	if err != nil {
		q.store.logger.Warn("removing corrupt queue entry",
			slog.String("queue", q.queue),
			slog.Int64("offset", offset),
			slog.String("error", err.Error()))
		q.corrupt = true
		return true, nil
	}

	expired := ref.expired(q.now)
	pending := offset > q.checkpoint
	if pending && !expired {
		return false, nil
	}

	q.candidate = ref
	q.corrupt = false
	q.expiring = pending && expired
	return true, nil
}

// retire releases the body of the entry just removed.
func (q *queueCleaner) retire(ctx context.Context) error {
	q.cleaned++
	if q.corrupt {
		return nil
	}

	deleted, err := q.store.release(ctx, q.candidate.MessageID)
	if err != nil {
		return err
	}
	// A message expires once, when its last undelivered reference drops the body.
	if q.expiring && deleted {
		q.expired++
		q.store.opts.Metrics.RecordExpired(ctx, q.queue)
	}
	return nil
}

// headOnly pops the oldest entries until one must be kept.
func (q *queueCleaner) headOnly(ctx context.Context, log storage.SequentialLog) error {
	for ctx.Err() == nil {
		removed, err := log.RemoveFirst(ctx, q.removable)
		if err != nil {
			return fmt.Errorf("failed to remove head of %s: %w", q.queue, err)
		}
		if !removed {
			return nil
		}
		if err := q.retire(ctx); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// fullScan tests every entry of the queue in batches.
func (q *queueCleaner) fullScan(ctx context.Context, log storage.SequentialLog, batchSize int) error {
	start, err := log.HeadOffset(ctx)
	if err != nil {
		return err
	}

	for {
		entries, err := log.GetBatch(ctx, start, batchSize)
		if err != nil {
			return fmt.Errorf("failed to read %s at %d: %w", q.queue, start, err)
		}
		if len(entries) == 0 {
			return nil
		}

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			removed, err := log.RemoveOffset(ctx, q.removable, e.Offset)
			if err != nil {
				return fmt.Errorf("failed to remove %s at %d: %w", q.queue, e.Offset, err)
			}
			if removed {
				if err := q.retire(ctx); err != nil {
					return err
				}
			}
		}
		start = entries[len(entries)-1].Offset + 1
	}
}
