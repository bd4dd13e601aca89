// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery drains endpoint queues from the message store, sends their
// messages downstream and commits the outcome to a checkpointer.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxedge/checkpoint"
	"github.com/absmach/fluxedge/message"
	"github.com/absmach/fluxedge/metrics"
	"github.com/absmach/fluxedge/msgstore"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrStarted is returned when an executor is started twice.
var ErrStarted = errors.New("executor already started")

// Source opens queue iterators. *msgstore.Store satisfies it.
type Source interface {
	MessageIterator(endpointID string, startOffset int64) (*msgstore.Iterator, error)
}

// Config tunes an executor.
type Config struct {
	BatchSize    int
	PollInterval time.Duration

	// RateLimit is the maximum number of sends per second. Zero is unlimited.
	RateLimit float64
	Burst     int

	// FailureThreshold consecutive failures open the circuit breaker for
	// ResetTimeout.
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	return c
}

// Executor delivers the messages of one queue to an endpoint.
type Executor struct {
	queue    string
	source   Source
	cp       checkpoint.Checkpointer
	endpoint Endpoint
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// it is only touched by the delivery loop.
	it *msgstore.Iterator

	mu                sync.Mutex
	unhealthySince    *time.Time
	lastFailedRevival *time.Time
	cancel            context.CancelFunc
	done              chan struct{}
}

// NewExecutor creates an executor for queue. Failure metadata starts from
// what cp has persisted.
func NewExecutor(queue string, source Source, cp checkpoint.Checkpointer, ep Endpoint, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Noop()
	}
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	e := &Executor{
		queue:             queue,
		source:            source,
		cp:                cp,
		endpoint:          ep,
		cfg:               cfg,
		limiter:           rate.NewLimiter(limit, cfg.Burst),
		logger:            logger.With(slog.String("queue", queue), slog.String("endpoint", ep.ID())),
		metrics:           m,
		unhealthySince:    cp.UnhealthySince(),
		lastFailedRevival: cp.LastFailedRevivalTime(),
	}

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        queue,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: e.onStateChange,
	})

	return e
}

// Start runs the delivery loop until ctx is done or Stop is called.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done != nil {
		return ErrStarted
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.run(ctx, e.done)

	e.logger.Info("delivery started", slog.Int64("checkpoint", e.cp.Offset()))
	return nil
}

// Stop ends the delivery loop and closes the checkpointer.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := e.cp.Close(ctx); err != nil {
		return fmt.Errorf("failed to close checkpointer of %s: %w", e.queue, err)
	}
	e.logger.Info("delivery stopped", slog.Int64("checkpoint", e.cp.Offset()))
	return nil
}

func (e *Executor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		sent, failed, err := e.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Error("delivery failed", slog.String("error", err.Error()))
		}
		if err == nil && failed == 0 && sent > 0 {
			continue
		}

		timer := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce delivers a single batch and returns how many messages were sent and
// how many remain outstanding. It must not run concurrently with Start.
func (e *Executor) RunOnce(ctx context.Context) (int, int, error) {
	if e.it == nil {
		it, err := e.source.MessageIterator(e.queue, e.cp.Offset()+1)
		if err != nil {
			return 0, 0, err
		}
		e.it = it
	}

	batch := e.it.Next(ctx, e.cfg.BatchSize)
	if len(batch) == 0 {
		return 0, 0, nil
	}

	sent, failed, err := e.process(ctx, batch)
	if failed > 0 || err != nil {
		// Resume from the checkpoint so remaining messages are retried in order.
		e.it = nil
	}
	return sent, failed, err
}

// process proposes, sends and commits batch. Sending stops at the first
// failure so later messages are never delivered ahead of an earlier one.
func (e *Executor) process(ctx context.Context, batch []*message.Message) (int, int, error) {
	admitted := make([]*message.Message, 0, len(batch))
	for _, msg := range batch {
		if !e.cp.Admit(msg) {
			continue
		}
		if err := e.cp.Propose(ctx, msg); err != nil {
			return 0, 0, err
		}
		admitted = append(admitted, msg)
	}
	if len(admitted) == 0 {
		return 0, 0, nil
	}

	successful := make([]*message.Message, 0, len(admitted))
	var remaining []*message.Message
	for i, msg := range admitted {
		if err := e.send(ctx, msg); err != nil {
			remaining = admitted[i:]
			if !errors.Is(err, gobreaker.ErrOpenState) && ctx.Err() == nil {
				e.logger.Warn("failed to deliver message",
					slog.Int64("offset", msg.Offset),
					slog.String("error", err.Error()))
			}
			break
		}
		successful = append(successful, msg)
	}

	e.metrics.RecordDelivery(ctx, e.queue, len(successful), len(remaining))

	if err := e.cp.Commit(ctx, successful, remaining, e.failure()); err != nil {
		return len(successful), len(remaining), fmt.Errorf("failed to commit %s: %w", e.queue, err)
	}

	e.logger.Debug("batch delivered",
		slog.Int("sent", len(successful)),
		slog.Int("remaining", len(remaining)),
		slog.Int64("checkpoint", e.cp.Offset()))
	return len(successful), len(remaining), nil
}

func (e *Executor) send(ctx context.Context, msg *message.Message) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.endpoint.Send(ctx, msg)
	})
	return err
}

func (e *Executor) onStateChange(name string, from, to gobreaker.State) {
	now := time.Now()

	e.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		if e.unhealthySince == nil {
			e.unhealthySince = &now
		}
		if from == gobreaker.StateHalfOpen {
			e.lastFailedRevival = &now
		}
	case gobreaker.StateClosed:
		e.unhealthySince = nil
		e.lastFailedRevival = nil
	}
	e.mu.Unlock()

	e.logger.Info("endpoint circuit breaker state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

func (e *Executor) failure() checkpoint.Failure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return checkpoint.Failure{
		LastFailedRevivalTime: e.lastFailedRevival,
		UnhealthySince:        e.unhealthySince,
	}
}
