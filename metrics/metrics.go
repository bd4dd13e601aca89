// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments shared by the message
// store, checkpoints and delivery executors.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope of all instruments.
const MeterName = "github.com/absmach/fluxedge"

// Metrics holds OpenTelemetry metric instruments. It is created once at
// startup and shared by reference between components.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesStored  metric.Int64Counter
	messagesExpired metric.Int64Counter
	messagesCleaned metric.Int64Counter
	cleanupPasses   metric.Int64Counter
	cleanupErrors   metric.Int64Counter
	commits         metric.Int64Counter
	deliverySent    metric.Int64Counter
	deliveryFailed  metric.Int64Counter

	// Histograms
	cleanupDuration metric.Float64Histogram
}

// New creates the instruments from mp. A nil provider yields no-op instruments.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(MeterName),
	}

	var err error

	m.messagesStored, err = m.meter.Int64Counter(
		"fluxedge.messages.stored.total",
		metric.WithDescription("Total message references appended to endpoint queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesStored counter: %w", err)
	}

	m.messagesExpired, err = m.meter.Int64Counter(
		"fluxedge.messages.expired.total",
		metric.WithDescription("Total messages removed because their TTL elapsed before delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.messagesCleaned, err = m.meter.Int64Counter(
		"fluxedge.messages.cleaned.total",
		metric.WithDescription("Total queue references removed by cleanup"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesCleaned counter: %w", err)
	}

	m.cleanupPasses, err = m.meter.Int64Counter(
		"fluxedge.cleanup.passes.total",
		metric.WithDescription("Total cleanup passes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanupPasses counter: %w", err)
	}

	m.cleanupErrors, err = m.meter.Int64Counter(
		"fluxedge.cleanup.errors.total",
		metric.WithDescription("Total cleanup failures by queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanupErrors counter: %w", err)
	}

	m.commits, err = m.meter.Int64Counter(
		"fluxedge.checkpoint.commits.total",
		metric.WithDescription("Total checkpoint commits that advanced the persisted offset"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commits counter: %w", err)
	}

	m.deliverySent, err = m.meter.Int64Counter(
		"fluxedge.delivery.sent.total",
		metric.WithDescription("Total messages delivered to endpoints"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliverySent counter: %w", err)
	}

	m.deliveryFailed, err = m.meter.Int64Counter(
		"fluxedge.delivery.failed.total",
		metric.WithDescription("Total failed endpoint deliveries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryFailed counter: %w", err)
	}

	m.cleanupDuration, err = m.meter.Float64Histogram(
		"fluxedge.cleanup.duration.ms",
		metric.WithDescription("Cleanup pass duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanupDuration histogram: %w", err)
	}

	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, err := New(noop.NewMeterProvider())
	if err != nil {
		// The no-op meter never fails.
		panic(err)
	}
	return m
}

// RecordStored records a message appended to queue.
func (m *Metrics) RecordStored(ctx context.Context, queue string) {
	m.messagesStored.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordExpired records a message whose TTL elapsed before it was checkpointed.
func (m *Metrics) RecordExpired(ctx context.Context, queue string) {
	m.messagesExpired.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordCleaned records references removed from queue in one pass.
func (m *Metrics) RecordCleaned(ctx context.Context, queue string, count int64) {
	if count == 0 {
		return
	}
	m.messagesCleaned.Add(ctx, count, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordCleanupPass records a completed cleanup pass.
func (m *Metrics) RecordCleanupPass(ctx context.Context, d time.Duration) {
	m.cleanupPasses.Add(ctx, 1)
	m.cleanupDuration.Record(ctx, float64(d.Microseconds())/1000)
}

// RecordCleanupError records a cleanup failure for queue.
func (m *Metrics) RecordCleanupError(ctx context.Context, queue string) {
	m.cleanupErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

// RecordCommit records a checkpoint offset persisted for id.
func (m *Metrics) RecordCommit(ctx context.Context, id string) {
	m.commits.Add(ctx, 1, metric.WithAttributes(attribute.String("checkpoint", id)))
}

// RecordDelivery records the outcome of a delivered batch.
func (m *Metrics) RecordDelivery(ctx context.Context, queue string, sent, failed int) {
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	if sent > 0 {
		m.deliverySent.Add(ctx, int64(sent), attrs)
	}
	if failed > 0 {
		m.deliveryFailed.Add(ctx, int64(failed), attrs)
	}
}
