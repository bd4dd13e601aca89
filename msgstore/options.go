// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package msgstore

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxedge/message"
	"github.com/absmach/fluxedge/metrics"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Default settings.
const (
	DefaultTimeToLive       = 2 * time.Hour
	DefaultCleanupBatchSize = 100
)

// Options configures a Store.
type Options struct {
	// TimeToLive is the default TTL of added messages.
	TimeToLive time.Duration

	// CleanupInterval is the pause between cleanup passes. Zero derives it
	// from TimeToLive. It is never shorter than 30s.
	CleanupInterval time.Duration

	// CheckEntireQueueOnCleanup tests every entry on each pass instead of
	// stopping at the first one that must be kept.
	CheckEntireQueueOnCleanup bool

	// CleanupBatchSize is the number of entries read per batch in full scans.
	CleanupBatchSize int

	// DisableCleanup opens the store without the background cleanup, leaving
	// stored entries untouched unless RunCleanup is called.
	DisableCleanup bool

	Codec   message.Codec
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TimeToLive <= 0 {
		o.TimeToLive = DefaultTimeToLive
	}
	if o.CleanupBatchSize <= 0 {
		o.CleanupBatchSize = DefaultCleanupBatchSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop()
	}
	if o.Tracer == nil {
		o.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
