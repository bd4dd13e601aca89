// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxedge/checkpoint"
	"github.com/absmach/fluxedge/config"
	"github.com/absmach/fluxedge/delivery"
	"github.com/absmach/fluxedge/metrics"
	"github.com/absmach/fluxedge/msgstore"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// masterCheckpointID is the aggregate checkpoint over every endpoint queue.
const masterCheckpointID = "$master"

const shutdownTimeout = 30 * time.Second

func newServeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the store and deliver queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger := newLogger(cfg.Log)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, logger)
		},
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting FluxEdge", "version", version)
	logger.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"time_to_live", cfg.Store.TimeToLive,
		"check_entire_queue_on_cleanup", cfg.Store.CheckEntireQueueOnCleanup,
		"endpoints", len(cfg.Store.Endpoints),
		"metrics_enabled", cfg.Metrics.Enabled,
		"log_level", cfg.Log.Level)

	var (
		m      = metrics.Noop()
		tracer trace.Tracer
	)
	if cfg.Metrics.Enabled {
		provider, err := metrics.InitProvider(ctx, cfg.Metrics, uuid.NewString())
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Error("Error shutting down OpenTelemetry", "error", err)
			}
		}()
		logger.Info("OpenTelemetry initialized", "endpoint", cfg.Metrics.OTLPAddr)

		if m, err = provider.Metrics(); err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
		if cfg.Metrics.TracesEnabled {
			tracer = provider.Tracer("fluxedge")
			logger.Info("Distributed tracing enabled", "sample_rate", cfg.Metrics.TraceSampleRate)
		}
	} else {
		logger.Info("OpenTelemetry disabled")
	}

	db, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	checkpoints, err := checkpoint.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	compression, err := parseCompression(cfg.Store.Compression)
	if err != nil {
		return err
	}

	store, err := msgstore.New(ctx, db, checkpoints, msgstore.Options{
		TimeToLive:                cfg.Store.TimeToLive,
		CleanupInterval:           cfg.Store.CleanupInterval,
		CheckEntireQueueOnCleanup: cfg.Store.CheckEntireQueueOnCleanup,
		CleanupBatchSize:          cfg.Store.CleanupBatchSize,
		Codec:                     compression,
		Logger:                    logger,
		Metrics:                   m,
		Tracer:                    tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("Error closing message store", "error", err)
		}
	}()

	cpOpts := []checkpoint.Option{checkpoint.WithLogger(logger), checkpoint.WithMetrics(m)}
	if tracer != nil {
		cpOpts = append(cpOpts, checkpoint.WithTracer(tracer))
	}
	master, err := checkpoint.NewMaster(ctx, masterCheckpointID, checkpoints, cpOpts...)
	if err != nil {
		return fmt.Errorf("failed to create master checkpointer: %w", err)
	}

	executors, err := startDelivery(ctx, cfg, store, master, logger, m)
	if err != nil {
		if cerr := master.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Error("Error closing master checkpointer", "error", cerr)
		}
		return err
	}

	logger.Info("FluxEdge started", "queues", len(executors), "master_checkpoint", master.Offset())

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := stopDelivery(shutdownCtx, executors); err != nil {
		logger.Error("Error stopping delivery", "error", err)
	}
	if err := master.Close(shutdownCtx); err != nil {
		logger.Error("Error closing master checkpointer", "error", err)
	}

	logger.Info("FluxEdge stopped", "master_checkpoint", master.Offset())
	return nil
}

// startDelivery opens a queue and starts an executor for every configured
// endpoint priority. On failure the executors already started are stopped.
func startDelivery(ctx context.Context, cfg *config.Config, store *msgstore.Store, master *checkpoint.Master, logger *slog.Logger, m *metrics.Metrics) ([]*delivery.Executor, error) {
	dcfg := delivery.Config{
		BatchSize:        cfg.Delivery.BatchSize,
		PollInterval:     cfg.Delivery.PollInterval,
		RateLimit:        cfg.Delivery.RateLimit,
		Burst:            cfg.Delivery.Burst,
		FailureThreshold: cfg.Delivery.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Delivery.Breaker.ResetTimeout,
	}

	var executors []*delivery.Executor
	start := func(queue string, ep delivery.Endpoint) error {
		if err := store.AddEndpoint(ctx, queue); err != nil {
			return fmt.Errorf("failed to add endpoint queue %s: %w", queue, err)
		}
		cp, err := master.Create(ctx, queue)
		if err != nil {
			return fmt.Errorf("failed to create checkpointer for %s: %w", queue, err)
		}
		e := delivery.NewExecutor(queue, store, cp, ep, dcfg, logger, m)
		executors = append(executors, e)
		return e.Start(ctx)
	}

	for _, epc := range cfg.Store.Endpoints {
		var ep delivery.Endpoint
		if epc.URL != "" {
			ep = delivery.NewHTTPEndpoint(epc.ID, epc.URL, epc.Headers, epc.Timeout)
		} else {
			ep = delivery.NewLogEndpoint(epc.ID, logger)
		}

		priorities := epc.Priorities
		if len(priorities) == 0 {
			priorities = []uint32{msgstore.DefaultPriority}
		}
		for _, prio := range priorities {
			if err := start(msgstore.QueueID(epc.ID, prio), ep); err != nil {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				if serr := stopDelivery(stopCtx, executors); serr != nil {
					logger.Error("Error stopping delivery", "error", serr)
				}
				return nil, err
			}
		}
	}

	return executors, nil
}

// stopDelivery stops every executor concurrently. One failure does not cut
// the others short.
func stopDelivery(ctx context.Context, executors []*delivery.Executor) error {
	var g errgroup.Group
	for _, e := range executors {
		g.Go(func() error {
			return e.Stop(ctx)
		})
	}
	return g.Wait()
}
