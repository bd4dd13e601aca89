// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/absmach/fluxedge/checkpoint"
	"github.com/absmach/fluxedge/config"
	"github.com/absmach/fluxedge/msgstore"
	"github.com/absmach/fluxedge/storage"
	"github.com/spf13/cobra"
)

func newCheckpointsCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "List persisted checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(*configFile, func(cfg *config.Config, db storage.Store) error {
				cps, err := checkpoint.NewStore(db)
				if err != nil {
					return err
				}
				all, err := cps.All(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list checkpoints: %w", err)
				}
				return printCheckpoints(cmd.OutOrStdout(), all)
			})
		},
	}
}

func newQueuesCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List endpoint queues and their sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(*configFile, func(cfg *config.Config, db storage.Store) error {
				return printQueues(cmd.Context(), cmd.OutOrStdout(), cfg, db)
			})
		},
	}
}

// printQueues lists every persisted queue. The store is opened without
// cleanup so listing never removes entries.
func printQueues(ctx context.Context, out io.Writer, cfg *config.Config, db storage.Store) error {
	cps, err := checkpoint.NewStore(db)
	if err != nil {
		return err
	}
	store, err := msgstore.New(ctx, db, cps, msgstore.Options{
		TimeToLive:                cfg.Store.TimeToLive,
		CheckEntireQueueOnCleanup: cfg.Store.CheckEntireQueueOnCleanup,
		DisableCleanup:            true,
		Logger:                    slog.New(slog.DiscardHandler),
	})
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tMESSAGES\tCHECKPOINT")
	for _, queue := range store.Endpoints() {
		count, err := store.Count(ctx, queue)
		if err != nil {
			return fmt.Errorf("failed to count %s: %w", queue, err)
		}
		data, err := cps.Get(ctx, queue)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\n", queue, count, data.Offset)
	}
	return w.Flush()
}

func withStorage(configFile string, fn func(cfg *config.Config, db storage.Store) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	db, err := openStorage(cfg.Storage, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(cfg, db)
}

func printCheckpoints(out io.Writer, all map[string]checkpoint.Data) error {
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOFFSET\tUNHEALTHY SINCE\tLAST FAILED REVIVAL")
	for _, id := range ids {
		d := all[id]
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", id, d.Offset, formatTime(d.UnhealthySince), formatTime(d.LastFailedRevivalTime))
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
