// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fluxedge/config"
	"github.com/absmach/fluxedge/message"
	"github.com/absmach/fluxedge/storage"
	"github.com/absmach/fluxedge/storage/badger"
	"github.com/absmach/fluxedge/storage/memory"
	pebblestore "github.com/absmach/fluxedge/storage/pebble"
)

func openStorage(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case config.StorageMemory:
		logger.Info("Using in-memory storage")
		return memory.New(), nil
	case config.StorageBadger:
		s, err := badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BadgerDB storage: %w", err)
		}
		logger.Info("Using BadgerDB persistent storage", "dir", cfg.BadgerDir)
		return s, nil
	case config.StoragePebble:
		s, err := pebblestore.New(pebblestore.Config{
			Dir:        cfg.PebbleDir,
			SyncWrites: cfg.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Pebble storage: %w", err)
		}
		logger.Info("Using Pebble persistent storage", "dir", cfg.PebbleDir)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func parseCompression(s string) (message.Codec, error) {
	c, err := message.ParseCompression(s)
	if err != nil {
		return message.Codec{}, fmt.Errorf("invalid store.compression: %w", err)
	}
	return message.NewCodec(c), nil
}
