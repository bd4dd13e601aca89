// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Storage.Type != StorageBadger {
		t.Errorf("expected default storage badger, got %s", cfg.Storage.Type)
	}
	if cfg.Store.TimeToLive != 2*time.Hour {
		t.Errorf("expected default TTL 2h, got %v", cfg.Store.TimeToLive)
	}
	if cfg.Store.CleanupBatchSize != 100 {
		t.Errorf("expected cleanup batch size 100, got %d", cfg.Store.CleanupBatchSize)
	}
	if cfg.Store.CheckEntireQueueOnCleanup {
		t.Error("expected head-only cleanup by default")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "memory storage needs no directory",
			modify:  func(c *Config) { c.Storage = StorageConfig{Type: StorageMemory} },
			wantErr: false,
		},
		{
			name:    "unknown storage type",
			modify:  func(c *Config) { c.Storage.Type = "bolt" },
			wantErr: true,
		},
		{
			name:    "pebble without directory",
			modify:  func(c *Config) { c.Storage.Type = StoragePebble; c.Storage.PebbleDir = "" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "invalid" },
			wantErr: true,
		},
		{
			name:    "zero TTL",
			modify:  func(c *Config) { c.Store.TimeToLive = 0 },
			wantErr: true,
		},
		{
			name:    "zero cleanup batch",
			modify:  func(c *Config) { c.Store.CleanupBatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "unknown compression",
			modify:  func(c *Config) { c.Store.Compression = "lz4" },
			wantErr: true,
		},
		{
			name: "duplicate endpoint",
			modify: func(c *Config) {
				c.Store.Endpoints = []EndpointConfig{{ID: "module1"}, {ID: "module1"}}
			},
			wantErr: true,
		},
		{
			name:    "rate limit without burst",
			modify:  func(c *Config) { c.Delivery.RateLimit = 10; c.Delivery.Burst = 0 },
			wantErr: true,
		},
		{
			name:    "metrics without address",
			modify:  func(c *Config) { c.Metrics.Enabled = true; c.Metrics.OTLPAddr = "" },
			wantErr: true,
		},
		{
			name:    "trace sample rate above one",
			modify:  func(c *Config) { c.Metrics.Enabled = true; c.Metrics.TraceSampleRate = 1.5 },
			wantErr: true,
		},
		{
			name:    "sample rate ignored when metrics disabled",
			modify:  func(c *Config) { c.Metrics.TraceSampleRate = -1 },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}
	if cfg.Storage.Type != StorageBadger {
		t.Errorf("expected default config, got storage %s", cfg.Storage.Type)
	}
}

func TestLoadYAML(t *testing.T) {
	path := t.TempDir() + "/fluxedge.yaml"
	data := `
storage:
  type: memory
store:
  time_to_live: 20s
  check_entire_queue_on_cleanup: true
  compression: zstd
  endpoints:
    - id: module1
      priorities: [0, 1]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.TimeToLive != 20*time.Second {
		t.Errorf("expected TTL 20s, got %v", cfg.Store.TimeToLive)
	}
	if !cfg.Store.CheckEntireQueueOnCleanup {
		t.Error("expected full-scan cleanup")
	}
	if len(cfg.Store.Endpoints) != 1 || len(cfg.Store.Endpoints[0].Priorities) != 2 {
		t.Errorf("unexpected endpoints %+v", cfg.Store.Endpoints)
	}
	// Unset keys keep their defaults.
	if cfg.Delivery.BatchSize != 100 {
		t.Errorf("expected default batch size, got %d", cfg.Delivery.BatchSize)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Storage.Type = StoragePebble
	cfg.Store.CleanupInterval = 45 * time.Second
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Storage.Type != StoragePebble {
		t.Errorf("expected storage pebble, got %s", loaded.Storage.Type)
	}
	if loaded.Store.CleanupInterval != 45*time.Second {
		t.Errorf("expected cleanup interval 45s, got %v", loaded.Store.CleanupInterval)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
