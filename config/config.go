// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend types.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
	StoragePebble = "pebble"
)

// Config holds all configuration for the edge message store.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Store    StoreConfig    `yaml:"store"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects and configures the durable store backend.
type StorageConfig struct {
	Type       string `yaml:"type"` // memory, badger, pebble
	BadgerDir  string `yaml:"badger_dir"`
	PebbleDir  string `yaml:"pebble_dir"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// StoreConfig holds message store settings.
type StoreConfig struct {
	// TimeToLive is the default message TTL. It can be changed at runtime and
	// applies to messages added after the change.
	TimeToLive time.Duration `yaml:"time_to_live"`

	// CleanupInterval is the pause between cleanup passes. Zero derives it
	// from TimeToLive. Values below 30s are raised to 30s.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// CheckEntireQueueOnCleanup scans every entry instead of stopping at the
	// first live one. Required when per-message TTLs vary.
	CheckEntireQueueOnCleanup bool `yaml:"check_entire_queue_on_cleanup"`

	CleanupBatchSize int              `yaml:"cleanup_batch_size"`
	Compression      string           `yaml:"compression"` // none, s2, zstd
	Endpoints        []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig describes an endpoint opened at startup.
type EndpointConfig struct {
	ID         string   `yaml:"id"`
	Priorities []uint32 `yaml:"priorities"`

	// URL receives messages as HTTP POST requests. Without it messages are
	// only logged.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// DeliveryConfig holds endpoint executor settings.
type DeliveryConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RateLimit    float64       `yaml:"rate_limit"` // messages per second, 0 disables limiting
	Burst        int           `yaml:"burst"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for endpoint delivery.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// MetricsConfig holds OpenTelemetry settings.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	OTLPAddr       string `yaml:"otlp_addr"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	TracesEnabled  bool   `yaml:"traces_enabled"`

	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
	ExportInterval  time.Duration `yaml:"export_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:       StorageBadger,
			BadgerDir:  "/tmp/fluxedge/data",
			PebbleDir:  "/tmp/fluxedge/pebble",
			SyncWrites: false,
		},
		Store: StoreConfig{
			TimeToLive:                2 * time.Hour,
			CleanupInterval:           0,
			CheckEntireQueueOnCleanup: false,
			CleanupBatchSize:          100,
			Compression:               "none",
		},
		Delivery: DeliveryConfig{
			BatchSize:    100,
			PollInterval: time.Second,
			RateLimit:    0,
			Burst:        100,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			OTLPAddr:       "localhost:4317",
			ServiceName:    "fluxedge",
			ServiceVersion: "1.0.0",
			TracesEnabled:  false,

			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageBadger:
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when storage.type is badger")
		}
	case StoragePebble:
		if c.Storage.PebbleDir == "" {
			return fmt.Errorf("storage.pebble_dir required when storage.type is pebble")
		}
	default:
		return fmt.Errorf("storage.type must be memory, badger or pebble")
	}

	if c.Store.TimeToLive <= 0 {
		return fmt.Errorf("store.time_to_live must be positive")
	}
	if c.Store.CleanupInterval < 0 {
		return fmt.Errorf("store.cleanup_interval cannot be negative")
	}
	if c.Store.CleanupBatchSize < 1 {
		return fmt.Errorf("store.cleanup_batch_size must be at least 1")
	}
	switch c.Store.Compression {
	case "", "none", "s2", "zstd":
	default:
		return fmt.Errorf("store.compression must be none, s2 or zstd")
	}
	seen := make(map[string]struct{}, len(c.Store.Endpoints))
	for i, ep := range c.Store.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("store.endpoints[%d].id cannot be empty", i)
		}
		if _, ok := seen[ep.ID]; ok {
			return fmt.Errorf("store.endpoints[%d].id %q is duplicated", i, ep.ID)
		}
		seen[ep.ID] = struct{}{}
	}

	if c.Delivery.BatchSize < 1 {
		return fmt.Errorf("delivery.batch_size must be at least 1")
	}
	if c.Delivery.PollInterval <= 0 {
		return fmt.Errorf("delivery.poll_interval must be positive")
	}
	if c.Delivery.RateLimit < 0 {
		return fmt.Errorf("delivery.rate_limit cannot be negative")
	}
	if c.Delivery.RateLimit > 0 && c.Delivery.Burst < 1 {
		return fmt.Errorf("delivery.burst must be at least 1 when rate limiting is enabled")
	}
	if c.Delivery.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("delivery.breaker.failure_threshold must be at least 1")
	}
	if c.Delivery.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("delivery.breaker.reset_timeout must be positive")
	}

	if c.Metrics.Enabled {
		if c.Metrics.OTLPAddr == "" {
			return fmt.Errorf("metrics.otlp_addr required when metrics are enabled")
		}
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Metrics.ExportInterval <= 0 {
			return fmt.Errorf("metrics.export_interval must be positive")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
