// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads loom configuration from files and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/loom/services/loom/journal"
	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/warp"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LOOM_"

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Config contains all loom settings.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	Tapestry  TapestryConfig  `json:"tapestry" yaml:"tapestry"`
	Weft      WeftConfig      `json:"weft" yaml:"weft"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// TapestryConfig tunes commits and the record store.
type TapestryConfig struct {
	MaxCommitRetries int `json:"max_commit_retries" yaml:"max_commit_retries" validate:"gte=0,lte=100"`

	// DedupeCacheSize of zero uses the store default; negative disables it.
	DedupeCacheSize int `json:"dedupe_cache_size" yaml:"dedupe_cache_size"`
}

// WeftConfig bounds program calls.
type WeftConfig struct {
	Timeout                time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	RateLimit              float64       `json:"rate_limit" yaml:"rate_limit" validate:"gte=0"`
	Burst                  int           `json:"burst" yaml:"burst" validate:"gte=1"`
	MaxParallelMaterialize int           `json:"max_parallel_materialize" yaml:"max_parallel_materialize" validate:"gte=1,lte=256"`
}

// JournalConfig configures durable storage of deltas.
type JournalConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Path          string `json:"path" yaml:"path"`
	InMemory      bool   `json:"in_memory" yaml:"in_memory"`
	SyncWrites    bool   `json:"sync_writes" yaml:"sync_writes"`
	MaxBytes      int64  `json:"max_bytes" yaml:"max_bytes" validate:"gte=0"`
	SessionID     string `json:"session_id" yaml:"session_id" validate:"required,max=128,excludesall=:/"`
	AllowDegraded bool   `json:"allow_degraded" yaml:"allow_degraded"`
	SkipCorrupted bool   `json:"skip_corrupted" yaml:"skip_corrupted"`
}

// LoggingConfig selects log output.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `json:"json" yaml:"json"`

	// Dir, if set, also writes logs to a dated file there.
	Dir string `json:"dir" yaml:"dir"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	TraceExporter string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint  string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName   string `json:"service_name" yaml:"service_name" validate:"required"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Tapestry: TapestryConfig{
			MaxCommitRetries: 3,
		},
		Weft: WeftConfig{
			Timeout:                30 * time.Second,
			Burst:                  1,
			MaxParallelMaterialize: 4,
		},
		Journal: JournalConfig{
			Enabled:    true,
			SyncWrites: true,
			MaxBytes:   1 << 30,
			SessionID:  "default",
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
			ServiceName:   "loom",
		},
	}
}

// DefaultDataDir is where journals live when no path is configured.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

// Load reads configuration with priority env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON file. Empty or missing means defaults.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: A parse error or ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if filepath.Ext(path) == ".json" {
		return json.Unmarshal(data, cfg)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// loadEnv applies LOOM_* overrides. Malformed values are errors rather
// than silently ignored.
func loadEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	integer64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	// Tapestry
	integer("MAX_COMMIT_RETRIES", &cfg.Tapestry.MaxCommitRetries)
	integer("DEDUPE_CACHE_SIZE", &cfg.Tapestry.DedupeCacheSize)

	// Weft
	duration("WEFT_TIMEOUT", &cfg.Weft.Timeout)
	float("WEFT_RATE_LIMIT", &cfg.Weft.RateLimit)
	integer("WEFT_BURST", &cfg.Weft.Burst)
	integer("WEFT_MAX_PARALLEL_MATERIALIZE", &cfg.Weft.MaxParallelMaterialize)

	// Journal
	boolean("JOURNAL_ENABLED", &cfg.Journal.Enabled)
	str("JOURNAL_PATH", &cfg.Journal.Path)
	boolean("JOURNAL_IN_MEMORY", &cfg.Journal.InMemory)
	boolean("JOURNAL_SYNC_WRITES", &cfg.Journal.SyncWrites)
	integer64("JOURNAL_MAX_BYTES", &cfg.Journal.MaxBytes)
	str("SESSION", &cfg.Journal.SessionID)
	boolean("JOURNAL_ALLOW_DEGRADED", &cfg.Journal.AllowDegraded)
	boolean("JOURNAL_SKIP_CORRUPTED", &cfg.Journal.SkipCorrupted)

	// Logging
	str("LOG_LEVEL", &cfg.Logging.Level)
	boolean("LOG_JSON", &cfg.Logging.JSON)
	str("LOG_DIR", &cfg.Logging.Dir)

	// Telemetry
	str("TRACE_EXPORTER", &cfg.Telemetry.TraceExporter)
	str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	str("SERVICE_NAME", &cfg.Telemetry.ServiceName)

	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks struct tags and cross-field rules.
//
// Outputs:
//   - error: Wraps ErrInvalidConfig and names the offending field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Telemetry.TraceExporter == "otlp" && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("%w: telemetry.otlp_endpoint is required for the otlp exporter", ErrInvalidConfig)
	}
	if c.Journal.Enabled && c.Journal.InMemory && c.Journal.Path != "" {
		return fmt.Errorf("%w: journal.path and journal.in_memory are exclusive", ErrInvalidConfig)
	}
	return nil
}

// ParseLevel maps Logging.Level to a slog level.
func (c LoggingConfig) ParseLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// StoreConfig derives the record store settings.
func (c Config) StoreConfig(logger *slog.Logger) record.StoreConfig {
	return record.StoreConfig{DedupeCacheSize: c.Tapestry.DedupeCacheSize, Logger: logger}
}

// EngineConfig derives the warp engine settings.
func (c Config) EngineConfig(logger *slog.Logger) warp.Config {
	return warp.Config{
		MaxCommitRetries:       c.Tapestry.MaxCommitRetries,
		WeftTimeout:            c.Weft.Timeout,
		RateLimit:              c.Weft.RateLimit,
		Burst:                  c.Weft.Burst,
		MaxParallelMaterialize: c.Weft.MaxParallelMaterialize,
		Logger:                 logger,
	}
}

// JournalConfig derives the journal settings. An empty path resolves under
// dataDir, or DefaultDataDir when that is empty too.
func (c Config) JournalConfig(dataDir string, logger *slog.Logger) journal.Config {
	path := c.Journal.Path
	if path == "" && !c.Journal.InMemory {
		if dataDir == "" {
			dataDir = DefaultDataDir()
		}
		path = filepath.Join(dataDir, "journal")
	}
	return journal.Config{
		Path:          path,
		SessionID:     c.Journal.SessionID,
		SyncWrites:    c.Journal.SyncWrites,
		MaxBytes:      c.Journal.MaxBytes,
		AllowDegraded: c.Journal.AllowDegraded,
		SkipCorrupted: c.Journal.SkipCorrupted,
		InMemory:      c.Journal.InMemory,
		Logger:        logger,
	}
}
