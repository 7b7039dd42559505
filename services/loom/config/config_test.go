// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Tapestry.MaxCommitRetries)
	assert.Equal(t, 30*time.Second, cfg.Weft.Timeout)
	assert.True(t, cfg.Journal.Enabled)
	assert.True(t, cfg.Journal.SyncWrites)
	assert.Equal(t, "none", cfg.Telemetry.TraceExporter)
}

func TestLoad(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("yaml", func(t *testing.T) {
		path := writeConfig(t, "loom.yaml", `
tapestry:
  max_commit_retries: 5
weft:
  timeout: 2s
  rate_limit: 10
  burst: 3
journal:
  session_id: research
  in_memory: true
logging:
  level: debug
  json: true
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Tapestry.MaxCommitRetries)
		assert.Equal(t, 2*time.Second, cfg.Weft.Timeout)
		assert.Equal(t, 10.0, cfg.Weft.RateLimit)
		assert.Equal(t, 3, cfg.Weft.Burst)
		assert.Equal(t, 4, cfg.Weft.MaxParallelMaterialize, "unset keys keep defaults")
		assert.Equal(t, "research", cfg.Journal.SessionID)
		assert.True(t, cfg.Journal.InMemory)
		assert.Equal(t, slog.LevelDebug, cfg.Logging.ParseLevel())
	})

	t.Run("json", func(t *testing.T) {
		path := writeConfig(t, "loom.json", `{"journal": {"session_id": "js", "max_bytes": 4096}}`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "js", cfg.Journal.SessionID)
		assert.Equal(t, int64(4096), cfg.Journal.MaxBytes)
	})

	t.Run("unparseable file", func(t *testing.T) {
		path := writeConfig(t, "loom.yaml", "tapestry: [unterminated")
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("environment wins over file", func(t *testing.T) {
		path := writeConfig(t, "loom.yaml", "journal:\n  session_id: from-file\n")
		t.Setenv("LOOM_SESSION", "from-env")
		t.Setenv("LOOM_WEFT_TIMEOUT", "250ms")
		t.Setenv("LOOM_JOURNAL_SYNC_WRITES", "false")
		t.Setenv("LOOM_TRACE_EXPORTER", "stdout")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Journal.SessionID)
		assert.Equal(t, 250*time.Millisecond, cfg.Weft.Timeout)
		assert.False(t, cfg.Journal.SyncWrites)
		assert.Equal(t, "stdout", cfg.Telemetry.TraceExporter)
	})

	t.Run("malformed environment value", func(t *testing.T) {
		t.Setenv("LOOM_WEFT_BURST", "many")
		_, err := Load("")
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "LOOM_WEFT_BURST")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"negative retries", func(c *Config) { c.Tapestry.MaxCommitRetries = -1 }, "MaxCommitRetries"},
		{"zero burst", func(c *Config) { c.Weft.Burst = 0 }, "Burst"},
		{"empty session", func(c *Config) { c.Journal.SessionID = "" }, "SessionID"},
		{"session with separator", func(c *Config) { c.Journal.SessionID = "a:b" }, "SessionID"},
		{"unknown level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
		{"unknown exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, "TraceExporter"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.TraceExporter = "otlp" }, "otlp_endpoint"},
		{"path and in_memory", func(c *Config) {
			c.Journal.InMemory = true
			c.Journal.Path = "/tmp/j"
		}, "in_memory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.Weft.RateLimit = 2.5
	cfg.Tapestry.DedupeCacheSize = -1

	engine := cfg.EngineConfig(nil)
	assert.Equal(t, 3, engine.MaxCommitRetries)
	assert.Equal(t, 2.5, engine.RateLimit)
	assert.Equal(t, 30*time.Second, engine.WeftTimeout)

	assert.Equal(t, -1, cfg.StoreConfig(nil).DedupeCacheSize)

	t.Run("journal path under data dir", func(t *testing.T) {
		jc := cfg.JournalConfig("/data", nil)
		assert.Equal(t, filepath.Join("/data", "journal"), jc.Path)
		assert.Equal(t, "default", jc.SessionID)
		require.NoError(t, jc.Validate())
	})

	t.Run("explicit path wins", func(t *testing.T) {
		c := cfg
		c.Journal.Path = "/explicit"
		assert.Equal(t, "/explicit", c.JournalConfig("/data", nil).Path)
	})

	t.Run("in memory has no path", func(t *testing.T) {
		c := cfg
		c.Journal.InMemory = true
		jc := c.JournalConfig("/data", nil)
		assert.Empty(t, jc.Path)
		assert.True(t, jc.InMemory)
	})
}
