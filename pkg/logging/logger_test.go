// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{" error ", LevelError},
		{"loud", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "UNKNOWN", Level(42).String())
}

func TestNew_Console(t *testing.T) {
	t.Run("text filters by level", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(Config{Level: LevelWarn, Service: "loom", Output: &buf})
		defer l.Close()

		l.Slog().Info("hidden")
		l.Slog().Warn("shown", "node", "n3")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "shown")
		assert.Contains(t, out, "service=loom")
		assert.Contains(t, out, "node=n3")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(Config{JSON: true, Output: &buf})
		l.Slog().Info("hello", "generation", 7)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "hello", entry["msg"])
		assert.Equal(t, float64(7), entry["generation"])
	})

	t.Run("quiet writes nothing", func(t *testing.T) {
		var buf bytes.Buffer
		l := New(Config{Quiet: true, Output: &buf})
		l.Slog().Error("nobody hears")
		assert.Empty(t, buf.String())
	})
}

func TestNew_File(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	l := New(Config{Level: LevelDebug, LogDir: dir, Service: "loomtest", Output: &console})

	path := l.FilePath()
	require.NotEmpty(t, path)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "loomtest_"))

	l.Slog().Debug("to both", "seq", 3)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both"`)
	assert.Contains(t, string(data), `"service":"loomtest"`)
	assert.Contains(t, console.String(), "to both")
}

func TestNew_FileFailureFallsBack(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	var console bytes.Buffer
	l := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &console})
	defer l.Close()

	assert.Empty(t, l.FilePath())
	assert.Contains(t, console.String(), "file logging disabled")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".loom/logs"), expandPath("~/.loom/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "rel/path", expandPath("rel/path"))
}
