// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func put(t *testing.T, db *DB, kv map[string]string) {
	t.Helper()
	err := db.WithTxn(context.Background(), func(txn *badger.Txn) error {
		for k, v := range kv {
			if err := txn.Set([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig syncs and collects", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 1, cfg.NumVersionsToKeep)
		assert.Equal(t, 5*time.Minute, cfg.GCInterval)
		assert.Equal(t, 0.5, cfg.GCDiscardRatio)
	})

	t.Run("InMemoryConfig disables GC", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.False(t, cfg.SyncWrites)
		assert.Zero(t, cfg.GCInterval)
	})
}

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.ErrorIs(t, err, ErrPathRequired)
}

func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())
	put(t, db, map[string]string{"warp:k": "v"})
	require.NoError(t, db.Sync())
	require.NoError(t, db.Close())

	db2, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	var got string
	err = db2.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("warp:k"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			got = string(val)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestDB_WithTxn(t *testing.T) {
	db := openTestDB(t)

	t.Run("error rolls back", func(t *testing.T) {
		err := db.WithTxn(context.Background(), func(txn *badger.Txn) error {
			if err := txn.Set([]byte("rolled"), []byte("back")); err != nil {
				return err
			}
			return fmt.Errorf("abort")
		})
		require.Error(t, err)

		err = db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
			_, err := txn.Get([]byte("rolled"))
			return err
		})
		assert.ErrorIs(t, err, badger.ErrKeyNotFound)
	})

	t.Run("cancelled context is rejected", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := db.WithTxn(ctx, func(*badger.Txn) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		err = db.WithReadTxn(ctx, func(*badger.Txn) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDB_PrefixHelpers(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	put(t, db, map[string]string{
		"warp:a:0000000000000001": "1",
		"warp:a:0000000000000002": "2",
		"warp:a:0000000000000010": "10",
		"warp:b:0000000000000099": "other session",
		"snapshot:a":              "snap",
	})

	t.Run("LastKey finds the highest sequence", func(t *testing.T) {
		last, err := db.LastKey(ctx, []byte("warp:a:"))
		require.NoError(t, err)
		assert.Equal(t, "warp:a:0000000000000010", string(last))

		none, err := db.LastKey(ctx, []byte("warp:zzz:"))
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("ScanPrefix walks in key order", func(t *testing.T) {
		var values []string
		err := db.ScanPrefix(ctx, []byte("warp:a:"), func(_, value []byte) error {
			values = append(values, string(value))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "10"}, values)
	})

	t.Run("ScanPrefix stops on callback error", func(t *testing.T) {
		stop := fmt.Errorf("stop")
		calls := 0
		err := db.ScanPrefix(ctx, []byte("warp:a:"), func(_, _ []byte) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})

	t.Run("DeletePrefix honours keep", func(t *testing.T) {
		deleted, err := db.DeletePrefix(ctx, []byte("warp:a:"), func(key []byte) bool {
			return strings.HasSuffix(string(key), "10")
		})
		require.NoError(t, err)
		assert.Equal(t, 2, deleted)

		var keys []string
		require.NoError(t, db.ScanPrefix(ctx, []byte("warp:"), func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		}))
		assert.Equal(t, []string{"warp:a:0000000000000010", "warp:b:0000000000000099"}, keys)
	})
}

func TestGCRunner(t *testing.T) {
	db := openTestDB(t)

	t.Run("rejects bad config", func(t *testing.T) {
		_, err := NewGCRunner(nil, time.Second, 0.5, nil)
		assert.ErrorIs(t, err, ErrInvalidGCConfig)
		_, err = NewGCRunner(db.DB, 0, 0.5, nil)
		assert.ErrorIs(t, err, ErrInvalidGCConfig)
		_, err = NewGCRunner(db.DB, time.Second, 1.5, nil)
		assert.ErrorIs(t, err, ErrInvalidGCConfig)
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		r, err := NewGCRunner(db.DB, 10*time.Millisecond, 0.5, nil)
		require.NoError(t, err)
		r.Start()
		r.Start()
		time.Sleep(25 * time.Millisecond)
		r.Stop()
		r.Stop()
	})

	t.Run("stop without start returns", func(t *testing.T) {
		r, err := NewGCRunner(db.DB, time.Second, 0.5, nil)
		require.NoError(t, err)
		r.Stop()
	})
}
