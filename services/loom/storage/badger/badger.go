// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the BadgerDB instance behind the loom
// journal.
//
// The journal keeps two kinds of keys per session: ordered delta entries and
// a snapshot checkpoint. This package supplies the database lifecycle
// (open, value-log GC, close) plus the prefix helpers the journal uses to
// scan, find the last entry and truncate.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrPathRequired is returned when a persistent database has no path.
	ErrPathRequired = errors.New("path is required for persistent database")

	// ErrInvalidGCConfig is returned for a non-positive GC interval or a
	// discard ratio outside [0, 1].
	ErrInvalidGCConfig = errors.New("invalid value log GC configuration")
)

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests and --in-memory runs.
	InMemory bool

	// SyncWrites fsyncs every commit. Required for journal durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int

	// GCInterval is how often to run value log garbage collection.
	// Zero disables the runner.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns the production configuration: synchronous writes,
// one version per key and value-log GC every five minutes at a 0.5 ratio.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns a configuration for tests: in memory, no sync, no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		NumVersionsToKeep: 1,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// open builds badger options from cfg and opens the raw database.
func open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, ErrPathRequired
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	versions := cfg.NumVersionsToKeep
	if versions <= 0 {
		versions = 1
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(versions)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

// -----------------------------------------------------------------------------
// Value log GC
// -----------------------------------------------------------------------------

// GCRunner runs periodic value log garbage collection.
//
// Thread Safety: Start and Stop are safe to call from any goroutine; Stop is
// idempotent.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewGCRunner creates a runner. Call Start to begin collecting.
//
// Inputs:
//   - db: Must not be nil.
//   - interval: Must be positive.
//   - ratio: Minimum garbage ratio in [0, 1].
//   - logger: Optional.
//
// Outputs:
//   - *GCRunner: The runner, not yet started.
//   - error: ErrInvalidGCConfig for bad inputs.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db must not be nil", ErrInvalidGCConfig)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidGCConfig)
	}
	if ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("%w: ratio must be between 0 and 1", ErrInvalidGCConfig)
	}

	return &GCRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins periodic collection. Later calls are no-ops.
func (r *GCRunner) Start() {
	r.startOnce.Do(func() { go r.run() })
}

// Stop halts collection and waits for the goroutine to exit.
func (r *GCRunner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		started := true
		r.startOnce.Do(func() { started = false })
		if started {
			<-r.doneCh
		}
	})
}

func (r *GCRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *GCRunner) runGC() {
	err := r.db.RunValueLogGC(r.ratio)
	switch {
	case err == nil:
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	case errors.Is(err, badger.ErrNoRewrite):
		// nothing to reclaim
	default:
		if r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
	}
}

// -----------------------------------------------------------------------------
// Managed DB
// -----------------------------------------------------------------------------

// DB wraps a BadgerDB instance with lifecycle management and the key
// helpers used by the journal.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	*badger.DB
	gcRunner *GCRunner
	path     string
	inMemory bool
}

// OpenDB opens a database and starts a GC runner when GCInterval is set and
// the database is persistent.
//
// Outputs:
//   - *DB: The managed database. Call Close when done.
//   - error: ErrPathRequired, or the open failure.
func OpenDB(cfg Config) (*DB, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	wrapped := &DB{
		DB:       db,
		path:     cfg.Path,
		inMemory: cfg.InMemory,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := NewGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		wrapped.gcRunner = runner
		runner.Start()
	}

	return wrapped, nil
}

// Close stops the GC runner and closes the database.
func (d *DB) Close() error {
	if d.gcRunner != nil {
		d.gcRunner.Stop()
	}
	return d.DB.Close()
}

// Path returns the database path, or empty string for in-memory databases.
func (d *DB) Path() string {
	return d.path
}

// InMemory reports whether the database lives only in RAM.
func (d *DB) InMemory() bool {
	return d.inMemory
}

// Sync flushes pending writes to disk. No-op in memory.
func (d *DB) Sync() error {
	if d.inMemory {
		return nil
	}
	return d.DB.Sync()
}

// WithTxn runs fn in a read-write transaction and commits if fn returns nil.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// WithReadTxn runs fn in a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	txn := d.DB.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}

// -----------------------------------------------------------------------------
// Prefix helpers
// -----------------------------------------------------------------------------

// LastKey returns a copy of the greatest key under prefix, or nil if there
// is none.
//
// Description:
//
//	Seeks a reverse iterator to prefix followed by 0xFF bytes. Keys under the
//	prefix must sort below that seek key, which holds for the fixed-width
//	decimal suffixes the journal writes.
func (d *DB) LastKey(ctx context.Context, prefix []byte) ([]byte, error) {
	var last []byte
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(bytes.Clone(prefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seek)
		if it.ValidForPrefix(prefix) {
			last = it.Item().KeyCopy(nil)
		}
		return nil
	})
	return last, err
}

// ScanPrefix calls fn for every key under prefix in ascending order. The
// value slice is only valid during the call. Returning an error from fn
// stops the scan and is returned.
func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error { return fn(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeletePrefix deletes every key under prefix for which keep returns false.
// A nil keep deletes all of them. Deletes are flushed in batches so large
// truncations do not exceed badger's transaction size.
//
// Outputs:
//   - int: The number of keys deleted.
//   - error: The first scan or write failure.
func (d *DB) DeletePrefix(ctx context.Context, prefix []byte, keep func(key []byte) bool) (int, error) {
	var doomed [][]byte
	err := d.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if keep == nil || !keep(key) {
				doomed = append(doomed, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	wb := d.DB.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range doomed {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush deletes: %w", err)
	}
	return len(doomed), nil
}
