// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal persists tapestry deltas in BadgerDB and rebuilds a
// tapestry from them.
//
// Key layout, per session:
//
//	warp:{session}:{seq:016d}   [4-byte CRC32][gob-encoded tapestry.Delta]
//	snapshot:{session}          [4-byte CRC32][JSON tapestry.Document]
//	checkpoint:{session}        8-byte big-endian seq covered by the snapshot
//
// Recovery imports the snapshot, if any, then replays every delta whose seq
// is above the checkpoint.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/loom/services/loom/storage/badger"
	"github.com/AleutianAI/loom/services/loom/tapestry"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrJournalClosed is returned when operations are called on a closed journal.
	ErrJournalClosed = errors.New("journal is closed")

	// ErrJournalCorrupted is returned when an entry fails its integrity check.
	ErrJournalCorrupted = errors.New("journal entry corrupted (CRC mismatch)")

	// ErrJournalFull is returned when the journal exceeds MaxBytes.
	ErrJournalFull = errors.New("journal size limit exceeded")

	// ErrJournalDegraded is returned by Append when the database could not be
	// opened and the journal runs without persistence.
	ErrJournalDegraded = errors.New("journal operating in degraded mode")

	// ErrJournalSequenceGap is returned when replay finds a missing seq.
	ErrJournalSequenceGap = errors.New("journal sequence number gap detected")

	// ErrSnapshotUnstable is returned when the tapestry kept changing while a
	// checkpoint tried to capture it.
	ErrSnapshotUnstable = errors.New("tapestry changed during checkpoint")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilDelta is returned when attempting to append a nil delta.
	ErrNilDelta = errors.New("delta must not be nil")
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	journalAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_journal_appends_total",
		Help: "Journal appends by status",
	}, []string{"status"})

	journalCheckpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_journal_checkpoints_total",
		Help: "Journal checkpoints by status",
	}, []string{"status"})

	journalBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loom_journal_bytes",
		Help: "Approximate bytes of uncheckpointed journal entries",
	}, []string{"session"})
)

var tracer = otel.Tracer("loom.journal")

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config configures a Journal.
type Config struct {
	// Path is the BadgerDB directory. Required unless InMemory.
	Path string

	// SessionID scopes every key. Required.
	SessionID string

	// SyncWrites fsyncs every append. Default: true.
	SyncWrites bool

	// MaxBytes rejects appends once the uncheckpointed entries exceed it.
	// Zero disables the limit. Default: 1GB.
	MaxBytes int64

	// AllowDegraded opens a journal without persistence when BadgerDB is
	// unavailable instead of failing.
	AllowDegraded bool

	// SkipCorrupted continues replay past entries failing their CRC.
	SkipCorrupted bool

	// InMemory uses an in-memory BadgerDB.
	InMemory bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites: true,
		MaxBytes:   1 << 30,
		Logger:     slog.Default(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SessionID == "" {
		return errors.New("session_id must not be empty")
	}
	if !c.InMemory && c.Path == "" {
		return errors.New("path is required for persistent journal")
	}
	if c.MaxBytes < 0 {
		return errors.New("max_bytes must be non-negative")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

// Entry is one replayed delta and its sequence number.
type Entry struct {
	Seq   uint64
	Delta tapestry.Delta
}

// Stats contains journal counters.
type Stats struct {
	LastSeq        uint64
	CheckpointSeq  uint64
	Entries        int64
	TotalBytes     int64
	LastCheckpoint time.Time
	CorruptedCount int64
	Degraded       bool
}

// Journal is a BadgerDB write-ahead log of tapestry deltas.
//
// Description:
//
//	Implements tapestry.Journal. Each delta is stored under the next
//	sequence number with a CRC32 checksum. The sequence number only
//	advances when the write commits, so a failed append leaves no gap.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	config Config
	logger *slog.Logger

	// mu serializes appends and checkpoints.
	mu sync.Mutex

	seqNum         atomic.Uint64
	checkpointSeq  atomic.Uint64
	entries        atomic.Int64
	totalBytes     atomic.Int64
	corruptedCount atomic.Int64
	lastCheckpoint atomic.Int64
	degraded       atomic.Bool
	closed         atomic.Bool
}

// Open opens the journal for config.SessionID.
//
// Inputs:
//   - config: Must pass Validate.
//
// Outputs:
//   - *Journal: Ready to append. Degraded if BadgerDB failed to open and
//     AllowDegraded is set.
//   - error: Non-nil for invalid config or when BadgerDB fails to open in
//     strict mode.
func Open(config Config) (*Journal, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	tapestry.RegisterGob()

	j := &Journal{
		config: config,
		logger: config.Logger.With(slog.String("component", "journal"), slog.String("session_id", config.SessionID)),
	}

	dbConfig := badger.DefaultConfig()
	dbConfig.Path = config.Path
	dbConfig.InMemory = config.InMemory
	dbConfig.SyncWrites = config.SyncWrites
	dbConfig.Logger = config.Logger
	if config.InMemory {
		dbConfig.GCInterval = 0
	}

	db, err := badger.OpenDB(dbConfig)
	if err != nil {
		if config.AllowDegraded {
			j.logger.Warn("BadgerDB unavailable, operating in degraded mode",
				slog.String("path", config.Path),
				slog.String("error", err.Error()))
			j.degraded.Store(true)
			return j, nil
		}
		return nil, fmt.Errorf("open badger: %w", err)
	}
	j.db = db

	if err := j.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load journal state: %w", err)
	}

	j.logger.Info("journal opened",
		slog.String("path", config.Path),
		slog.Bool("sync_writes", config.SyncWrites),
		slog.Uint64("last_seq", j.seqNum.Load()),
		slog.Uint64("checkpoint_seq", j.checkpointSeq.Load()))
	return j, nil
}

// load restores the sequence counters and the byte total from disk.
func (j *Journal) load() error {
	ctx := context.Background()

	cp, err := j.readCheckpointSeq(ctx)
	if err != nil {
		return err
	}
	j.checkpointSeq.Store(cp)

	last, err := j.db.LastKey(ctx, j.deltaKeyPrefix())
	if err != nil {
		return err
	}
	seq := cp
	if last != nil {
		if n, ok := j.parseSeq(last); ok && n > seq {
			seq = n
		}
	}
	j.seqNum.Store(seq)
	return j.recount(ctx)
}

// recount sets the entry count and byte total from the stored entries.
func (j *Journal) recount(ctx context.Context) error {
	var entries, size int64
	err := j.db.ScanPrefix(ctx, j.deltaKeyPrefix(), func(_, value []byte) error {
		entries++
		size += int64(len(value))
		return nil
	})
	if err != nil {
		return err
	}
	j.entries.Store(entries)
	j.totalBytes.Store(size)
	journalBytes.WithLabelValues(j.config.SessionID).Set(float64(size))
	return nil
}

func (j *Journal) deltaKeyPrefix() []byte {
	return []byte(fmt.Sprintf("warp:%s:", j.config.SessionID))
}

func (j *Journal) deltaKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("warp:%s:%016d", j.config.SessionID, seq))
}

func (j *Journal) snapshotKey() []byte {
	return []byte(fmt.Sprintf("snapshot:%s", j.config.SessionID))
}

func (j *Journal) checkpointKey() []byte {
	return []byte(fmt.Sprintf("checkpoint:%s", j.config.SessionID))
}

func (j *Journal) parseSeq(key []byte) (uint64, bool) {
	prefix := j.deltaKeyPrefix()
	if !bytes.HasPrefix(key, prefix) {
		return 0, false
	}
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

// seal prepends the CRC32 of payload.
func seal(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(payload))
	copy(out[4:], payload)
	return out
}

// unseal verifies and strips the CRC32 prefix.
func unseal(data []byte) ([]byte, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: entry too short", ErrJournalCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrJournalCorrupted, stored, computed)
	}
	return payload, nil
}

func encodeDelta(delta tapestry.Delta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&delta); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return seal(buf.Bytes()), nil
}

func decodeDelta(data []byte) (tapestry.Delta, error) {
	payload, err := unseal(data)
	if err != nil {
		return nil, err
	}
	var delta tapestry.Delta
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&delta); err != nil {
		return nil, fmt.Errorf("%w: gob decode: %w", ErrJournalCorrupted, err)
	}
	return delta, nil
}

// -----------------------------------------------------------------------------
// Append
// -----------------------------------------------------------------------------

// Append writes delta under the next sequence number.
//
// Outputs:
//   - error: ErrJournalClosed, ErrJournalDegraded, ErrJournalFull, or an
//     encode/write failure. The seq does not advance on failure.
func (j *Journal) Append(ctx context.Context, delta tapestry.Delta) error {
	if ctx == nil {
		return ErrNilContext
	}
	if delta == nil {
		return ErrNilDelta
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.closed.Load() {
		return ErrJournalClosed
	}

	ctx, span := tracer.Start(ctx, "journal.Append",
		trace.WithAttributes(
			attribute.String("session_id", j.config.SessionID),
			attribute.String("delta_kind", delta.Kind().String()),
		),
	)
	defer span.End()

	fail := func(err error, status, msg string) error {
		journalAppends.WithLabelValues(status).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return err
	}

	if j.degraded.Load() {
		return fail(ErrJournalDegraded, "degraded", "degraded mode")
	}

	data, err := encodeDelta(delta)
	if err != nil {
		return fail(fmt.Errorf("encode entry: %w", err), "error", "encode failed")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.config.MaxBytes > 0 && j.totalBytes.Load()+int64(len(data)) > j.config.MaxBytes {
		return fail(ErrJournalFull, "full", "journal full")
	}

	seq := j.seqNum.Load() + 1
	err = j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(j.deltaKey(seq), data)
	})
	if err != nil {
		return fail(fmt.Errorf("write entry: %w", err), "error", "write failed")
	}

	j.seqNum.Store(seq)
	j.entries.Add(1)
	size := j.totalBytes.Add(int64(len(data)))
	journalBytes.WithLabelValues(j.config.SessionID).Set(float64(size))
	journalAppends.WithLabelValues("ok").Inc()

	span.SetAttributes(
		attribute.Int64("seq_num", int64(seq)),
		attribute.Int("entry_bytes", len(data)),
	)
	j.logger.Debug("delta appended",
		slog.Uint64("seq_num", seq),
		slog.String("kind", delta.Kind().String()),
		slog.Int("bytes", len(data)))
	return nil
}

// -----------------------------------------------------------------------------
// Replay
// -----------------------------------------------------------------------------

// Replay returns every delta after the checkpoint, in sequence order.
//
// Description:
//
//	The first entry must follow the checkpoint seq and each later entry must
//	follow its predecessor. A gap or a corrupted entry fails the replay
//	unless SkipCorrupted is set, in which case it is logged and skipped.
//
// Outputs:
//   - []Entry: Deltas in order. Empty in degraded mode.
//   - error: ErrJournalSequenceGap, ErrJournalCorrupted, or a read failure.
func (j *Journal) Replay(ctx context.Context) ([]Entry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j.closed.Load() {
		return nil, ErrJournalClosed
	}

	ctx, span := tracer.Start(ctx, "journal.Replay",
		trace.WithAttributes(attribute.String("session_id", j.config.SessionID)),
	)
	defer span.End()

	if j.degraded.Load() {
		span.SetAttributes(attribute.Bool("degraded", true))
		return []Entry{}, nil
	}

	checkpointSeq := j.checkpointSeq.Load()
	expected := checkpointSeq + 1
	var out []Entry
	corrupted := 0

	err := j.db.ScanPrefix(ctx, j.deltaKeyPrefix(), func(key, value []byte) error {
		seq, ok := j.parseSeq(key)
		if !ok || seq <= checkpointSeq {
			return nil
		}

		if seq != expected {
			if !j.config.SkipCorrupted {
				return fmt.Errorf("%w: expected %d, got %d", ErrJournalSequenceGap, expected, seq)
			}
			j.logger.Warn("sequence gap detected",
				slog.Uint64("expected", expected),
				slog.Uint64("got", seq))
		}
		expected = seq + 1

		delta, err := decodeDelta(value)
		if err != nil {
			corrupted++
			j.corruptedCount.Add(1)
			if j.config.SkipCorrupted {
				j.logger.Warn("skipping corrupted entry",
					slog.Uint64("seq_num", seq),
					slog.String("error", err.Error()))
				return nil
			}
			return fmt.Errorf("entry %d: %w", seq, err)
		}
		out = append(out, Entry{Seq: seq, Delta: delta})
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		return nil, fmt.Errorf("replay: %w", err)
	}

	span.SetAttributes(
		attribute.Int("delta_count", len(out)),
		attribute.Int("corrupted_count", corrupted),
		attribute.Int64("checkpoint_seq", int64(checkpointSeq)),
	)
	j.logger.Info("replay completed",
		slog.Int("delta_count", len(out)),
		slog.Int("corrupted", corrupted),
		slog.Uint64("checkpoint_seq", checkpointSeq))
	return out, nil
}

// -----------------------------------------------------------------------------
// Checkpoint
// -----------------------------------------------------------------------------

// Exporter produces a consistent document of a tapestry.
type Exporter interface {
	Export() *tapestry.Document
}

const maxCheckpointAttempts = 8

// Checkpoint stores a snapshot of src and truncates the entries it covers.
//
// Description:
//
//	Reads the last seq, exports src, and reads the seq again; the export
//	is only used if no append landed in between, so the snapshot reflects
//	exactly the deltas up to that seq. The snapshot and checkpoint seq are
//	written in one transaction, then covered entries are deleted. A failed
//	truncation is logged and does not fail the checkpoint. No-op in
//	degraded mode.
//
// Outputs:
//   - error: ErrJournalClosed, ErrSnapshotUnstable, or a write failure.
func (j *Journal) Checkpoint(ctx context.Context, src Exporter) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.closed.Load() {
		return ErrJournalClosed
	}

	ctx, span := tracer.Start(ctx, "journal.Checkpoint",
		trace.WithAttributes(attribute.String("session_id", j.config.SessionID)),
	)
	defer span.End()

	if j.degraded.Load() {
		span.SetAttributes(attribute.Bool("degraded", true))
		return nil
	}

	fail := func(err error, msg string) error {
		journalCheckpoints.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return err
	}

	var (
		doc *tapestry.Document
		seq uint64
	)
	for attempt := 0; attempt < maxCheckpointAttempts && doc == nil; attempt++ {
		before := j.seqNum.Load()
		exported := src.Export()
		if j.seqNum.Load() == before {
			doc, seq = exported, before
		}
	}
	if doc == nil {
		return fail(ErrSnapshotUnstable, "snapshot unstable")
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return fail(fmt.Errorf("encode snapshot: %w", err), "encode failed")
	}
	seqData := make([]byte, 8)
	binary.BigEndian.PutUint64(seqData, seq)

	j.mu.Lock()
	defer j.mu.Unlock()

	err = j.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set(j.snapshotKey(), seal(payload)); err != nil {
			return err
		}
		return txn.Set(j.checkpointKey(), seqData)
	})
	if err != nil {
		return fail(fmt.Errorf("write checkpoint: %w", err), "checkpoint failed")
	}
	j.checkpointSeq.Store(seq)
	j.lastCheckpoint.Store(time.Now().Unix())
	journalCheckpoints.WithLabelValues("ok").Inc()

	deleted, err := j.db.DeletePrefix(ctx, j.deltaKeyPrefix(), func(key []byte) bool {
		n, ok := j.parseSeq(key)
		return ok && n > seq
	})
	if err == nil {
		// entries after seq survive; count what is actually left
		err = j.recount(ctx)
	}
	if err != nil {
		span.RecordError(err)
		j.logger.Warn("checkpoint truncation failed", slog.String("error", err.Error()))
	}

	span.SetAttributes(
		attribute.Int64("checkpoint_seq", int64(seq)),
		attribute.Int("deleted_entries", deleted),
		attribute.Int("snapshot_bytes", len(payload)),
	)
	j.logger.Info("checkpoint created",
		slog.Uint64("seq_num", seq),
		slog.Int("nodes", len(doc.Nodes)),
		slog.Int("deleted", deleted))
	return nil
}

// Snapshot returns the stored snapshot and the seq it covers. The document
// is nil when no checkpoint has been taken.
func (j *Journal) Snapshot(ctx context.Context) (*tapestry.Document, uint64, error) {
	if ctx == nil {
		return nil, 0, ErrNilContext
	}
	if j.closed.Load() {
		return nil, 0, ErrJournalClosed
	}
	if j.degraded.Load() {
		return nil, 0, nil
	}

	var doc *tapestry.Document
	err := j.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(j.snapshotKey())
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			payload, err := unseal(val)
			if err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}
			doc = &tapestry.Document{}
			if err := json.Unmarshal(payload, doc); err != nil {
				return fmt.Errorf("%w: snapshot decode: %w", ErrJournalCorrupted, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	return doc, j.checkpointSeq.Load(), nil
}

func (j *Journal) readCheckpointSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := j.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(j.checkpointKey())
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				seq = binary.BigEndian.Uint64(val)
			}
			return nil
		})
	})
	return seq, err
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// LastSeq returns the seq of the most recent append.
func (j *Journal) LastSeq() uint64 {
	return j.seqNum.Load()
}

// IsAvailable returns false if the journal is degraded or closed.
func (j *Journal) IsAvailable() bool {
	return !j.degraded.Load() && !j.closed.Load()
}

// IsDegraded returns true if the journal has no persistence.
func (j *Journal) IsDegraded() bool {
	return j.degraded.Load()
}

// Sync flushes pending writes.
func (j *Journal) Sync() error {
	if j.closed.Load() {
		return ErrJournalClosed
	}
	if j.degraded.Load() || j.db == nil {
		return nil
	}
	return j.db.Sync()
}

// Close syncs and releases the database. Safe to call twice.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	j.logger.Info("closing journal", slog.Uint64("last_seq", j.seqNum.Load()))

	if j.db == nil {
		return nil
	}
	if err := j.db.Sync(); err != nil {
		j.logger.Warn("sync before close failed", slog.String("error", err.Error()))
	}
	return j.db.Close()
}

// Stats returns journal counters.
func (j *Journal) Stats() Stats {
	var last time.Time
	if ts := j.lastCheckpoint.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}
	return Stats{
		LastSeq:        j.seqNum.Load(),
		CheckpointSeq:  j.checkpointSeq.Load(),
		Entries:        j.entries.Load(),
		TotalBytes:     j.totalBytes.Load(),
		LastCheckpoint: last,
		CorruptedCount: j.corruptedCount.Load(),
		Degraded:       j.degraded.Load(),
	}
}
