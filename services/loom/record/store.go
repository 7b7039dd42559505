// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package record

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultDedupeCacheSize is the number of (parent, operation) results kept
// when StoreConfig.DedupeCacheSize is zero.
const DefaultDedupeCacheSize = 1024

// StoreConfig configures a Store.
type StoreConfig struct {
	// DedupeCacheSize bounds the content-addressed result cache.
	// Zero uses DefaultDedupeCacheSize; a negative value disables it.
	DedupeCacheSize int

	// Logger for store events. Defaults to slog.Default().
	Logger *slog.Logger
}

// StoreStats reports dedupe cache effectiveness.
type StoreStats struct {
	Commits    int64
	CacheHits  int64
	CacheSize  int
	CacheLimit int
}

// Store applies operations to states and produces UpdateRecords.
//
// Description:
//
//	Store dispatches on Operation.Kind to a registered Applier. The built-in
//	kinds (append, replace, patch) are registered by NewStore. Results are
//	content-addressed by (parent digest, kind, body); a bounded FIFO cache
//	lets repeated commits skip re-application. The cache is an optimisation
//	only, and a miss always recomputes the same result.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	appliers map[string]Applier

	cacheMu    sync.Mutex
	cache      map[string]State
	cacheOrder []string
	cacheLimit int

	commits atomic.Int64
	hits    atomic.Int64

	logger *slog.Logger
}

// NewStore creates a store with the built-in appliers registered.
func NewStore(cfg StoreConfig) *Store {
	limit := cfg.DedupeCacheSize
	if limit == 0 {
		limit = DefaultDedupeCacheSize
	}
	if limit < 0 {
		limit = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		appliers:   make(map[string]Applier, 3),
		cache:      make(map[string]State, limit),
		cacheLimit: limit,
		logger:     logger.With(slog.String("component", "record_store")),
	}
	s.appliers[KindAppend] = ApplierFunc(appendApplier)
	s.appliers[KindReplace] = ApplierFunc(replaceApplier)
	s.appliers[KindPatch] = ApplierFunc(patchApplier)
	return s
}

// Register installs an applier for kind, replacing any existing one.
//
// Replacing a built-in kind changes how future commits derive states; records
// already committed under the old applier will fail Replay verification.
func (s *Store) Register(kind string, a Applier) error {
	if kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidOperation)
	}
	if a == nil {
		return fmt.Errorf("%w: nil applier for kind %q", ErrInvalidOperation, kind)
	}

	s.mu.Lock()
	s.appliers[kind] = a
	s.mu.Unlock()

	s.purge()
	s.logger.Debug("applier registered", slog.String("kind", kind))
	return nil
}

// Kinds returns the registered operation kinds.
func (s *Store) Kinds() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kinds := make([]string, 0, len(s.appliers))
	for k := range s.appliers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Commit applies op to parent and returns the resulting record and state.
//
// Description:
//
//	The returned record carries Seq 0; callers assign the lineage sequence
//	number with UpdateRecord.WithSeq when attaching it to a node.
//
// Inputs:
//   - parent: The state the operation applies to.
//   - op: The operation. Kind must be registered.
//
// Outputs:
//   - UpdateRecord: The transition (Parent, Op, Result).
//   - State: The derived state.
//   - error: Wraps ErrInvalidOperation if op cannot be applied.
func (s *Store) Commit(parent State, op Operation) (UpdateRecord, State, error) {
	s.commits.Add(1)

	if op.Kind == "" {
		return UpdateRecord{}, State{}, fmt.Errorf("%w: missing kind", ErrInvalidOperation)
	}

	parentDigest := parent.Digest()
	key := op.key(parentDigest)

	if next, ok := s.cached(key); ok {
		s.hits.Add(1)
		return UpdateRecord{Op: cloneOp(op), Parent: parentDigest, Result: next.Digest()}, next, nil
	}

	s.mu.RLock()
	applier, ok := s.appliers[op.Kind]
	s.mu.RUnlock()
	if !ok {
		return UpdateRecord{}, State{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}

	next, err := applier.Apply(parent, op)
	if err != nil {
		return UpdateRecord{}, State{}, fmt.Errorf("%w: %s: %w", ErrInvalidOperation, op.Kind, err)
	}
	if next.digest == "" {
		next = wrapState(next.data)
	}

	s.remember(key, next)
	return UpdateRecord{Op: cloneOp(op), Parent: parentDigest, Result: next.Digest()}, next, nil
}

// Replay re-applies records over base and verifies every step.
//
// Outputs:
//   - State: The state after the last record (base if records is empty).
//   - error: ErrStateMismatch if a record's Parent or Result digest does not
//     match the replayed chain; ErrInvalidOperation if an operation fails.
func (s *Store) Replay(base State, records []UpdateRecord) (State, error) {
	cur := base
	for i, rec := range records {
		if rec.Parent != cur.Digest() {
			return State{}, fmt.Errorf("%w: record %d (seq %d) expects parent %s, have %s",
				ErrStateMismatch, i, rec.Seq, rec.Parent.Short(), cur.Digest().Short())
		}
		_, next, err := s.Commit(cur, rec.Op)
		if err != nil {
			return State{}, fmt.Errorf("replay record %d (seq %d): %w", i, rec.Seq, err)
		}
		if next.Digest() != rec.Result {
			return State{}, fmt.Errorf("%w: record %d (seq %d) produced %s, recorded %s",
				ErrStateMismatch, i, rec.Seq, next.Digest().Short(), rec.Result.Short())
		}
		cur = next
	}
	return cur, nil
}

// Stats returns a snapshot of commit and cache counters.
func (s *Store) Stats() StoreStats {
	s.cacheMu.Lock()
	size := len(s.cache)
	s.cacheMu.Unlock()
	return StoreStats{
		Commits:    s.commits.Load(),
		CacheHits:  s.hits.Load(),
		CacheSize:  size,
		CacheLimit: s.cacheLimit,
	}
}

// -----------------------------------------------------------------------------
// Dedupe cache
// -----------------------------------------------------------------------------

func (s *Store) cached(key string) (State, bool) {
	if s.cacheLimit == 0 {
		return State{}, false
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	st, ok := s.cache[key]
	return st, ok
}

func (s *Store) remember(key string, st State) {
	if s.cacheLimit == 0 {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if _, ok := s.cache[key]; ok {
		return
	}
	for len(s.cacheOrder) >= s.cacheLimit {
		oldest := s.cacheOrder[0]
		s.cacheOrder = s.cacheOrder[1:]
		delete(s.cache, oldest)
	}
	s.cache[key] = st
	s.cacheOrder = append(s.cacheOrder, key)
}

func (s *Store) purge() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	clear(s.cache)
	s.cacheOrder = s.cacheOrder[:0]
}

func cloneOp(op Operation) Operation {
	body := make([]byte, len(op.Body))
	copy(body, op.Body)
	return Operation{Kind: op.Kind, Body: body}
}
