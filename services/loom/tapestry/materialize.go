// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tapestry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/loom/services/loom/record"
)

// segment is one node's record run captured for replay outside the lock.
type segment struct {
	id      NodeID
	records []record.UpdateRecord
}

// Materialize returns the state of a node.
//
// Description:
//
//	Returns the cached state when it is valid for the node's current record
//	count. Otherwise the lineage is walked through base parents until a
//	valid cache or a root's initial state is found, the record runs are
//	captured under the read lock and replayed outside it. Every replayed
//	node whose record count did not change meanwhile gets its cache set.
//	Concurrent calls for the same node and length share one computation.
//	The shared replay is detached from any single caller's cancellation;
//	a cancelled caller stops waiting while the others still get the result.
//
// Outputs:
//   - record.State: The materialized state.
//   - error: ErrNodeNotFound, record.ErrStateMismatch if history does not
//     replay to its recorded digests, or the context error.
//
// Thread Safety: Safe for concurrent use.
func (t *Tapestry) Materialize(ctx context.Context, id NodeID) (record.State, error) {
	if ctx == nil {
		return record.State{}, ErrNilContext
	}

	t.mu.RLock()
	n, ok := t.nodes[id]
	if !ok {
		t.mu.RUnlock()
		return record.State{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.cacheValid() {
		st := *n.cache
		t.mu.RUnlock()
		return st, nil
	}
	if len(n.records) == 0 && n.initial != nil {
		st := *n.initial
		t.mu.RUnlock()
		return st, nil
	}
	key := strconv.FormatUint(uint64(id), 10) + ":" + strconv.Itoa(len(n.records))
	t.mu.RUnlock()

	ch := t.flight.DoChan(key, func() (any, error) {
		return t.rebuild(context.WithoutCancel(ctx), id)
	})
	select {
	case <-ctx.Done():
		return record.State{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return record.State{}, res.Err
		}
		return res.Val.(record.State), nil
	}
}

// rebuild replays a node's lineage from the nearest valid state.
func (t *Tapestry) rebuild(ctx context.Context, id NodeID) (record.State, error) {
	ctx, span := tracer.Start(ctx, "tapestry.Materialize",
		trace.WithAttributes(attribute.Int64("node_id", int64(id))),
	)
	defer span.End()

	base, segments, err := t.captureLineage(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture failed")
		return record.State{}, err
	}

	cur := base
	replayed := 0
	for i := len(segments) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return record.State{}, err
		}
		seg := segments[i]
		next, err := t.store.Replay(cur, seg.records)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "replay failed")
			return record.State{}, fmt.Errorf("materialize %s: replay %s: %w", id, seg.id, err)
		}
		t.storeCache(seg.id, len(seg.records), next)
		replayed += len(seg.records)
		cur = next
	}

	span.SetAttributes(
		attribute.Int("segments", len(segments)),
		attribute.Int("records_replayed", replayed),
	)
	t.logger.Debug("materialized",
		slog.String("node", id.String()),
		slog.Int("segments", len(segments)),
		slog.Int("records_replayed", replayed),
	)
	return cur, nil
}

// captureLineage walks base parents from id and returns the starting state
// plus the record runs to replay, nearest node first.
func (t *Tapestry) captureLineage(id NodeID) (record.State, []segment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var segments []segment
	cur := id
	for {
		n, ok := t.nodes[cur]
		if !ok {
			return record.State{}, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, cur)
		}
		if n.cacheValid() {
			return *n.cache, segments, nil
		}
		if len(n.records) > 0 {
			segments = append(segments, segment{id: n.id, records: n.records[:len(n.records):len(n.records)]})
		}
		if n.initial != nil {
			return *n.initial, segments, nil
		}
		if n.isRoot() {
			return record.State{}, segments, nil
		}
		cur = n.baseParent()
	}
}

// storeCache memoises a state if the node still has length records.
func (t *Tapestry) storeCache(id NodeID, length int, st record.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok || len(n.records) != length {
		return
	}
	n.cache, n.cacheLen = &st, length
}

// Head is a consistent view of a node's tip: its record count and the state
// after those records.
type Head struct {
	ID    NodeID
	Len   int
	State record.State
}

const maxHeadAttempts = 8

// Head materializes a node and pairs the state with the record count it
// corresponds to, retrying if the node changes in between.
//
// Outputs:
//   - Head: The tip snapshot.
//   - error: ErrNodeNotFound, ErrConcurrentModification if the node kept
//     changing, or a Materialize error.
func (t *Tapestry) Head(ctx context.Context, id NodeID) (Head, error) {
	for attempt := 0; attempt < maxHeadAttempts; attempt++ {
		t.mu.RLock()
		n, ok := t.nodes[id]
		if !ok {
			t.mu.RUnlock()
			return Head{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		length, digest := len(n.records), t.tipDigest(n)
		t.mu.RUnlock()

		st, err := t.Materialize(ctx, id)
		if err != nil {
			return Head{}, err
		}
		if st.Digest() == digest {
			return Head{ID: id, Len: length, State: st}, nil
		}
	}
	return Head{}, fmt.Errorf("%w: %s kept changing during materialize", ErrConcurrentModification, id)
}

// EvictCaches drops the cached states of sealed, unretained nodes that are
// not pinned. Materialize recomputes them on demand.
//
// Outputs:
//   - int: The number of caches dropped.
func (t *Tapestry) EvictCaches() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, n := range t.nodes {
		if n.cache == nil || !n.sealed || n.retained() || t.pins[id] > 0 {
			continue
		}
		n.cache, n.cacheLen = nil, 0
		evicted++
	}
	if evicted > 0 {
		t.logger.Debug("caches evicted", slog.Int("count", evicted))
	}
	return evicted
}
