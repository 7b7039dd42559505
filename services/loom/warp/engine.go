// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/tapestry"
	"github.com/AleutianAI/loom/services/loom/weft"
)

var tracer = otel.Tracer("loom.warp")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config tunes an Engine.
type Config struct {
	// MaxCommitRetries bounds how often an append is re-derived after a
	// concurrent modification. Default: 3.
	MaxCommitRetries int

	// WeftTimeout is the deadline given to each program call. Zero means
	// only the caller's context bounds the call. Default: 30s.
	WeftTimeout time.Duration

	// RateLimit is the sustained program calls per second. Zero or less
	// disables limiting.
	RateLimit float64

	// Burst is the limiter bucket size. Default: 1.
	Burst int

	// MaxParallelMaterialize bounds concurrent input materializations per
	// invoke. Default: 4.
	MaxParallelMaterialize int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxCommitRetries:       3,
		WeftTimeout:            30 * time.Second,
		Burst:                  1,
		MaxParallelMaterialize: 4,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxCommitRetries < 0 {
		c.MaxCommitRetries = d.MaxCommitRetries
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.MaxParallelMaterialize <= 0 {
		c.MaxParallelMaterialize = d.MaxParallelMaterialize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Engine runs warp operations against one tapestry.
//
// Description:
//
//	Every operation derives its delta outside the tapestry lock (applying
//	operations, materializing inputs, calling weft programs) and commits it
//	with a single Tapestry.Apply. A commit that finds its target changed
//	fails with ErrConcurrentModification and is either retried against the
//	current state (appends) or surfaced to the caller.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	tp       *tapestry.Tapestry
	programs *weft.Registry
	limiter  *rate.Limiter
	cfg      Config
	logger   *slog.Logger
}

// New creates an engine.
//
// Inputs:
//   - tp: The tapestry to mutate. Must not be nil.
//   - programs: Weft programs available to Invoke. Nil means none.
//   - cfg: Zero fields take their defaults.
//
// Outputs:
//   - *Engine: The engine.
//   - error: ErrNilTapestry.
func New(tp *tapestry.Tapestry, programs *weft.Registry, cfg Config) (*Engine, error) {
	if tp == nil {
		return nil, ErrNilTapestry
	}
	if programs == nil {
		programs = weft.NewRegistry()
	}
	cfg.applyDefaults()

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &Engine{
		tp:       tp,
		programs: programs,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("component", "warp"), slog.String("tapestry", tp.ID())),
	}, nil
}

// Tapestry returns the tapestry the engine mutates.
func (e *Engine) Tapestry() *tapestry.Tapestry {
	return e.tp
}

// Programs returns the weft program registry.
func (e *Engine) Programs() *weft.Registry {
	return e.programs
}

// begin starts the span and clock shared by every operation.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error) error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "warp."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) error {
		recordOperation(op, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusOf(err))
		}
		span.End()
		return err
	}
}

// -----------------------------------------------------------------------------
// Seed
// -----------------------------------------------------------------------------

// Seed creates a root holding initial and an empty history.
//
// Outputs:
//   - tapestry.NodeID: The new root; roots are always retained.
//   - tapestry.Change: For cache invalidation.
//   - error: A context or journal error.
func (e *Engine) Seed(ctx context.Context, initial record.State, label string) (tapestry.NodeID, tapestry.Change, error) {
	return e.SeedWithMetadata(ctx, initial, label, nil)
}

// SeedWithMetadata is Seed with free-form key/value metadata attached to the
// root. The map is copied.
func (e *Engine) SeedWithMetadata(ctx context.Context, initial record.State, label string, metadata map[string]string) (tapestry.NodeID, tapestry.Change, error) {
	if ctx == nil {
		return 0, tapestry.Change{}, ErrNilContext
	}
	ctx, end := e.begin(ctx, "seed",
		attribute.Int("initial_bytes", initial.Len()),
		attribute.Int("metadata_keys", len(metadata)),
	)

	ch, err := e.tp.Apply(ctx, &tapestry.SeedDelta{Initial: initial.Bytes(), Label: label, Metadata: metadata})
	if err != nil {
		return 0, tapestry.Change{}, end(fmt.Errorf("seed: %w", err))
	}
	root := ch.Result[0]
	e.logger.Info("tapestry seeded", slog.String("root", root.String()), slog.String("label", label))
	return root, ch, end(nil)
}

// -----------------------------------------------------------------------------
// Append
// -----------------------------------------------------------------------------

// Append applies op to the current state of id.
//
// Description:
//
//	The record is derived from a snapshot of id outside any lock. If id is
//	an unpinned frontier and unchanged at commit, it is extended in place
//	and the same id is returned. A sealed target gains a new child holding
//	only the record. If another append landed on id in between, the record
//	is re-derived against the new state and committed as a new child, so
//	neither update is lost; this repeats at most MaxCommitRetries times.
//
// Outputs:
//   - tapestry.NodeID: The node now ending with the record.
//   - tapestry.Change: For cache invalidation.
//   - error: ErrNodeNotFound, ErrInvalidOperation for an inapplicable op,
//     or ErrConcurrentModification once retries are exhausted.
func (e *Engine) Append(ctx context.Context, id tapestry.NodeID, op record.Operation) (tapestry.NodeID, tapestry.Change, error) {
	return e.appendOne(ctx, "append", id, op, false)
}

// Branch applies op to the current state of id as a new child, even when id
// is a frontier that Append would extend in place.
func (e *Engine) Branch(ctx context.Context, id tapestry.NodeID, op record.Operation) (tapestry.NodeID, tapestry.Change, error) {
	return e.appendOne(ctx, "branch", id, op, true)
}

func (e *Engine) appendOne(ctx context.Context, name string, id tapestry.NodeID, op record.Operation, branch bool) (tapestry.NodeID, tapestry.Change, error) {
	if ctx == nil {
		return 0, tapestry.Change{}, ErrNilContext
	}
	ctx, end := e.begin(ctx, name,
		attribute.Int64("node_id", int64(id)),
		attribute.String("op_kind", op.Kind),
	)

	force := branch
	for attempt := 0; ; attempt++ {
		d, err := e.deriveAppend(ctx, id, op)
		if err == nil {
			d.ForceBranch = force
			var ch tapestry.Change
			ch, err = e.tp.Apply(ctx, d)
			if err == nil {
				trace.SpanFromContext(ctx).SetAttributes(
					attribute.Int("attempts", attempt+1),
					attribute.Bool("in_place", ch.Result[0] == id),
				)
				return ch.Result[0], ch, end(nil)
			}
		}
		if !errors.Is(err, tapestry.ErrConcurrentModification) || attempt >= e.cfg.MaxCommitRetries {
			return 0, tapestry.Change{}, end(fmt.Errorf("%s %s: %w", name, id, err))
		}

		commitRetries.WithLabelValues(name).Inc()
		e.logger.Debug("append conflicted, re-deriving as branch",
			slog.String("node", id.String()),
			slog.Int("attempt", attempt+1))
		force = true
	}
}

// deriveAppend snapshots id and applies op to its state.
func (e *Engine) deriveAppend(ctx context.Context, id tapestry.NodeID, op record.Operation) (*tapestry.AppendDelta, error) {
	head, err := e.tp.Head(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, next, err := e.tp.Store().Commit(head.State, op)
	if err != nil {
		return nil, err
	}
	return tapestry.NewAppendDelta(id, head.Len, rec, next), nil
}

// AppendRequest is one entry of an AppendBatch.
type AppendRequest struct {
	Target    tapestry.NodeID
	Operation record.Operation
}

// AppendBatch commits logically concurrent appends as one transaction.
//
// Description:
//
//	Requests sharing a target all become sibling children of it, making it
//	a branch point. A request whose target appears once follows the Append
//	rules. Either every request commits or none does. On a concurrent
//	modification the whole batch is re-derived; requests whose target moved
//	in the meantime branch, the others keep the Append rules.
//
// Outputs:
//   - []tapestry.NodeID: One node per request, in request order.
//   - tapestry.Change: For cache invalidation.
//   - error: As Append; nothing is committed on error.
func (e *Engine) AppendBatch(ctx context.Context, reqs []AppendRequest) ([]tapestry.NodeID, tapestry.Change, error) {
	if ctx == nil {
		return nil, tapestry.Change{}, ErrNilContext
	}
	ctx, end := e.begin(ctx, "batch", attribute.Int("requests", len(reqs)))

	if len(reqs) == 0 {
		return nil, tapestry.Change{}, end(fmt.Errorf("batch: %w: no requests", tapestry.ErrInvalidOperation))
	}

	// forced holds targets that moved under a previous attempt; seen holds
	// the record counts that attempt derived against.
	forced := make(map[tapestry.NodeID]bool)
	seen := make(map[tapestry.NodeID]int)
	for attempt := 0; ; attempt++ {
		batch := &tapestry.BatchAppendDelta{Appends: make([]*tapestry.AppendDelta, len(reqs))}
		lens := make(map[tapestry.NodeID]int, len(reqs))
		var err error
		for i, req := range reqs {
			var d *tapestry.AppendDelta
			if d, err = e.deriveAppend(ctx, req.Target, req.Operation); err != nil {
				err = fmt.Errorf("request %d: %w", i, err)
				break
			}
			if prev, ok := seen[req.Target]; ok && prev != d.ExpectedLen {
				forced[req.Target] = true
			}
			lens[req.Target] = d.ExpectedLen
			d.ForceBranch = forced[req.Target]
			batch.Appends[i] = d
		}
		if err == nil {
			var ch tapestry.Change
			if ch, err = e.tp.Apply(ctx, batch); err == nil {
				return ch.Result, ch, end(nil)
			}
		}
		if !errors.Is(err, tapestry.ErrConcurrentModification) || attempt >= e.cfg.MaxCommitRetries {
			return nil, tapestry.Change{}, end(fmt.Errorf("batch: %w", err))
		}
		commitRetries.WithLabelValues("batch").Inc()
		maps.Copy(seen, lens)
	}
}

// -----------------------------------------------------------------------------
// Compress
// -----------------------------------------------------------------------------

// Compress merges the maximal single-child chain below id into id.
//
// Outputs:
//   - tapestry.NodeID: id, which now holds the concatenated history.
//   - tapestry.Change: Removed lists the absorbed ids.
//   - error: ErrNotCompressible when there is nothing to merge,
//     ErrConcurrentModification when the chain is pinned, ErrNodeNotFound.
func (e *Engine) Compress(ctx context.Context, id tapestry.NodeID) (tapestry.NodeID, tapestry.Change, error) {
	if ctx == nil {
		return 0, tapestry.Change{}, ErrNilContext
	}
	ctx, end := e.begin(ctx, "compress", attribute.Int64("node_id", int64(id)))

	ch, err := e.tp.Apply(ctx, &tapestry.CompressDelta{Start: id})
	if err != nil {
		return 0, tapestry.Change{}, end(fmt.Errorf("compress %s: %w", id, err))
	}
	e.logger.Debug("chain compressed",
		slog.String("node", id.String()),
		slog.Int("absorbed", len(ch.Removed)))
	return id, ch, end(nil)
}

// CompressAll compresses every chain in the tapestry.
//
// Description:
//
//	Visits nodes in ascending id order. Parents are always older than their
//	extension children, so each chain is merged from its top in one step.
//	Pinned chains are skipped and left for a later pass.
//
// Outputs:
//   - []tapestry.NodeID: The nodes that absorbed a chain.
//   - error: The first error other than ErrNotCompressible or a pinned chain.
func (e *Engine) CompressAll(ctx context.Context) ([]tapestry.NodeID, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	ctx, end := e.begin(ctx, "compress_all")

	var merged []tapestry.NodeID
	absorbed := 0
	for _, id := range e.tp.ListNodes() {
		if err := ctx.Err(); err != nil {
			return merged, end(err)
		}
		ch, err := e.tp.Apply(ctx, &tapestry.CompressDelta{Start: id})
		switch {
		case err == nil:
			merged = append(merged, id)
			absorbed += len(ch.Removed)
		case errors.Is(err, tapestry.ErrNotCompressible),
			errors.Is(err, tapestry.ErrNodeNotFound),
			errors.Is(err, tapestry.ErrConcurrentModification):
			// already absorbed, nothing below, or pinned
		default:
			return merged, end(fmt.Errorf("compress %s: %w", id, err))
		}
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("merged", len(merged)),
		attribute.Int("absorbed", absorbed),
	)
	e.logger.Info("compression pass completed",
		slog.Int("merged", len(merged)),
		slog.Int("absorbed", absorbed))
	return merged, end(nil)
}

// -----------------------------------------------------------------------------
// Prune
// -----------------------------------------------------------------------------

// Prune removes id, its descendants and the ancestors left without
// children or consumers, stopping at retained and pinned nodes.
//
// Outputs:
//   - []tapestry.NodeID: The removed ids.
//   - tapestry.Change: For cache invalidation.
//   - error: ErrNodeRetained if id or a descendant is retained,
//     ErrConcurrentModification if one is pinned, ErrNodeNotFound.
func (e *Engine) Prune(ctx context.Context, id tapestry.NodeID) ([]tapestry.NodeID, tapestry.Change, error) {
	if ctx == nil {
		return nil, tapestry.Change{}, ErrNilContext
	}
	ctx, end := e.begin(ctx, "prune", attribute.Int64("node_id", int64(id)))

	ch, err := e.tp.Apply(ctx, &tapestry.PruneDelta{Target: id})
	if err != nil {
		return nil, tapestry.Change{}, end(fmt.Errorf("prune %s: %w", id, err))
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("removed_nodes", len(ch.Removed)),
		attribute.Int("removed_hyperedges", len(ch.RemovedHyperedges)),
	)
	e.logger.Info("nodes pruned",
		slog.String("target", id.String()),
		slog.Int("removed", len(ch.Removed)),
		slog.Int("removed_hyperedges", len(ch.RemovedHyperedges)))
	return ch.Removed, ch, end(nil)
}

// -----------------------------------------------------------------------------
// Tags
// -----------------------------------------------------------------------------

// Tag names id as a branch tip, retaining it. An existing tag of the same
// name moves to id.
func (e *Engine) Tag(ctx context.Context, id tapestry.NodeID, name string) (tapestry.Change, error) {
	if ctx == nil {
		return tapestry.Change{}, ErrNilContext
	}
	ctx, end := e.begin(ctx, "tag", attribute.Int64("node_id", int64(id)), attribute.String("tag", name))

	ch, err := e.tp.Apply(ctx, &tapestry.TagDelta{Node: id, Name: name})
	if err != nil {
		return tapestry.Change{}, end(fmt.Errorf("tag %s as %q: %w", id, name, err))
	}
	return ch, end(nil)
}

// Untag removes a tag. The node it named stays unless later pruned.
func (e *Engine) Untag(ctx context.Context, name string) (tapestry.Change, error) {
	if ctx == nil {
		return tapestry.Change{}, ErrNilContext
	}
	ctx, end := e.begin(ctx, "untag", attribute.String("tag", name))

	ch, err := e.tp.Apply(ctx, &tapestry.TagDelta{Name: name, Remove: true})
	if err != nil {
		return tapestry.Change{}, end(fmt.Errorf("untag %q: %w", name, err))
	}
	return ch, end(nil)
}

// -----------------------------------------------------------------------------
// Caches
// -----------------------------------------------------------------------------

// EvictCaches drops cached states of sealed, unretained, unpinned nodes.
// Materialize recomputes them on demand.
func (e *Engine) EvictCaches(ctx context.Context) (int, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	_, end := e.begin(ctx, "evict")
	n := e.tp.EvictCaches()
	e.logger.Debug("caches evicted", slog.Int("count", n))
	return n, end(nil)
}
