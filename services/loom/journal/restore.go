// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/loom/services/loom/tapestry"
)

// ErrReplayFailed is returned when a journaled delta no longer applies.
var ErrReplayFailed = errors.New("journal replay failed")

// Restore rebuilds the tapestry recorded in j and attaches j to it.
//
// Description:
//
//	Imports the latest snapshot, or starts an empty tapestry named after the
//	session when there is none, then replays every delta after the
//	checkpoint through Tapestry.Replay. The journal is attached last so
//	replayed deltas are not journaled again. A degraded journal yields an
//	empty, unjournaled tapestry.
//
// Inputs:
//   - ctx: Must not be nil.
//   - j: An open journal.
//   - opts: Options for the tapestry. ID defaults to the session id; the
//     Journal field is ignored.
//
// Outputs:
//   - *tapestry.Tapestry: The restored tapestry.
//   - error: Snapshot, replay or import failures. ErrReplayFailed wraps the
//     delta error together with its seq.
func Restore(ctx context.Context, j *Journal, opts tapestry.Options) (*tapestry.Tapestry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "journal.Restore",
		trace.WithAttributes(attribute.String("session_id", j.config.SessionID)),
	)
	defer span.End()

	fail := func(err error, msg string) (*tapestry.Tapestry, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return nil, err
	}

	opts.Journal = nil
	if opts.ID == "" {
		opts.ID = j.config.SessionID
	}

	if j.IsDegraded() {
		j.logger.Warn("journal degraded, starting an unjournaled tapestry")
		span.SetAttributes(attribute.Bool("degraded", true))
		return tapestry.New(opts), nil
	}

	doc, checkpointSeq, err := j.Snapshot(ctx)
	if err != nil {
		return fail(fmt.Errorf("read snapshot: %w", err), "snapshot failed")
	}

	var tp *tapestry.Tapestry
	if doc != nil {
		tp, err = tapestry.Import(doc, opts)
		if err != nil {
			return fail(fmt.Errorf("import snapshot at seq %d: %w", checkpointSeq, err), "import failed")
		}
	} else {
		tp = tapestry.New(opts)
	}

	entries, err := j.Replay(ctx)
	if err != nil {
		return fail(err, "replay failed")
	}
	for _, e := range entries {
		if _, err := tp.Replay(ctx, e.Delta); err != nil {
			return fail(fmt.Errorf("%w: seq %d (%s): %w", ErrReplayFailed, e.Seq, e.Delta.Kind(), err), "replay failed")
		}
	}

	tp.AttachJournal(j)

	span.SetAttributes(
		attribute.Bool("snapshot", doc != nil),
		attribute.Int("replayed", len(entries)),
		attribute.Int64("generation", int64(tp.Generation())),
	)
	j.logger.Info("tapestry restored",
		slog.String("tapestry", tp.ID()),
		slog.Bool("snapshot", doc != nil),
		slog.Uint64("checkpoint_seq", checkpointSeq),
		slog.Int("replayed", len(entries)),
		slog.Uint64("generation", tp.Generation()),
		slog.Duration("duration", time.Since(start)))
	return tp, nil
}
