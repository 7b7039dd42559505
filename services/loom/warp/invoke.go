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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/tapestry"
	"github.com/AleutianAI/loom/services/loom/weft"
)

// Invoke calls a weft program on the states of inputs and records the
// outcome as one hyperedge.
//
// Description:
//
//	The inputs are pinned for the duration of the call so a concurrent
//	prune or compress cannot remove them. Their states are materialized in
//	parallel and handed to the program with a fresh invocation id. Each
//	returned operation is applied to the state of the input it names, and
//	the hyperedge, its output nodes and the sealing of the inputs are
//	committed together.
//
//	If anything fails (unknown program, program error, timeout,
//	cancellation, an empty or inapplicable result, or an input that changed
//	during the call) the tapestry is left exactly as it was and the error
//	is an *InvocationError matching ErrWeftInvocationFailed.
//
// Inputs:
//   - ctx: Bounds the whole invocation.
//   - program: Registry id of the program.
//   - inputs: One or more distinct existing nodes, in program order.
//   - desc: Passed to the program and recorded on the hyperedge.
//
// Outputs:
//   - tapestry.HyperedgeID: The new hyperedge.
//   - tapestry.Change: Result lists the output nodes in result order.
//   - error: An *InvocationError, ErrNodeNotFound or ErrInvalidOperation.
func (e *Engine) Invoke(ctx context.Context, program string, inputs []tapestry.NodeID, desc weft.Descriptor) (tapestry.HyperedgeID, tapestry.Change, error) {
	if ctx == nil {
		return 0, tapestry.Change{}, ErrNilContext
	}
	ctx, end := e.begin(ctx, "invoke",
		attribute.String("program", program),
		attribute.Int("inputs", len(inputs)),
		attribute.String("descriptor", desc.Name),
	)

	if err := validateInputs(inputs); err != nil {
		return 0, tapestry.Change{}, end(err)
	}

	fail := func(stage, invocation string, err error) (tapestry.HyperedgeID, tapestry.Change, error) {
		e.logger.Warn("weft invocation failed",
			slog.String("program", program),
			slog.String("invocation_id", invocation),
			slog.String("stage", stage),
			slog.String("error", err.Error()))
		return 0, tapestry.Change{}, end(&InvocationError{
			Program:      program,
			InvocationID: invocation,
			Stage:        stage,
			Err:          err,
		})
	}

	prog, err := e.programs.Lookup(program)
	if err != nil {
		weftInvocations.WithLabelValues("rejected").Inc()
		return fail(StageLookup, "", err)
	}

	if err := e.tp.Pin(inputs...); err != nil {
		weftInvocations.WithLabelValues("rejected").Inc()
		return fail(StagePin, "", err)
	}
	defer e.tp.Unpin(inputs...)

	heads, err := e.materializeInputs(ctx, inputs)
	if err != nil {
		weftInvocations.WithLabelValues("rejected").Inc()
		return fail(StageMaterialize, "", err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		weftInvocations.WithLabelValues("cancelled").Inc()
		return fail(StageRateLimit, "", err)
	}

	invocation := uuid.New().String()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("invocation_id", invocation))

	resp, err := e.run(ctx, prog, weft.Request{
		InvocationID: invocation,
		Program:      program,
		Inputs:       statesOf(heads),
		Descriptor:   desc.Clone(),
	})
	if err != nil {
		return fail(StageRun, invocation, err)
	}

	outputs, err := e.convert(heads, resp)
	if err != nil {
		return fail(StageConvert, invocation, err)
	}

	lens := make([]int, len(heads))
	for i, h := range heads {
		lens[i] = h.Len
	}
	ch, err := e.tp.Apply(ctx, &tapestry.HyperedgeDelta{
		Program:      program,
		Descriptor:   desc.Clone(),
		InvocationID: invocation,
		Inputs:       inputs,
		InputLens:    lens,
		Outputs:      outputs,
	})
	if err != nil {
		return fail(StageCommit, invocation, err)
	}

	edge := ch.Hyperedges[0]
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int64("hyperedge_id", int64(edge)),
		attribute.Int("outputs", len(ch.Result)),
	)
	e.logger.Info("weft invocation committed",
		slog.String("program", program),
		slog.String("invocation_id", invocation),
		slog.String("hyperedge", edge.String()),
		slog.Int("outputs", len(ch.Result)))
	return edge, ch, end(nil)
}

// validateInputs rejects empty and duplicate input lists before anything is
// pinned.
func validateInputs(inputs []tapestry.NodeID) error {
	if len(inputs) == 0 {
		return fmt.Errorf("invoke: %w: no inputs", tapestry.ErrInvalidOperation)
	}
	seen := make(map[tapestry.NodeID]struct{}, len(inputs))
	for _, id := range inputs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("invoke: %w: duplicate input %s", tapestry.ErrInvalidOperation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// materializeInputs snapshots every input, at most MaxParallelMaterialize
// at a time.
func (e *Engine) materializeInputs(ctx context.Context, inputs []tapestry.NodeID) ([]tapestry.Head, error) {
	heads := make([]tapestry.Head, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallelMaterialize)
	for i, id := range inputs {
		g.Go(func() error {
			h, err := e.tp.Head(gctx, id)
			if err != nil {
				return fmt.Errorf("input %d (%s): %w", i, id, err)
			}
			heads[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return heads, nil
}

// run calls the program under the configured deadline. A call whose context
// ended is a failure even if the program returned results.
func (e *Engine) run(ctx context.Context, prog weft.Program, req weft.Request) (weft.Response, error) {
	callCtx := ctx
	if e.cfg.WeftTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.WeftTimeout)
		defer cancel()
	}

	resp, err := prog.Run(callCtx, req)
	if err == nil {
		err = callCtx.Err()
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		weftInvocations.WithLabelValues("timeout").Inc()
		return weft.Response{}, err
	case errors.Is(err, context.Canceled):
		weftInvocations.WithLabelValues("cancelled").Inc()
		return weft.Response{}, err
	default:
		weftInvocations.WithLabelValues("error").Inc()
		return weft.Response{}, err
	}

	if len(resp.Results) == 0 {
		weftInvocations.WithLabelValues("empty").Inc()
		return weft.Response{}, ErrEmptyResult
	}
	weftInvocations.WithLabelValues("ok").Inc()
	return resp, nil
}

// convert applies every result to the state of its base input.
func (e *Engine) convert(heads []tapestry.Head, resp weft.Response) ([]tapestry.HyperedgeOutput, error) {
	outputs := make([]tapestry.HyperedgeOutput, 0, len(resp.Results))
	for i, res := range resp.Results {
		if res.Base < 0 || res.Base >= len(heads) {
			return nil, fmt.Errorf("result %d: %w: base %d out of range for %d inputs",
				i, tapestry.ErrInvalidOperation, res.Base, len(heads))
		}
		rec, next, err := e.tp.Store().Commit(heads[res.Base].State, res.Operation)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		outputs = append(outputs, tapestry.NewHyperedgeOutput(res.Base, rec, next))
	}
	return outputs, nil
}

func statesOf(heads []tapestry.Head) []record.State {
	states := make([]record.State, len(heads))
	for i, h := range heads {
		states[i] = h.State
	}
	return states
}
