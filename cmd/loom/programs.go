// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/weft"
)

// builtinPrograms returns the programs the CLI can invoke.
//
//	concat  one output: every input joined with params["sep"] (default
//	        newline), replacing the first input's state.
//	fanout  one output per comma-separated params["variants"], each
//	        appended to the first input.
//	upper   one output per input, its state upper-cased.
func builtinPrograms() (*weft.Registry, error) {
	r := weft.NewRegistry()
	programs := []struct {
		id string
		fn weft.Func
	}{
		{"concat", concatProgram},
		{"fanout", fanoutProgram},
		{"upper", upperProgram},
	}
	for _, p := range programs {
		if err := r.Register(p.id, p.fn); err != nil {
			return nil, fmt.Errorf("register program %q: %w", p.id, err)
		}
	}
	return r, nil
}

func concatProgram(ctx context.Context, req weft.Request) (weft.Response, error) {
	if err := ctx.Err(); err != nil {
		return weft.Response{}, err
	}
	sep, ok := req.Descriptor.Params["sep"]
	if !ok {
		sep = "\n"
	}
	parts := make([]string, len(req.Inputs))
	for i, in := range req.Inputs {
		parts[i] = in.String()
	}
	return weft.Response{Results: []weft.Result{
		{Base: 0, Operation: record.Replace(strings.Join(parts, sep))},
	}}, nil
}

func fanoutProgram(ctx context.Context, req weft.Request) (weft.Response, error) {
	if err := ctx.Err(); err != nil {
		return weft.Response{}, err
	}
	raw := req.Descriptor.Params["variants"]
	if strings.TrimSpace(raw) == "" {
		return weft.Response{}, &weft.Failure{
			Program: req.Program,
			Code:    "invalid_descriptor",
			Message: `param "variants" is required`,
		}
	}
	var results []weft.Result
	for _, v := range strings.Split(raw, ",") {
		results = append(results, weft.Result{Base: 0, Operation: record.Append(v)})
	}
	return weft.Response{Results: results}, nil
}

func upperProgram(ctx context.Context, req weft.Request) (weft.Response, error) {
	if err := ctx.Err(); err != nil {
		return weft.Response{}, err
	}
	results := make([]weft.Result, len(req.Inputs))
	for i, in := range req.Inputs {
		results[i] = weft.Result{Base: i, Operation: record.Replace(strings.ToUpper(in.String()))}
	}
	return weft.Response{Results: results}, nil
}
