// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weft defines the boundary between the warp engine and external
// computation (retrieval, model inference, simulators).
//
// The engine depends only on the Program interface. Concrete programs are
// supplied by callers through a Registry; none live in this package.
//
// Programs are not assumed to be idempotent. Every Run is a fresh sample, and
// callers needing determinism must record the result rather than re-run.
package weft

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/AleutianAI/loom/services/loom/record"
)

var (
	// ErrProgramNotFound is returned by Registry.Lookup for unknown ids.
	ErrProgramNotFound = errors.New("weft program not found")

	// ErrProgramExists is returned when registering a duplicate id.
	ErrProgramExists = errors.New("weft program already registered")
)

// Descriptor identifies the computation requested from a program.
type Descriptor struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	return Descriptor{Name: d.Name, Params: maps.Clone(d.Params)}
}

// Request is the input of one program call.
type Request struct {
	// InvocationID is unique per call and recorded on the hyperedge.
	InvocationID string

	// Program is the registry id the call was dispatched to.
	Program string

	// Inputs holds one materialized state per input node, in order.
	Inputs []record.State

	Descriptor Descriptor
}

// Result is one output of a program call.
type Result struct {
	// Base indexes Request.Inputs; Operation applies to that input's state.
	Base int

	Operation record.Operation
}

// Response is the output of a successful program call.
type Response struct {
	Results []Result
}

// Program is an external computation.
//
// Run must honour ctx cancellation. A structured failure should be returned
// as *Failure.
type Program interface {
	Run(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Program interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Run calls f(ctx, req).
func (f Func) Run(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Failure is a structured error reported by a program.
type Failure struct {
	Program   string
	Code      string
	Message   string
	Retryable bool
}

// Error implements error.
func (f *Failure) Error() string {
	if f.Code == "" {
		return fmt.Sprintf("weft %s: %s", f.Program, f.Message)
	}
	return fmt.Sprintf("weft %s: %s: %s", f.Program, f.Code, f.Message)
}

// Registry maps program ids to programs.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]Program
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{programs: make(map[string]Program)}
}

// Register adds a program under id.
func (r *Registry) Register(id string, p Program) error {
	if id == "" || p == nil {
		return fmt.Errorf("weft: register requires an id and a program")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs[id]; ok {
		return fmt.Errorf("%w: %s", ErrProgramExists, id)
	}
	r.programs[id] = p
	return nil
}

// Lookup returns the program registered under id.
func (r *Registry) Lookup(id string) (Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, id)
	}
	return p, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.programs))
}
