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
	"errors"
	"fmt"
)

var (
	// ErrWeftInvocationFailed is matched by every Invoke failure that left
	// the tapestry untouched.
	ErrWeftInvocationFailed = errors.New("weft invocation failed")

	// ErrEmptyResult is the cause when a program returns no results.
	ErrEmptyResult = errors.New("weft program returned no results")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilTapestry is returned by New without a tapestry.
	ErrNilTapestry = errors.New("tapestry must not be nil")
)

// Invocation stages reported by InvocationError.
const (
	StageLookup      = "lookup"
	StagePin         = "pin"
	StageMaterialize = "materialize"
	StageRateLimit   = "rate_limit"
	StageRun         = "run"
	StageConvert     = "convert"
	StageCommit      = "commit"
)

// InvocationError describes a failed Invoke.
//
// It matches ErrWeftInvocationFailed with errors.Is and unwraps to the
// cause, so errors.As(err, new(*weft.Failure)) reaches a program's
// structured failure.
type InvocationError struct {
	Program      string
	InvocationID string
	Stage        string
	Err          error
}

// Error implements error.
func (e *InvocationError) Error() string {
	if e.InvocationID == "" {
		return fmt.Sprintf("%s: program %s at %s: %v", ErrWeftInvocationFailed, e.Program, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: program %s invocation %s at %s: %v",
		ErrWeftInvocationFailed, e.Program, e.InvocationID, e.Stage, e.Err)
}

// Unwrap returns the sentinel and the cause.
func (e *InvocationError) Unwrap() []error {
	return []error{ErrWeftInvocationFailed, e.Err}
}
