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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidOperation is returned when an operation cannot be applied to
	// its parent state (unknown kind, malformed diff, mismatched context).
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrStateMismatch is returned when replaying a record produces a result
	// digest different from the one recorded at commit time.
	ErrStateMismatch = errors.New("replayed state does not match recorded digest")
)

// -----------------------------------------------------------------------------
// Digest
// -----------------------------------------------------------------------------

// Digest is the hex-encoded SHA256 of a state payload.
type Digest string

// emptyDigest is the digest of the zero-length payload.
var emptyDigest = digestOf(nil)

func digestOf(data []byte) Digest {
	h := sha256.Sum256(data)
	return Digest(hex.EncodeToString(h[:]))
}

// Short returns the first 12 characters of the digest for display.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

// State is an immutable data payload at some point in history.
//
// Thread Safety: Immutable; safe for concurrent use.
type State struct {
	data   []byte
	digest Digest
}

// NewState creates a state holding a copy of data.
func NewState(data []byte) State {
	cp := make([]byte, len(data))
	copy(cp, data)
	return State{data: cp, digest: digestOf(cp)}
}

// StateFromString creates a state from a string payload.
func StateFromString(s string) State {
	return NewState([]byte(s))
}

// wrapState takes ownership of data without copying. Callers must not
// retain data afterwards.
func wrapState(data []byte) State {
	return State{data: data, digest: digestOf(data)}
}

// Bytes returns a copy of the payload.
func (s State) Bytes() []byte {
	cp := make([]byte, len(s.data))
	copy(cp, s.data)
	return cp
}

// String returns the payload as a string.
func (s State) String() string {
	return string(s.data)
}

// Len returns the payload size in bytes.
func (s State) Len() int {
	return len(s.data)
}

// Digest returns the content digest. The zero State reports the digest of
// the empty payload.
func (s State) Digest() Digest {
	if s.digest == "" {
		return emptyDigest
	}
	return s.digest
}

// Equal reports whether two states carry the same payload.
func (s State) Equal(other State) bool {
	return s.Digest() == other.Digest()
}

// -----------------------------------------------------------------------------
// Operation
// -----------------------------------------------------------------------------

// Built-in operation kinds.
const (
	KindAppend  = "append"
	KindReplace = "replace"
	KindPatch   = "patch"
)

// Operation is the payload of one atomic transition.
type Operation struct {
	// Kind selects the Applier. Required.
	Kind string `json:"kind" yaml:"kind"`

	// Body is interpreted by the Applier for Kind.
	Body []byte `json:"body" yaml:"body"`
}

// Append builds an append operation.
func Append(text string) Operation {
	return Operation{Kind: KindAppend, Body: []byte(text)}
}

// Replace builds a replace operation.
func Replace(text string) Operation {
	return Operation{Kind: KindReplace, Body: []byte(text)}
}

// Patch builds a unified-diff patch operation.
func Patch(unifiedDiff string) Operation {
	return Operation{Kind: KindPatch, Body: []byte(unifiedDiff)}
}

// Equal reports whether two operations are identical.
func (o Operation) Equal(other Operation) bool {
	return o.Kind == other.Kind && string(o.Body) == string(other.Body)
}

// key returns the content address of applying o to parent.
func (o Operation) key(parent Digest) string {
	h := sha256.New()
	h.Write([]byte(parent))
	h.Write([]byte{0})
	h.Write([]byte(o.Kind))
	h.Write([]byte{0})
	h.Write(o.Body)
	return hex.EncodeToString(h.Sum(nil))
}

// -----------------------------------------------------------------------------
// UpdateRecord
// -----------------------------------------------------------------------------

// UpdateRecord is one atomic, immutable state transition.
//
// Description:
//
//	Seq is the logical step number along the lineage: the first record of a
//	node continues from its base parent's last Seq, so numbers strictly
//	increase within a run and survive compression unchanged. Parent and
//	Result are content digests of the states before and after the step.
//
// Thread Safety: Immutable value type.
type UpdateRecord struct {
	Seq    uint64    `json:"seq" yaml:"seq"`
	Op     Operation `json:"op" yaml:"op"`
	Parent Digest    `json:"parent" yaml:"parent"`
	Result Digest    `json:"result" yaml:"result"`
}

// WithSeq returns a copy of r carrying seq.
func (r UpdateRecord) WithSeq(seq uint64) UpdateRecord {
	r.Seq = seq
	return r
}

// SameTransition reports whether two records describe the same step,
// ignoring sequence numbers.
func (r UpdateRecord) SameTransition(other UpdateRecord) bool {
	return r.Parent == other.Parent && r.Result == other.Result && r.Op.Equal(other.Op)
}

// String returns a short human-readable description.
func (r UpdateRecord) String() string {
	return fmt.Sprintf("#%d %s(%dB) %s→%s", r.Seq, r.Op.Kind, len(r.Op.Body), r.Parent.Short(), r.Result.Short())
}
