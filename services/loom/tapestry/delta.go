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
	"encoding/gob"
	"sync"
	"time"

	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/weft"
)

// DeltaKind identifies a delta type.
type DeltaKind uint8

const (
	DeltaKindSeed DeltaKind = iota + 1
	DeltaKindAppend
	DeltaKindBatchAppend
	DeltaKindHyperedge
	DeltaKindCompress
	DeltaKindPrune
	DeltaKindTag
)

// String returns the delta kind name.
func (k DeltaKind) String() string {
	switch k {
	case DeltaKindSeed:
		return "seed"
	case DeltaKindAppend:
		return "append"
	case DeltaKindBatchAppend:
		return "batch_append"
	case DeltaKindHyperedge:
		return "hyperedge"
	case DeltaKindCompress:
		return "compress"
	case DeltaKindPrune:
		return "prune"
	case DeltaKindTag:
		return "tag"
	default:
		return "unknown"
	}
}

// Delta is one atomic structural change to a tapestry.
//
// Description:
//
//	Deltas are the only way to mutate a tapestry. Apply validates a delta
//	against the current arena, fills in derived fields (record sequence
//	numbers, timestamps, the compressed chain), hands it to the journal and
//	only then mutates memory. Because ids are allocated from counters in
//	commit order, replaying the journaled deltas from the same starting
//	point reproduces the same ids.
//
//	Deltas carry derived states in unexported fields so the committing
//	caller's work is not repeated; replayed deltas lack them and the states
//	are recomputed lazily by Materialize.
type Delta interface {
	Kind() DeltaKind
}

// -----------------------------------------------------------------------------
// Seed
// -----------------------------------------------------------------------------

// SeedDelta creates a new root holding an initial state and empty history.
// Metadata is free-form and copied onto the root as given.
type SeedDelta struct {
	Initial  []byte
	Label    string
	Metadata map[string]string
	At       time.Time
}

// Kind returns DeltaKindSeed.
func (d *SeedDelta) Kind() DeltaKind { return DeltaKindSeed }

// -----------------------------------------------------------------------------
// Append
// -----------------------------------------------------------------------------

// AppendDelta commits one UpdateRecord against Target.
//
// Description:
//
//	ExpectedLen is the target's record count when the record was derived.
//	If the target changed since then the delta fails with
//	ErrConcurrentModification. If the target is an unpinned frontier and
//	ForceBranch is false the record extends it in place; otherwise a new
//	child holding only the record is created, or an existing single-record
//	sibling with the same transition is reused and sealed, so the next
//	append from either writer forks instead of extending a shared node.
type AppendDelta struct {
	Target      NodeID
	ExpectedLen int
	Record      record.UpdateRecord
	ForceBranch bool
	At          time.Time

	state *record.State
}

// NewAppendDelta builds an append carrying the derived state.
func NewAppendDelta(target NodeID, expectedLen int, rec record.UpdateRecord, next record.State) *AppendDelta {
	return &AppendDelta{Target: target, ExpectedLen: expectedLen, Record: rec, state: &next}
}

// Kind returns DeltaKindAppend.
func (d *AppendDelta) Kind() DeltaKind { return DeltaKindAppend }

// BatchAppendDelta commits several logically concurrent appends atomically.
//
// Appends sharing a target all become sibling children of it. An append
// whose target appears once follows the single-append rules.
type BatchAppendDelta struct {
	Appends []*AppendDelta
}

// Kind returns DeltaKindBatchAppend.
func (d *BatchAppendDelta) Kind() DeltaKind { return DeltaKindBatchAppend }

// -----------------------------------------------------------------------------
// Hyperedge
// -----------------------------------------------------------------------------

// HyperedgeOutput is one result of an invoke, relative to Inputs[Base].
type HyperedgeOutput struct {
	Base   int
	Record record.UpdateRecord

	state *record.State
}

// NewHyperedgeOutput builds an output carrying the derived state.
func NewHyperedgeOutput(base int, rec record.UpdateRecord, next record.State) HyperedgeOutput {
	return HyperedgeOutput{Base: base, Record: rec, state: &next}
}

// HyperedgeDelta records a completed invoke: one hyperedge from Inputs to a
// new output node per entry of Outputs.
type HyperedgeDelta struct {
	Program      string
	Descriptor   weft.Descriptor
	InvocationID string
	Inputs       []NodeID

	// InputLens are the input record counts the program saw.
	InputLens []int

	Outputs []HyperedgeOutput
	At      time.Time
}

// Kind returns DeltaKindHyperedge.
func (d *HyperedgeDelta) Kind() DeltaKind { return DeltaKindHyperedge }

// -----------------------------------------------------------------------------
// Compress
// -----------------------------------------------------------------------------

// CompressDelta merges the maximal single-child chain below Start into Start.
//
// Absorbed is filled by Apply with the merged ids in chain order. A replayed
// delta whose Absorbed differs from the chain found fails with
// ErrConcurrentModification. Start keeps its label and creation time; an
// unlabelled Start takes the first absorbed label.
type CompressDelta struct {
	Start    NodeID
	Absorbed []NodeID
}

// Kind returns DeltaKindCompress.
func (d *CompressDelta) Kind() DeltaKind { return DeltaKindCompress }

// -----------------------------------------------------------------------------
// Prune
// -----------------------------------------------------------------------------

// PruneDelta removes Target, its descendants and the ancestors left without
// children or consumers.
//
// Spared is filled by Apply with the nodes pinned at commit time; the
// ancestor cascade stops at them on replay as it did live.
type PruneDelta struct {
	Target NodeID
	Spared []NodeID
}

// Kind returns DeltaKindPrune.
func (d *PruneDelta) Kind() DeltaKind { return DeltaKindPrune }

// -----------------------------------------------------------------------------
// Tag
// -----------------------------------------------------------------------------

// TagDelta attaches Name to Node, moving it from any previous holder, or
// removes Name when Remove is set (Node is then ignored).
type TagDelta struct {
	Node   NodeID
	Name   string
	Remove bool
}

// Kind returns DeltaKindTag.
func (d *TagDelta) Kind() DeltaKind { return DeltaKindTag }

// -----------------------------------------------------------------------------
// Gob registration
// -----------------------------------------------------------------------------

var registerOnce sync.Once

// RegisterGob registers every delta type with encoding/gob so deltas can be
// encoded through the Delta interface. Safe to call multiple times.
func RegisterGob() {
	registerOnce.Do(func() {
		gob.Register(&SeedDelta{})
		gob.Register(&AppendDelta{})
		gob.Register(&BatchAppendDelta{})
		gob.Register(&HyperedgeDelta{})
		gob.Register(&CompressDelta{})
		gob.Register(&PruneDelta{})
		gob.Register(&TagDelta{})
	})
}
