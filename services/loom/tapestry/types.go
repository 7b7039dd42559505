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
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/weft"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilDelta is returned when a nil delta is passed to Apply.
	ErrNilDelta = errors.New("delta must not be nil")

	// ErrNodeNotFound is returned when a node id is unknown or pruned.
	ErrNodeNotFound = errors.New("node not found")

	// ErrHyperedgeNotFound is returned when a hyperedge id is unknown or pruned.
	ErrHyperedgeNotFound = errors.New("hyperedge not found")

	// ErrInvalidOperation is returned when an update payload cannot be applied
	// or a delta is malformed. It is the same value as record.ErrInvalidOperation.
	ErrInvalidOperation = record.ErrInvalidOperation

	// ErrNotCompressible is returned when compress finds nothing to merge.
	ErrNotCompressible = errors.New("node chain is not compressible")

	// ErrNodeRetained is returned when prune would remove a root or tagged node.
	ErrNodeRetained = errors.New("node is retained")

	// ErrConcurrentModification is returned when the tapestry changed between
	// an operation's snapshot and its commit. The caller may retry.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrTagNotFound is returned when untagging an unknown name.
	ErrTagNotFound = errors.New("tag not found")
)

// -----------------------------------------------------------------------------
// Identifiers
// -----------------------------------------------------------------------------

// NodeID identifies a node. Zero is never allocated.
type NodeID uint64

// String formats the id as "n<id>".
func (id NodeID) String() string {
	return fmt.Sprintf("n%d", uint64(id))
}

// HyperedgeID identifies a hyperedge. Zero is never allocated.
type HyperedgeID uint64

// String formats the id as "h<id>".
func (id HyperedgeID) String() string {
	return fmt.Sprintf("h%d", uint64(id))
}

// -----------------------------------------------------------------------------
// Journal
// -----------------------------------------------------------------------------

// Journal receives every delta before it mutates the tapestry.
//
// A non-nil error from Append aborts the delta and leaves the tapestry
// unchanged.
type Journal interface {
	Append(ctx context.Context, delta Delta) error
}

// -----------------------------------------------------------------------------
// Internal arena records
// -----------------------------------------------------------------------------

// node is one compressed run of records in the arena.
type node struct {
	id      NodeID
	records []record.UpdateRecord

	// initial is the seed state; non-nil only for roots.
	initial *record.State

	// cache is valid only while cacheLen == len(records).
	cache    *record.State
	cacheLen int

	// parents holds one id for an extension child and every input for a
	// hyperedge output. base indexes the parent the first record applies to.
	parents []NodeID
	base    int

	children  []NodeID
	consumers []HyperedgeID
	origin    HyperedgeID

	sealed   bool
	tags     []string
	label    string
	metadata map[string]string
	created  time.Time
}

func (n *node) isRoot() bool {
	return len(n.parents) == 0
}

func (n *node) retained() bool {
	return n.isRoot() || len(n.tags) > 0
}

func (n *node) frontier() bool {
	return !n.sealed && len(n.children) == 0 && len(n.consumers) == 0
}

func (n *node) cacheValid() bool {
	return n.cache != nil && n.cacheLen == len(n.records)
}

func (n *node) baseParent() NodeID {
	if n.isRoot() {
		return 0
	}
	return n.parents[n.base]
}

// hyperedge records one invoke.
type hyperedge struct {
	id           HyperedgeID
	program      string
	descriptor   weft.Descriptor
	invocationID string
	inputs       []NodeID
	outputs      []NodeID
	created      time.Time
}

// -----------------------------------------------------------------------------
// Public views
// -----------------------------------------------------------------------------

// NodeInfo is a read-only snapshot of a node.
type NodeInfo struct {
	ID        NodeID
	Parents   []NodeID
	Base      int
	Children  []NodeID
	Consumers []HyperedgeID
	Origin    HyperedgeID

	// Records is the number of UpdateRecords the node holds.
	Records int

	// FirstSeq and LastSeq bound the node's record sequence numbers.
	// Both are zero for an empty root.
	FirstSeq uint64
	LastSeq  uint64

	// Digest is the digest of the node's materialized state.
	Digest record.Digest

	Sealed   bool
	Frontier bool
	Retained bool
	Pinned   bool
	Cached   bool
	Tags     []string
	Label    string
	Metadata map[string]string
	Created  time.Time
}

// HyperedgeInfo is a read-only snapshot of a hyperedge.
type HyperedgeInfo struct {
	ID           HyperedgeID
	Program      string
	Descriptor   weft.Descriptor
	InvocationID string
	Inputs       []NodeID
	Outputs      []NodeID
	Created      time.Time
}

// Stats summarises the arena.
type Stats struct {
	Nodes      int
	Hyperedges int
	Roots      int
	Frontiers  int
	Records    int
	Cached     int
	Tags       int
	Pinned     int
	Generation uint64
}

// Change describes what one delta did, for client cache invalidation.
type Change struct {
	// Result holds the primary node(s) the delta produced, in request order:
	// the root for a seed, the extended or created node per append, the
	// outputs of a hyperedge, the surviving node of a compress.
	Result []NodeID

	Created           []NodeID
	Modified          []NodeID
	Removed           []NodeID
	Hyperedges        []HyperedgeID
	RemovedHyperedges []HyperedgeID
	Generation        uint64
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func removeID[T comparable](ids []T, id T) []T {
	i := slices.Index(ids, id)
	if i < 0 {
		return ids
	}
	return slices.Delete(ids, i, i+1)
}
