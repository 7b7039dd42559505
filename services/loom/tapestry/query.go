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
	"fmt"
	"maps"
	"slices"

	"github.com/AleutianAI/loom/services/loom/record"
)

// Generation returns the number of deltas applied so far.
func (t *Tapestry) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Node returns a snapshot of one node.
func (t *Tapestry) Node(id NodeID) (NodeInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return NodeInfo{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return t.info(n), nil
}

// info copies n into a NodeInfo. Caller must hold t.mu.
func (t *Tapestry) info(n *node) NodeInfo {
	ni := NodeInfo{
		ID:        n.id,
		Parents:   slices.Clone(n.parents),
		Base:      n.base,
		Children:  slices.Clone(n.children),
		Consumers: slices.Clone(n.consumers),
		Origin:    n.origin,
		Records:   len(n.records),
		Digest:    t.tipDigest(n),
		Sealed:    n.sealed,
		Frontier:  n.frontier(),
		Retained:  n.retained(),
		Pinned:    t.pins[n.id] > 0,
		Cached:    n.cacheValid(),
		Tags:      slices.Clone(n.tags),
		Label:     n.label,
		Metadata:  maps.Clone(n.metadata),
		Created:   n.created,
	}
	if len(n.records) > 0 {
		ni.FirstSeq = n.records[0].Seq
		ni.LastSeq = n.records[len(n.records)-1].Seq
	}
	return ni
}

// ListChildren returns the extension children of a node in creation order.
func (t *Tapestry) ListChildren(id NodeID) ([]NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return slices.Clone(n.children), nil
}

// ListHyperedges returns the hyperedges a node is an input or output of.
func (t *Tapestry) ListHyperedges(id NodeID) ([]HyperedgeInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	ids := slices.Clone(n.consumers)
	if n.origin != 0 {
		ids = append(ids, n.origin)
	}
	slices.Sort(ids)

	out := make([]HyperedgeInfo, 0, len(ids))
	for _, hid := range ids {
		if h, ok := t.hyperedges[hid]; ok {
			out = append(out, h.info())
		}
	}
	return out, nil
}

// Hyperedge returns a snapshot of one hyperedge.
func (t *Tapestry) Hyperedge(id HyperedgeID) (HyperedgeInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.hyperedges[id]
	if !ok {
		return HyperedgeInfo{}, fmt.Errorf("%w: %s", ErrHyperedgeNotFound, id)
	}
	return h.info(), nil
}

func (h *hyperedge) info() HyperedgeInfo {
	return HyperedgeInfo{
		ID:           h.id,
		Program:      h.program,
		Descriptor:   h.descriptor.Clone(),
		InvocationID: h.invocationID,
		Inputs:       slices.Clone(h.inputs),
		Outputs:      slices.Clone(h.outputs),
		Created:      h.created,
	}
}

// GetUpdateHistory returns a copy of a node's UpdateRecord sequence.
func (t *Tapestry) GetUpdateHistory(id NodeID) ([]record.UpdateRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return slices.Clone(n.records), nil
}

// ListRoots returns the root ids in ascending order.
func (t *Tapestry) ListRoots() []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var roots []NodeID
	for id, n := range t.nodes {
		if n.isRoot() {
			roots = append(roots, id)
		}
	}
	slices.Sort(roots)
	return roots
}

// ListNodes returns every live node id in ascending order.
func (t *Tapestry) ListNodes() []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.nodes))
}

// Ancestry returns the base-parent path from id up to its root, starting
// with id itself.
func (t *Tapestry) Ancestry(id NodeID) ([]NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var path []NodeID
	cur := id
	for {
		n, ok := t.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, cur)
		}
		path = append(path, cur)
		if n.isRoot() {
			return path, nil
		}
		cur = n.baseParent()
	}
}

// AncestryPaths returns every path from id up to a root.
//
// Description:
//
//	Unlike Ancestry, every parent is followed, so a hyperedge output yields
//	at least one path per input. Each path starts with id and ends at a
//	root. Paths are ordered depth first by parent position.
//
// Outputs:
//   - [][]NodeID: The paths; a root yields the single path [id].
//   - error: ErrNodeNotFound if id is unknown.
//
// Thread Safety: Safe for concurrent use; takes the read lock.
func (t *Tapestry) AncestryPaths(id NodeID) ([][]NodeID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathsUp(id, make(map[NodeID][][]NodeID))
}

// pathsUp memoises paths per node. Caller must hold t.mu.
func (t *Tapestry) pathsUp(id NodeID, memo map[NodeID][][]NodeID) ([][]NodeID, error) {
	if paths, ok := memo[id]; ok {
		return paths, nil
	}
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	var out [][]NodeID
	if n.isRoot() {
		out = [][]NodeID{{id}}
	}
	for _, parent := range n.parents {
		up, err := t.pathsUp(parent, memo)
		if err != nil {
			return nil, err
		}
		for _, path := range up {
			out = append(out, append([]NodeID{id}, path...))
		}
	}
	memo[id] = out
	return out, nil
}

// CommonAncestor returns the deepest node that is a strict ancestor of every
// id, following all parent edges.
//
// Outputs:
//   - NodeID: The ancestor, zero if none exists.
//   - bool: Whether an ancestor was found.
//   - error: ErrNodeNotFound if any id is unknown.
func (t *Tapestry) CommonAncestor(ids ...NodeID) (NodeID, bool, error) {
	if len(ids) == 0 {
		return 0, false, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var common map[NodeID]struct{}
	for _, id := range ids {
		if _, ok := t.nodes[id]; !ok {
			return 0, false, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
		anc := t.ancestors(id)
		if common == nil {
			common = anc
			continue
		}
		for a := range common {
			if _, ok := anc[a]; !ok {
				delete(common, a)
			}
		}
	}
	for _, id := range ids {
		delete(common, id)
	}

	depth := make(map[NodeID]int)
	var best NodeID
	bestDepth := -1
	for a := range common {
		d := t.depth(a, depth)
		if d > bestDepth || (d == bestDepth && a < best) {
			best, bestDepth = a, d
		}
	}
	return best, bestDepth >= 0, nil
}

// ancestors returns every node reachable from id through parent edges,
// excluding id. Caller must hold t.mu.
func (t *Tapestry) ancestors(id NodeID) map[NodeID]struct{} {
	out := make(map[NodeID]struct{})
	stack := slices.Clone(t.nodes[id].parents)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := out[cur]; seen {
			continue
		}
		out[cur] = struct{}{}
		if n, ok := t.nodes[cur]; ok {
			stack = append(stack, n.parents...)
		}
	}
	return out
}

// depth is the longest parent path from id to a root. Caller must hold t.mu.
func (t *Tapestry) depth(id NodeID, memo map[NodeID]int) int {
	if d, ok := memo[id]; ok {
		return d
	}
	d := 0
	if n, ok := t.nodes[id]; ok {
		for _, p := range n.parents {
			d = max(d, t.depth(p, memo)+1)
		}
	}
	memo[id] = d
	return d
}

// Tags returns a copy of the tag to node mapping.
func (t *Tapestry) Tags() map[string]NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.tags)
}

// Stats summarises the arena.
func (t *Tapestry) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{
		Nodes:      len(t.nodes),
		Hyperedges: len(t.hyperedges),
		Tags:       len(t.tags),
		Pinned:     len(t.pins),
		Generation: t.generation,
	}
	for _, n := range t.nodes {
		s.Records += len(n.records)
		if n.isRoot() {
			s.Roots++
		}
		if n.frontier() {
			s.Frontiers++
		}
		if n.cacheValid() {
			s.Cached++
		}
	}
	return s
}
