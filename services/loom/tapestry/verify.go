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
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/AleutianAI/loom/services/loom/record"
)

// ErrInvariantViolation is wrapped by every problem Verify reports.
var ErrInvariantViolation = errors.New("tapestry invariant violated")

// maxViolations caps the number of problems Verify collects.
const maxViolations = 32

// Verify checks the structural invariants of the arena.
//
// Description:
//
//	Checks, in order: id ranges; parent, child, consumer and hyperedge
//	reference symmetry; acyclicity through child and hyperedge-output
//	edges; record continuity (each record's parent digest is the previous
//	result, sequence numbers continue the base parent's lineage); seal
//	flags; the tag index; duplicate single-record siblings; cached digests.
//	Record continuity is only checked on a structurally sound graph.
//
// Outputs:
//   - error: nil, or errors.Join of ErrInvariantViolation-wrapped problems.
//
// Thread Safety: Safe for concurrent use; takes the read lock.
func (t *Tapestry) Verify() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	v := &verifier{t: t}
	v.checkIDs()
	v.checkReferences()
	if v.checkAcyclic() && len(v.problems) == 0 {
		v.checkRecords()
	}
	v.checkSealsAndTags()
	v.checkSiblings()
	return v.err()
}

type verifier struct {
	t        *Tapestry
	problems []error
}

func (v *verifier) fail(format string, args ...any) {
	if len(v.problems) < maxViolations {
		v.problems = append(v.problems, fmt.Errorf("%w: "+format, append([]any{ErrInvariantViolation}, args...)...))
	}
}

func (v *verifier) err() error {
	return errors.Join(v.problems...)
}

func (v *verifier) sortedNodes() []*node {
	ids := slices.Sorted(maps.Keys(v.t.nodes))
	out := make([]*node, len(ids))
	for i, id := range ids {
		out[i] = v.t.nodes[id]
	}
	return out
}

func (v *verifier) checkIDs() {
	for id := range v.t.nodes {
		if id == 0 || id > v.t.lastNode {
			v.fail("node id %d outside allocated range 1..%d", id, v.t.lastNode)
		}
	}
	for id := range v.t.hyperedges {
		if id == 0 || id > v.t.lastEdge {
			v.fail("hyperedge id %d outside allocated range 1..%d", id, v.t.lastEdge)
		}
	}
}

func (v *verifier) checkReferences() {
	t := v.t
	for _, n := range v.sortedNodes() {
		if n.origin == 0 {
			if len(n.parents) > 1 {
				v.fail("%s has %d parents but no originating hyperedge", n.id, len(n.parents))
			}
			for _, pid := range n.parents {
				p, ok := t.nodes[pid]
				if !ok {
					v.fail("%s references missing parent %s", n.id, pid)
					continue
				}
				if !slices.Contains(p.children, n.id) {
					v.fail("%s lists parent %s which does not list it as a child", n.id, pid)
				}
			}
		} else {
			h, ok := t.hyperedges[n.origin]
			if !ok {
				v.fail("%s references missing hyperedge %s", n.id, n.origin)
			} else {
				if !slices.Contains(h.outputs, n.id) {
					v.fail("%s claims origin %s which does not list it as output", n.id, h.id)
				}
				if !slices.Equal(h.inputs, n.parents) {
					v.fail("%s parents %v differ from %s inputs %v", n.id, n.parents, h.id, h.inputs)
				}
			}
		}
		if !n.isRoot() && (n.base < 0 || n.base >= len(n.parents)) {
			v.fail("%s base index %d out of range", n.id, n.base)
		}

		for _, cid := range n.children {
			c, ok := t.nodes[cid]
			if !ok {
				v.fail("%s references missing child %s", n.id, cid)
				continue
			}
			if c.origin != 0 || len(c.parents) != 1 || c.parents[0] != n.id {
				v.fail("%s lists child %s whose parent is not %s", n.id, cid, n.id)
			}
		}
		for _, hid := range n.consumers {
			h, ok := t.hyperedges[hid]
			if !ok {
				v.fail("%s references missing consumer %s", n.id, hid)
				continue
			}
			if !slices.Contains(h.inputs, n.id) {
				v.fail("%s lists consumer %s which does not take it as input", n.id, hid)
			}
		}
	}

	for _, hid := range slices.Sorted(maps.Keys(t.hyperedges)) {
		h := t.hyperedges[hid]
		if len(h.inputs) == 0 || len(h.outputs) == 0 {
			v.fail("%s has %d inputs and %d outputs", hid, len(h.inputs), len(h.outputs))
		}
		for _, in := range h.inputs {
			n, ok := t.nodes[in]
			if !ok {
				v.fail("%s references missing input %s", hid, in)
				continue
			}
			if !slices.Contains(n.consumers, hid) {
				v.fail("%s input %s does not list it as consumer", hid, in)
			}
		}
		for _, out := range h.outputs {
			n, ok := t.nodes[out]
			if !ok {
				v.fail("%s references missing output %s", hid, out)
				continue
			}
			if n.origin != hid {
				v.fail("%s output %s has origin %s", hid, out, n.origin)
			}
		}
	}
}

// checkAcyclic reports whether the graph is acyclic.
func (v *verifier) checkAcyclic() bool {
	const (
		white = iota
		grey
		black
	)
	t := v.t
	color := make(map[NodeID]int, len(t.nodes))

	var visit func(id NodeID) bool
	visit = func(id NodeID) bool {
		color[id] = grey
		n := t.nodes[id]
		next := slices.Clone(n.children)
		for _, hid := range n.consumers {
			if h, ok := t.hyperedges[hid]; ok {
				next = append(next, h.outputs...)
			}
		}
		for _, c := range next {
			if _, ok := t.nodes[c]; !ok {
				continue
			}
			switch color[c] {
			case grey:
				v.fail("cycle through %s and %s", id, c)
				return false
			case white:
				if !visit(c) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}

	for _, n := range v.sortedNodes() {
		if color[n.id] == white && !visit(n.id) {
			return false
		}
	}
	return true
}

func (v *verifier) checkRecords() {
	t := v.t
	for _, n := range v.sortedNodes() {
		if n.isRoot() {
			if n.initial == nil {
				v.fail("root %s has no initial state", n.id)
				continue
			}
		} else if len(n.records) == 0 {
			v.fail("%s is not a root but has no records", n.id)
			continue
		}

		var parentDigest record.Digest
		var wantSeq uint64 = 1
		if n.initial != nil {
			parentDigest = n.initial.Digest()
		} else if base, ok := t.nodes[n.baseParent()]; ok {
			parentDigest = t.tipDigest(base)
			wantSeq = t.lastSeq(base) + 1
		}

		for i, rec := range n.records {
			if rec.Parent != parentDigest {
				v.fail("%s record %d parent %s breaks the digest chain", n.id, i, rec.Parent.Short())
			}
			if rec.Seq != wantSeq {
				v.fail("%s record %d has seq %d, want %d", n.id, i, rec.Seq, wantSeq)
			}
			parentDigest = rec.Result
			wantSeq = rec.Seq + 1
		}

		if n.cacheValid() && n.cache.Digest() != t.tipDigest(n) {
			v.fail("%s cached state digest %s differs from history %s",
				n.id, n.cache.Digest().Short(), t.tipDigest(n).Short())
		}
	}
}

func (v *verifier) checkSealsAndTags() {
	t := v.t
	for _, n := range v.sortedNodes() {
		if (len(n.children) > 0 || len(n.consumers) > 0) && !n.sealed {
			v.fail("%s has children or consumers but is not sealed", n.id)
		}
		for _, name := range n.tags {
			if t.tags[name] != n.id {
				v.fail("%s carries tag %q indexed to %s", n.id, name, t.tags[name])
			}
		}
	}
	for name, id := range t.tags {
		n, ok := t.nodes[id]
		if !ok || !slices.Contains(n.tags, name) {
			v.fail("tag %q points at %s which does not carry it", name, id)
		}
	}
}

// checkSiblings flags extension siblings that each hold the same single
// record, which content sharing must have collapsed into one node.
func (v *verifier) checkSiblings() {
	t := v.t
	for _, n := range v.sortedNodes() {
		for i, a := range n.children {
			an, ok := t.nodes[a]
			if !ok || len(an.records) != 1 {
				continue
			}
			for _, b := range n.children[i+1:] {
				bn, ok := t.nodes[b]
				if ok && len(bn.records) == 1 && an.records[0].SameTransition(bn.records[0]) {
					v.fail("siblings %s and %s duplicate the same record", a, b)
				}
			}
		}
	}
}
