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
	"time"

	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/weft"
)

// DocumentVersion is the current Document schema version.
const DocumentVersion = 1

// ErrInvalidDocument is returned by Import for documents that do not
// describe a consistent tapestry.
var ErrInvalidDocument = errors.New("invalid tapestry document")

// Document is the serializable form of a tapestry.
type Document struct {
	Version       int                               `json:"version" yaml:"version"`
	ID            string                            `json:"id" yaml:"id"`
	Generation    uint64                            `json:"generation" yaml:"generation"`
	LastNode      NodeID                            `json:"last_node" yaml:"last_node"`
	LastHyperedge HyperedgeID                       `json:"last_hyperedge" yaml:"last_hyperedge"`
	Nodes         map[NodeID]NodeDocument           `json:"nodes" yaml:"nodes"`
	Hyperedges    map[HyperedgeID]HyperedgeDocument `json:"hyperedges,omitempty" yaml:"hyperedges,omitempty"`
}

// NodeDocument is the serializable form of a node.
type NodeDocument struct {
	Records   []record.UpdateRecord `json:"records,omitempty" yaml:"records,omitempty"`
	Parents   []NodeID              `json:"parents,omitempty" yaml:"parents,omitempty"`
	Base      int                   `json:"base,omitempty" yaml:"base,omitempty"`
	Children  []NodeID              `json:"children,omitempty" yaml:"children,omitempty"`
	Consumers []HyperedgeID         `json:"consumers,omitempty" yaml:"consumers,omitempty"`
	Origin    HyperedgeID           `json:"origin,omitempty" yaml:"origin,omitempty"`
	Sealed    bool                  `json:"sealed,omitempty" yaml:"sealed,omitempty"`
	Tags      []string              `json:"tags,omitempty" yaml:"tags,omitempty"`
	Label     string                `json:"label,omitempty" yaml:"label,omitempty"`
	Metadata  map[string]string     `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Created   time.Time             `json:"created" yaml:"created"`

	// Initial is the seed payload; set only for roots.
	Initial []byte `json:"initial,omitempty" yaml:"initial,omitempty"`

	// CachedDigest references the materialized state at export time.
	CachedDigest record.Digest `json:"cached_digest,omitempty" yaml:"cached_digest,omitempty"`
}

// HyperedgeDocument is the serializable form of a hyperedge.
type HyperedgeDocument struct {
	Program      string          `json:"program" yaml:"program"`
	Descriptor   weft.Descriptor `json:"descriptor" yaml:"descriptor"`
	InvocationID string          `json:"invocation_id" yaml:"invocation_id"`
	Inputs       []NodeID        `json:"inputs" yaml:"inputs"`
	Outputs      []NodeID        `json:"outputs" yaml:"outputs"`
	Created      time.Time       `json:"created" yaml:"created"`
}

// Export returns a deep copy of the tapestry as a Document.
//
// Thread Safety: Safe for concurrent use; takes the read lock.
func (t *Tapestry) Export() *Document {
	t.mu.RLock()
	defer t.mu.RUnlock()

	doc := &Document{
		Version:       DocumentVersion,
		ID:            t.id,
		Generation:    t.generation,
		LastNode:      t.lastNode,
		LastHyperedge: t.lastEdge,
		Nodes:         make(map[NodeID]NodeDocument, len(t.nodes)),
		Hyperedges:    make(map[HyperedgeID]HyperedgeDocument, len(t.hyperedges)),
	}

	for id, n := range t.nodes {
		nd := NodeDocument{
			Records:   slices.Clone(n.records),
			Parents:   slices.Clone(n.parents),
			Base:      n.base,
			Children:  slices.Clone(n.children),
			Consumers: slices.Clone(n.consumers),
			Origin:    n.origin,
			Sealed:    n.sealed,
			Tags:      slices.Clone(n.tags),
			Label:     n.label,
			Metadata:  maps.Clone(n.metadata),
			Created:   n.created,
		}
		if n.initial != nil {
			nd.Initial = n.initial.Bytes()
		}
		if n.cacheValid() {
			nd.CachedDigest = n.cache.Digest()
		}
		doc.Nodes[id] = nd
	}

	for id, h := range t.hyperedges {
		doc.Hyperedges[id] = HyperedgeDocument{
			Program:      h.program,
			Descriptor:   h.descriptor.Clone(),
			InvocationID: h.invocationID,
			Inputs:       slices.Clone(h.inputs),
			Outputs:      slices.Clone(h.outputs),
			Created:      h.created,
		}
	}
	return doc
}

// Import builds a tapestry from a Document.
//
// Description:
//
//	opts.ID is ignored; the document's id is used. Cached states are not
//	restored and are recomputed on first Materialize. The result is checked
//	with Verify before it is returned.
//
// Outputs:
//   - *Tapestry: The restored tapestry.
//   - error: ErrInvalidDocument wrapping the first problem found.
func Import(doc *Document, opts Options) (*Tapestry, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrInvalidDocument, doc.Version, DocumentVersion)
	}

	opts.ID = doc.ID
	t := New(opts)
	t.generation = doc.Generation
	t.lastNode = doc.LastNode
	t.lastEdge = doc.LastHyperedge

	for id, nd := range doc.Nodes {
		n := &node{
			id:        id,
			records:   slices.Clone(nd.Records),
			parents:   slices.Clone(nd.Parents),
			base:      nd.Base,
			children:  slices.Clone(nd.Children),
			consumers: slices.Clone(nd.Consumers),
			origin:    nd.Origin,
			sealed:    nd.Sealed,
			tags:      slices.Clone(nd.Tags),
			label:     nd.Label,
			metadata:  maps.Clone(nd.Metadata),
			created:   nd.Created,
		}
		if len(nd.Parents) == 0 {
			initial := record.NewState(nd.Initial)
			n.initial = &initial
		} else if nd.Base < 0 || nd.Base >= len(nd.Parents) {
			return nil, fmt.Errorf("%w: %s base %d out of range", ErrInvalidDocument, id, nd.Base)
		}
		for _, name := range nd.Tags {
			if prev, dup := t.tags[name]; dup {
				return nil, fmt.Errorf("%w: tag %q on %s and %s", ErrInvalidDocument, name, prev, id)
			}
			t.tags[name] = id
		}
		t.nodes[id] = n
	}

	for id, hd := range doc.Hyperedges {
		t.hyperedges[id] = &hyperedge{
			id:           id,
			program:      hd.Program,
			descriptor:   hd.Descriptor.Clone(),
			invocationID: hd.InvocationID,
			inputs:       slices.Clone(hd.Inputs),
			outputs:      slices.Clone(hd.Outputs),
			created:      hd.Created,
		}
	}

	if err := t.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	tapestryNodes.WithLabelValues(t.id).Set(float64(len(t.nodes)))
	return t, nil
}
