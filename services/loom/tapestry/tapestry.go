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
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/loom/services/loom/record"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	tapestryNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loom_tapestry_nodes",
		Help: "Live nodes per tapestry",
	}, []string{"tapestry"})

	deltasTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_tapestry_deltas_total",
		Help: "Deltas applied by kind and status",
	}, []string{"kind", "status"})
)

var tracer = otel.Tracer("loom.tapestry")

// -----------------------------------------------------------------------------
// Tapestry
// -----------------------------------------------------------------------------

// Options configures a Tapestry.
type Options struct {
	// ID names the tapestry. Defaults to a random UUID.
	ID string

	// Store derives states during materialization. Defaults to a new store.
	Store *record.Store

	// Journal, if set, receives every delta before it is applied.
	Journal Journal

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Tapestry is the branching-history DAG.
//
// Description:
//
//	Nodes and hyperedges live in an arena addressed by integer ids. A node
//	owns both its fine-grained record history and a memoised materialized
//	state. Extension edges (parent to child) are stored on the nodes;
//	multi-input provenance is stored as separate hyperedge records.
//
//	All mutation goes through Apply. Queries copy what they need under the
//	read lock. Materialize replays outside any lock.
//
// Thread Safety: Safe for concurrent use.
type Tapestry struct {
	id     string
	store  *record.Store
	logger *slog.Logger

	mu         sync.RWMutex
	nodes      map[NodeID]*node
	hyperedges map[HyperedgeID]*hyperedge
	tags       map[string]NodeID
	pins       map[NodeID]int
	lastNode   NodeID
	lastEdge   HyperedgeID
	generation uint64
	journal    Journal

	flight singleflight.Group
}

// New creates an empty tapestry.
func New(opts Options) *Tapestry {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	store := opts.Store
	if store == nil {
		store = record.NewStore(record.StoreConfig{Logger: opts.Logger})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tapestry{
		id:         id,
		store:      store,
		logger:     logger.With(slog.String("component", "tapestry"), slog.String("tapestry", id)),
		nodes:      make(map[NodeID]*node),
		hyperedges: make(map[HyperedgeID]*hyperedge),
		tags:       make(map[string]NodeID),
		pins:       make(map[NodeID]int),
		journal:    opts.Journal,
	}
}

// ID returns the tapestry id.
func (t *Tapestry) ID() string {
	return t.id
}

// Store returns the record store used for materialization.
func (t *Tapestry) Store() *record.Store {
	return t.store
}

// AttachJournal sets the journal receiving future deltas. Passing nil
// detaches it.
func (t *Tapestry) AttachJournal(j Journal) {
	t.mu.Lock()
	t.journal = j
	t.mu.Unlock()
}

// Apply validates and commits a delta.
//
// Description:
//
//	Under the write lock: validate the delta against the arena, fill its
//	derived fields, append it to the journal, then mutate. A validation or
//	journal failure leaves the tapestry unchanged.
//
// Inputs:
//   - ctx: Must not be nil. Checked for cancellation before locking.
//   - delta: Must not be nil.
//
// Outputs:
//   - Change: The affected ids and the new generation.
//   - error: ErrNodeNotFound, ErrInvalidOperation, ErrConcurrentModification,
//     ErrNotCompressible, ErrNodeRetained, ErrTagNotFound or a journal error.
//
// Thread Safety: Safe for concurrent use.
func (t *Tapestry) Apply(ctx context.Context, delta Delta) (Change, error) {
	return t.apply(ctx, delta, true)
}

// Replay commits a delta read back from a journal without journaling it
// again.
func (t *Tapestry) Replay(ctx context.Context, delta Delta) (Change, error) {
	return t.apply(ctx, delta, false)
}

func (t *Tapestry) apply(ctx context.Context, delta Delta, journal bool) (Change, error) {
	if ctx == nil {
		return Change{}, ErrNilContext
	}
	if delta == nil {
		return Change{}, ErrNilDelta
	}
	if err := ctx.Err(); err != nil {
		return Change{}, err
	}

	kind := delta.Kind().String()
	ctx, span := tracer.Start(ctx, "tapestry.Apply",
		trace.WithAttributes(
			attribute.String("delta_kind", kind),
			attribute.Bool("replay", !journal),
		),
	)
	defer span.End()

	fail := func(err error, msg string) (Change, error) {
		deltasTotal.WithLabelValues(kind, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return Change{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	commit, err := t.prepare(delta)
	if err != nil {
		return fail(err, "validation failed")
	}

	if journal && t.journal != nil {
		if err := t.journal.Append(ctx, delta); err != nil {
			return fail(fmt.Errorf("journal %s delta: %w", kind, err), "journal failed")
		}
	}

	change := commit()
	t.generation++
	change.Generation = t.generation

	deltasTotal.WithLabelValues(kind, "ok").Inc()
	tapestryNodes.WithLabelValues(t.id).Set(float64(len(t.nodes)))
	span.SetAttributes(
		attribute.Int64("generation", int64(change.Generation)),
		attribute.Int("created", len(change.Created)),
		attribute.Int("removed", len(change.Removed)),
	)

	t.logger.Debug("delta applied",
		slog.String("kind", kind),
		slog.Uint64("generation", change.Generation),
		slog.Any("result", change.Result),
		slog.Int("created", len(change.Created)),
		slog.Int("removed", len(change.Removed)),
	)
	return change, nil
}

// prepare validates delta and returns the mutation to run after journaling.
// Caller must hold t.mu.
func (t *Tapestry) prepare(delta Delta) (func() Change, error) {
	switch d := delta.(type) {
	case *SeedDelta:
		return t.prepareSeed(d)
	case *AppendDelta:
		return t.prepareAppend(d)
	case *BatchAppendDelta:
		return t.prepareBatch(d)
	case *HyperedgeDelta:
		return t.prepareHyperedge(d)
	case *CompressDelta:
		return t.prepareCompress(d)
	case *PruneDelta:
		return t.preparePrune(d)
	case *TagDelta:
		return t.prepareTag(d)
	default:
		return nil, fmt.Errorf("%w: unknown delta type %T", ErrInvalidOperation, delta)
	}
}

// -----------------------------------------------------------------------------
// Seed
// -----------------------------------------------------------------------------

func (t *Tapestry) prepareSeed(d *SeedDelta) (func() Change, error) {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	return func() Change {
		initial := record.NewState(d.Initial)
		t.lastNode++
		n := &node{
			id:       t.lastNode,
			initial:  &initial,
			label:    d.Label,
			metadata: maps.Clone(d.Metadata),
			created:  d.At,
		}
		t.nodes[n.id] = n
		return Change{Result: []NodeID{n.id}, Created: []NodeID{n.id}}
	}, nil
}

// -----------------------------------------------------------------------------
// Append
// -----------------------------------------------------------------------------

// checkAppend validates one append and fills its sequence number.
func (t *Tapestry) checkAppend(d *AppendDelta) (*node, error) {
	if d == nil {
		return nil, ErrNilDelta
	}
	n, ok := t.nodes[d.Target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, d.Target)
	}
	if len(n.records) != d.ExpectedLen {
		return nil, fmt.Errorf("%w: %s has %d records, append derived against %d",
			ErrConcurrentModification, d.Target, len(n.records), d.ExpectedLen)
	}
	if d.Record.Op.Kind == "" {
		return nil, fmt.Errorf("%w: record has no operation kind", ErrInvalidOperation)
	}
	if tip := t.tipDigest(n); d.Record.Parent != tip {
		return nil, fmt.Errorf("%w: record parent %s does not match %s state %s",
			ErrInvalidOperation, d.Record.Parent.Short(), d.Target, tip.Short())
	}
	if d.state != nil && d.state.Digest() != d.Record.Result {
		return nil, fmt.Errorf("%w: derived state does not match record result", ErrInvalidOperation)
	}
	d.Record.Seq = t.lastSeq(n) + 1
	// pins are not journaled; record the branch so replay takes it too
	if t.pins[n.id] > 0 {
		d.ForceBranch = true
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	return n, nil
}

func (t *Tapestry) prepareAppend(d *AppendDelta) (func() Change, error) {
	n, err := t.checkAppend(d)
	if err != nil {
		return nil, err
	}
	return func() Change {
		var c Change
		t.commitAppend(n, d, d.ForceBranch, &c)
		return c
	}, nil
}

func (t *Tapestry) prepareBatch(d *BatchAppendDelta) (func() Change, error) {
	if len(d.Appends) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidOperation)
	}

	targets := make([]*node, len(d.Appends))
	perTarget := make(map[NodeID]int, len(d.Appends))
	for i, a := range d.Appends {
		n, err := t.checkAppend(a)
		if err != nil {
			return nil, fmt.Errorf("batch append %d: %w", i, err)
		}
		targets[i] = n
		perTarget[a.Target]++
	}

	return func() Change {
		var c Change
		for i, a := range d.Appends {
			force := a.ForceBranch || perTarget[a.Target] > 1
			t.commitAppend(targets[i], a, force, &c)
		}
		return c
	}, nil
}

// commitAppend attaches d.Record to n in place, to a reused sibling, or to a
// new child. A reused sibling is sealed so each writer's next append forks.
// Caller must hold t.mu.
func (t *Tapestry) commitAppend(n *node, d *AppendDelta, forceBranch bool, c *Change) {
	rec := d.Record

	if !forceBranch && n.frontier() && t.pins[n.id] == 0 {
		n.records = append(n.records, rec)
		if d.state != nil {
			n.cache, n.cacheLen = d.state, len(n.records)
		}
		c.Result = append(c.Result, n.id)
		c.Modified = append(c.Modified, n.id)
		return
	}

	for _, childID := range n.children {
		sib := t.nodes[childID]
		if len(sib.records) == 1 && sib.records[0].SameTransition(rec) {
			// shared by more than one writer now, so later appends fork
			if !sib.sealed {
				sib.sealed = true
				c.Modified = append(c.Modified, sib.id)
			}
			c.Result = append(c.Result, sib.id)
			return
		}
	}

	t.lastNode++
	child := &node{
		id:      t.lastNode,
		records: []record.UpdateRecord{rec},
		parents: []NodeID{n.id},
		created: d.At,
	}
	if d.state != nil {
		child.cache, child.cacheLen = d.state, 1
	}
	t.nodes[child.id] = child

	if !n.sealed {
		c.Modified = append(c.Modified, n.id)
	}
	n.children = append(n.children, child.id)
	n.sealed = true

	c.Result = append(c.Result, child.id)
	c.Created = append(c.Created, child.id)
}

// -----------------------------------------------------------------------------
// Hyperedge
// -----------------------------------------------------------------------------

func (t *Tapestry) prepareHyperedge(d *HyperedgeDelta) (func() Change, error) {
	if d.Program == "" {
		return nil, fmt.Errorf("%w: hyperedge has no program", ErrInvalidOperation)
	}
	if len(d.Inputs) == 0 {
		return nil, fmt.Errorf("%w: hyperedge has no inputs", ErrInvalidOperation)
	}
	if len(d.Outputs) == 0 {
		return nil, fmt.Errorf("%w: hyperedge has no outputs", ErrInvalidOperation)
	}
	if len(d.InputLens) != len(d.Inputs) {
		return nil, fmt.Errorf("%w: %d input lengths for %d inputs",
			ErrInvalidOperation, len(d.InputLens), len(d.Inputs))
	}

	inputs := make([]*node, len(d.Inputs))
	seen := make(map[NodeID]struct{}, len(d.Inputs))
	for i, id := range d.Inputs {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate input %s", ErrInvalidOperation, id)
		}
		seen[id] = struct{}{}

		n, ok := t.nodes[id]
		if !ok {
			return nil, fmt.Errorf("%w: input %s", ErrNodeNotFound, id)
		}
		if len(n.records) != d.InputLens[i] {
			return nil, fmt.Errorf("%w: input %s has %d records, invocation saw %d",
				ErrConcurrentModification, id, len(n.records), d.InputLens[i])
		}
		inputs[i] = n
	}

	for i := range d.Outputs {
		out := &d.Outputs[i]
		if out.Base < 0 || out.Base >= len(inputs) {
			return nil, fmt.Errorf("%w: output %d base %d out of range", ErrInvalidOperation, i, out.Base)
		}
		if out.Record.Op.Kind == "" {
			return nil, fmt.Errorf("%w: output %d has no operation kind", ErrInvalidOperation, i)
		}
		base := inputs[out.Base]
		if tip := t.tipDigest(base); out.Record.Parent != tip {
			return nil, fmt.Errorf("%w: output %d parent %s does not match %s state %s",
				ErrInvalidOperation, i, out.Record.Parent.Short(), base.id, tip.Short())
		}
		if out.state != nil && out.state.Digest() != out.Record.Result {
			return nil, fmt.Errorf("%w: output %d state does not match record result", ErrInvalidOperation, i)
		}
		out.Record.Seq = t.lastSeq(base) + 1
	}

	if d.InvocationID == "" {
		d.InvocationID = uuid.New().String()
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}

	return func() Change {
		t.lastEdge++
		h := &hyperedge{
			id:           t.lastEdge,
			program:      d.Program,
			descriptor:   d.Descriptor.Clone(),
			invocationID: d.InvocationID,
			inputs:       slices.Clone(d.Inputs),
			created:      d.At,
		}

		c := Change{Hyperedges: []HyperedgeID{h.id}}
		for _, out := range d.Outputs {
			t.lastNode++
			n := &node{
				id:      t.lastNode,
				records: []record.UpdateRecord{out.Record},
				parents: slices.Clone(d.Inputs),
				base:    out.Base,
				origin:  h.id,
				created: d.At,
			}
			if out.state != nil {
				n.cache, n.cacheLen = out.state, 1
			}
			t.nodes[n.id] = n
			h.outputs = append(h.outputs, n.id)
			c.Result = append(c.Result, n.id)
			c.Created = append(c.Created, n.id)
		}

		for _, in := range inputs {
			in.consumers = append(in.consumers, h.id)
			in.sealed = true
			c.Modified = append(c.Modified, in.id)
		}
		t.hyperedges[h.id] = h
		return c
	}, nil
}

// -----------------------------------------------------------------------------
// Compress
// -----------------------------------------------------------------------------

// compressChain returns the nodes start would absorb. Caller must hold t.mu.
func (t *Tapestry) compressChain(start *node) []*node {
	var chain []*node
	cur := start
	for len(cur.children) == 1 && len(cur.consumers) == 0 {
		next := t.nodes[cur.children[0]]
		if len(next.parents) != 1 || next.origin != 0 || len(next.tags) > 0 || len(next.consumers) > 0 {
			break
		}
		chain = append(chain, next)
		cur = next
	}
	return chain
}

// prepareCompress merges the chain below d.Start into it.
//
// The merged node keeps the start's id and creation time; absorbed records
// keep their own seq numbers. It keeps the start's label, or takes the first
// non-empty label down the chain when the start has none. Absorbed creation
// times are not kept.
func (t *Tapestry) prepareCompress(d *CompressDelta) (func() Change, error) {
	start, ok := t.nodes[d.Start]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, d.Start)
	}

	chain := t.compressChain(start)
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s has no mergeable single-child chain", ErrNotCompressible, d.Start)
	}

	ids := make([]NodeID, len(chain))
	for i, n := range chain {
		ids[i] = n.id
	}
	if d.Absorbed != nil && !slices.Equal(d.Absorbed, ids) {
		return nil, fmt.Errorf("%w: chain below %s is %v, delta recorded %v",
			ErrConcurrentModification, d.Start, ids, d.Absorbed)
	}
	for _, id := range append([]NodeID{start.id}, ids...) {
		if t.pins[id] > 0 {
			return nil, fmt.Errorf("%w: %s is pinned by an in-flight invoke", ErrConcurrentModification, id)
		}
	}
	d.Absorbed = ids

	return func() Change {
		c := Change{Result: []NodeID{start.id}, Modified: []NodeID{start.id}}
		last := chain[len(chain)-1]

		for _, n := range chain {
			start.records = append(start.records, n.records...)
			if start.label == "" {
				start.label = n.label
			}
			delete(t.nodes, n.id)
			c.Removed = append(c.Removed, n.id)
		}

		start.children = slices.Clone(last.children)
		for _, childID := range start.children {
			child := t.nodes[childID]
			child.parents[0] = start.id
			c.Modified = append(c.Modified, childID)
		}
		start.sealed = last.sealed

		if last.cacheValid() {
			start.cache, start.cacheLen = last.cache, len(start.records)
		} else {
			start.cache, start.cacheLen = nil, 0
		}
		return c
	}, nil
}

// -----------------------------------------------------------------------------
// Prune
// -----------------------------------------------------------------------------

// descendants returns id and every node reachable from it through child and
// hyperedge-output edges, in breadth-first order. Caller must hold t.mu.
func (t *Tapestry) descendants(id NodeID) []NodeID {
	seen := map[NodeID]struct{}{id: {}}
	order := []NodeID{id}
	for i := 0; i < len(order); i++ {
		n := t.nodes[order[i]]
		next := slices.Clone(n.children)
		for _, hid := range n.consumers {
			next = append(next, t.hyperedges[hid].outputs...)
		}
		for _, c := range next {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				order = append(order, c)
			}
		}
	}
	return order
}

func (t *Tapestry) preparePrune(d *PruneDelta) (func() Change, error) {
	if _, ok := t.nodes[d.Target]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, d.Target)
	}

	doomed := t.descendants(d.Target)
	for _, id := range doomed {
		n := t.nodes[id]
		if n.retained() {
			if id == d.Target {
				return nil, fmt.Errorf("%w: %s", ErrNodeRetained, id)
			}
			return nil, fmt.Errorf("%w: descendant %s of %s", ErrNodeRetained, id, d.Target)
		}
		if t.pins[id] > 0 {
			return nil, fmt.Errorf("%w: %s is pinned by an in-flight invoke", ErrConcurrentModification, id)
		}
	}
	if d.Spared == nil {
		d.Spared = slices.Sorted(maps.Keys(t.pins))
	}

	return func() Change {
		p := pruner{t: t, touched: make(map[NodeID]struct{})}
		for _, id := range doomed {
			p.removeNode(id)
		}
		for len(p.candidates) > 0 {
			id := p.candidates[0]
			p.candidates = p.candidates[1:]
			n, ok := t.nodes[id]
			if !ok || n.retained() || t.pins[id] > 0 || slices.Contains(d.Spared, id) ||
				len(n.children) > 0 || len(n.consumers) > 0 {
				continue
			}
			p.removeNode(id)
		}

		c := Change{Removed: p.removed, RemovedHyperedges: p.removedEdges}
		for _, id := range p.touchedOrder {
			if _, alive := t.nodes[id]; alive {
				c.Modified = append(c.Modified, id)
			}
		}
		return c
	}, nil
}

// pruner removes nodes and cascades to hyperedges and ancestors.
type pruner struct {
	t            *Tapestry
	removed      []NodeID
	removedEdges []HyperedgeID
	candidates   []NodeID
	touched      map[NodeID]struct{}
	touchedOrder []NodeID
}

func (p *pruner) touch(id NodeID) {
	if _, ok := p.touched[id]; !ok {
		p.touched[id] = struct{}{}
		p.touchedOrder = append(p.touchedOrder, id)
	}
	p.candidates = append(p.candidates, id)
}

func (p *pruner) removeNode(id NodeID) {
	t := p.t
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	delete(t.nodes, id)
	p.removed = append(p.removed, id)

	for _, name := range n.tags {
		delete(t.tags, name)
	}

	if n.origin == 0 {
		for _, pid := range n.parents {
			if parent, ok := t.nodes[pid]; ok {
				parent.children = removeID(parent.children, id)
				p.touch(pid)
			}
		}
		return
	}

	if h, ok := t.hyperedges[n.origin]; ok {
		h.outputs = removeID(h.outputs, id)
		if len(h.outputs) == 0 {
			p.removeEdge(h)
		}
	}
}

func (p *pruner) removeEdge(h *hyperedge) {
	t := p.t
	delete(t.hyperedges, h.id)
	p.removedEdges = append(p.removedEdges, h.id)
	for _, in := range h.inputs {
		if n, ok := t.nodes[in]; ok {
			n.consumers = removeID(n.consumers, h.id)
			p.touch(in)
		}
	}
}

// -----------------------------------------------------------------------------
// Tag
// -----------------------------------------------------------------------------

func (t *Tapestry) prepareTag(d *TagDelta) (func() Change, error) {
	if d.Name == "" {
		return nil, fmt.Errorf("%w: empty tag name", ErrInvalidOperation)
	}

	if d.Remove {
		holder, ok := t.tags[d.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrTagNotFound, d.Name)
		}
		return func() Change {
			n := t.nodes[holder]
			n.tags = removeID(n.tags, d.Name)
			delete(t.tags, d.Name)
			return Change{Result: []NodeID{holder}, Modified: []NodeID{holder}}
		}, nil
	}

	n, ok := t.nodes[d.Node]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, d.Node)
	}
	return func() Change {
		c := Change{Result: []NodeID{n.id}}
		if prev, ok := t.tags[d.Name]; ok {
			if prev == n.id {
				return c
			}
			old := t.nodes[prev]
			old.tags = removeID(old.tags, d.Name)
			c.Modified = append(c.Modified, prev)
		}
		t.tags[d.Name] = n.id
		n.tags = append(n.tags, d.Name)
		slices.Sort(n.tags)
		c.Modified = append(c.Modified, n.id)
		return c
	}, nil
}

// -----------------------------------------------------------------------------
// Pins
// -----------------------------------------------------------------------------

// Pin protects nodes from prune and compress, and keeps in-place appends off
// them, until Unpin. Pins nest.
//
// Outputs:
//   - error: ErrNodeNotFound if any id is unknown; nothing is pinned then.
func (t *Tapestry) Pin(ids ...NodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if _, ok := t.nodes[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
	}
	for _, id := range ids {
		t.pins[id]++
	}
	return nil
}

// Unpin releases one pin on each id.
func (t *Tapestry) Unpin(ids ...NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if t.pins[id] <= 1 {
			delete(t.pins, id)
			continue
		}
		t.pins[id]--
	}
}

// -----------------------------------------------------------------------------
// Lineage helpers (caller holds t.mu)
// -----------------------------------------------------------------------------

// tipDigest is the digest of n's materialized state.
func (t *Tapestry) tipDigest(n *node) record.Digest {
	for {
		if len(n.records) > 0 {
			return n.records[len(n.records)-1].Result
		}
		if n.initial != nil {
			return n.initial.Digest()
		}
		parent, ok := t.nodes[n.baseParent()]
		if !ok {
			return record.State{}.Digest()
		}
		n = parent
	}
}

// lastSeq is the sequence number of the last record on n's lineage.
func (t *Tapestry) lastSeq(n *node) uint64 {
	for {
		if len(n.records) > 0 {
			return n.records[len(n.records)-1].Seq
		}
		parent, ok := t.nodes[n.baseParent()]
		if !ok {
			return 0
		}
		n = parent
	}
}
