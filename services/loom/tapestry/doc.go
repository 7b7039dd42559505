// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tapestry provides the compressed branching-history DAG.
//
// # Architecture Overview
//
//	          ┌──────────┐
//	          │ root  n1 │  initial state, records [r1 r2]
//	          └────┬─────┘
//	        ┌──────┴──────┐             extension edges (single parent)
//	   ┌────▼────┐   ┌────▼────┐
//	   │   n2    │   │   n3    │  each holds the run that diverged
//	   └────┬────┘   └────┬────┘
//	        └──────┬──────┘
//	          ┌────▼────┐
//	          │  h1     │  hyperedge: program + descriptor
//	          └────┬────┘
//	          ┌────▼────┐
//	          │   n4    │  output, parents [n2 n3], base selects n2 or n3
//	          └─────────┘
//
// # Core Concepts
//
// ## Node
//
// A node is a maximal run of UpdateRecords with no branching inside it. It
// owns the fine-grained records and a memoised materialized state that is
// valid only for the current record count. Only a frontier node (unsealed,
// childless, not consumed by a hyperedge) is extended in place; every other
// append creates a child. A node becomes sealed permanently once it gains a
// child, is consumed as a hyperedge input, or is returned to a second writer
// whose append matched its single record.
//
// ## Hyperedge
//
// A hyperedge records one invoke: its program, descriptor and invocation
// id, the input nodes it read and the output nodes it produced.
//
// ## Delta
//
// Every mutation is a Delta passed to Apply, which validates it under the
// write lock, appends it to the journal if one is attached, then mutates.
// The generation counter increases by one per applied delta.
//
// # Retention
//
// Roots and tagged nodes are retained and are never removed by prune.
// Nodes pinned by an in-flight invoke are protected from prune and
// compress until unpinned.
//
// # Thread Safety
//
// One RWMutex guards the arena. Commit critical sections are short;
// materialization replays records outside the lock and collapses concurrent
// recomputations of the same node with singleflight.
package tapestry
