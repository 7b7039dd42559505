// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package warp runs operations against a tapestry.
//
// # Operations
//
//	Seed         create a root from an initial state
//	Append       extend a frontier in place, or branch from a sealed node
//	Branch       always create a child
//	AppendBatch  commit logically concurrent appends atomically
//	Invoke       call a weft program and record a hyperedge
//	Compress     merge a single-child chain into its top node
//	Prune        remove a subtree and the ancestors it leaves dangling
//	Tag, Untag   name and retain branch tips
//
// # Commit Protocol
//
// Work that can be slow (applying operations, materializing inputs,
// calling programs) happens outside the tapestry lock against a snapshot.
// The result is committed as one delta, which the tapestry rejects with
// ErrConcurrentModification if the snapshot went stale. Appends are then
// re-derived against the current state and committed as a new child;
// invokes fail and leave the tapestry untouched.
//
// # Observability
//
// Every operation opens a "warp.<op>" span and records
// loom_warp_operations_total and loom_warp_operation_duration_seconds.
// Program calls are counted by loom_weft_invocations_total.
package warp
