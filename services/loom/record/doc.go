// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package record provides the UpdateRecord store - the immutable log of atomic
// state transitions that every tapestry node is built from.
//
// # Core Concepts
//
// ## State
//
// A State is an opaque, immutable payload. It is never mutated in place;
// applying an Operation always derives a new State. Every State carries a
// SHA256 digest so records can refer to their parent and result by content.
//
// ## Operation
//
// An Operation is the payload of one transition. Its Kind selects the
// Applier that interprets Body:
//
//   - append:  Body is concatenated to the parent state
//   - replace: Body becomes the new state
//   - patch:   Body is a unified diff applied to the parent state
//
// ## UpdateRecord
//
// An UpdateRecord is the transition (parent, operation) → result together
// with its logical sequence number. Records are plain values; once committed
// to a node they are never edited.
//
// # Determinism
//
// Store.Commit is deterministic: the same parent and operation always produce
// the same result digest. Store.Replay relies on this to rebuild evicted
// states and verifies every step against the recorded result digest.
//
// # Usage Example
//
//	store := record.NewStore(record.StoreConfig{})
//
//	rec, next, err := store.Commit(record.NewState([]byte("hello")), record.Append(" world"))
//	if err != nil {
//	    return fmt.Errorf("commit: %w", err)
//	}
//	fmt.Println(next.String(), rec.Result)
package record
