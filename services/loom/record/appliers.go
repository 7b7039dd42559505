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
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// Applier derives a new state from a parent state and an operation.
//
// Implementations must be deterministic and must not retain or modify the
// parent state's payload.
type Applier interface {
	Apply(parent State, op Operation) (State, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(parent State, op Operation) (State, error)

// Apply calls f(parent, op).
func (f ApplierFunc) Apply(parent State, op Operation) (State, error) {
	return f(parent, op)
}

// appendApplier concatenates the operation body to the parent.
func appendApplier(parent State, op Operation) (State, error) {
	out := make([]byte, 0, len(parent.data)+len(op.Body))
	out = append(out, parent.data...)
	out = append(out, op.Body...)
	return wrapState(out), nil
}

// replaceApplier discards the parent and uses the body verbatim.
func replaceApplier(_ State, op Operation) (State, error) {
	return NewState(op.Body), nil
}

// patchApplier applies a unified diff to the parent.
//
// Description:
//
//	Body may be a full file diff ("--- a" / "+++ b" headers) or bare hunks
//	starting with "@@". Context and removed lines must match the parent
//	exactly; any mismatch is reported as ErrInvalidOperation so a stale or
//	malformed patch never silently corrupts history.
func patchApplier(parent State, op Operation) (State, error) {
	hunks, err := parseHunks(op.Body)
	if err != nil {
		return State{}, err
	}
	out, err := applyHunks(string(parent.data), hunks)
	if err != nil {
		return State{}, err
	}
	return wrapState([]byte(out)), nil
}

// parseHunks parses a patch body into hunks.
func parseHunks(body []byte) ([]*diff.Hunk, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty patch", ErrInvalidOperation)
	}

	var hunks []*diff.Hunk
	if bytes.HasPrefix(body, []byte("@@")) {
		parsed, err := diff.ParseHunks(body)
		if err != nil {
			return nil, fmt.Errorf("%w: parse hunks: %v", ErrInvalidOperation, err)
		}
		hunks = parsed
	} else {
		fd, err := diff.ParseFileDiff(body)
		if err != nil {
			return nil, fmt.Errorf("%w: parse diff: %v", ErrInvalidOperation, err)
		}
		hunks = fd.Hunks
	}

	if len(hunks) == 0 {
		return nil, fmt.Errorf("%w: patch has no hunks", ErrInvalidOperation)
	}
	return hunks, nil
}

// applyHunks applies parsed hunks over the lines of original.
func applyHunks(original string, hunks []*diff.Hunk) (string, error) {
	var origLines []string
	if original != "" {
		origLines = strings.Split(original, "\n")
	}
	newLines := make([]string, 0, len(origLines))

	origIdx := 0
	for i, hunk := range hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunk.OrigLines == 0 {
			// Pure insertion: OrigStartLine names the line after which to insert.
			hunkStart = int(hunk.OrigStartLine)
		}
		if hunkStart < origIdx || hunkStart > len(origLines) {
			return "", fmt.Errorf("%w: hunk %d starts at line %d outside parent (%d lines)",
				ErrInvalidOperation, i+1, hunk.OrigStartLine, len(origLines))
		}

		for origIdx < hunkStart {
			newLines = append(newLines, origLines[origIdx])
			origIdx++
		}

		consumed := 0
		body := strings.TrimSuffix(string(hunk.Body), "\n")
		for _, line := range strings.Split(body, "\n") {
			if strings.HasPrefix(line, `\`) {
				continue // "\ No newline at end of file"
			}

			var marker byte = ' '
			text := line
			if line != "" {
				marker = line[0]
				text = line[1:]
			}

			switch marker {
			case '+':
				newLines = append(newLines, text)
			case '-', ' ':
				if origIdx >= len(origLines) || origLines[origIdx] != text {
					return "", fmt.Errorf("%w: hunk %d does not match parent at line %d",
						ErrInvalidOperation, i+1, origIdx+1)
				}
				if marker == ' ' {
					newLines = append(newLines, text)
				}
				origIdx++
				consumed++
			default:
				return "", fmt.Errorf("%w: hunk %d has malformed line %q", ErrInvalidOperation, i+1, line)
			}
		}

		if consumed != int(hunk.OrigLines) {
			return "", fmt.Errorf("%w: hunk %d consumed %d lines, header declares %d",
				ErrInvalidOperation, i+1, consumed, hunk.OrigLines)
		}
	}

	for origIdx < len(origLines) {
		newLines = append(newLines, origLines[origIdx])
		origIdx++
	}

	return strings.Join(newLines, "\n"), nil
}
