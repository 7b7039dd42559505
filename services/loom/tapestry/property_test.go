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
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/loom/services/loom/record"
)

// TestProperty_RandomOperations drives random operation sequences and
// checks acyclicity, id uniqueness and the materialization round trip after
// every step.
func TestProperty_RandomOperations(t *testing.T) {
	for seedValue := uint64(1); seedValue <= 20; seedValue++ {
		t.Run(fmt.Sprintf("seed_%d", seedValue), func(t *testing.T) {
			runRandomOperations(t, rand.New(rand.NewPCG(seedValue, seedValue*7919)), 150)
		})
	}
}

func runRandomOperations(t *testing.T, rng *rand.Rand, steps int) {
	ctx := context.Background()
	j := &recordingJournal{}
	tp := New(Options{ID: "prop", Journal: j})
	seed(t, tp, "init")

	var highest NodeID
	pick := func() NodeID {
		ids := tp.ListNodes()
		return ids[rng.IntN(len(ids))]
	}

	for step := 0; step < steps; step++ {
		var (
			ch  Change
			err error
		)
		switch op := rng.IntN(10); {
		case op < 4:
			d := buildAppend(t, tp, pick(), record.Append(fmt.Sprintf("<%d>", rng.IntN(4))))
			d.ForceBranch = rng.IntN(3) == 0
			ch, err = tp.Apply(ctx, d)
		case op == 4:
			target := pick()
			ch, err = tp.Apply(ctx, &BatchAppendDelta{Appends: []*AppendDelta{
				buildAppend(t, tp, target, record.Append("L")),
				buildAppend(t, tp, target, record.Append("R")),
			}})
		case op == 5:
			a, b := pick(), pick()
			inputs := []NodeID{a}
			if a != b {
				inputs = append(inputs, b)
			}
			ch, err = tp.Apply(ctx, buildHyperedge(t, tp, inputs, record.Append("+h")))
		case op == 6:
			ch, err = tp.Apply(ctx, &CompressDelta{Start: pick()})
		case op == 7:
			ch, err = tp.Apply(ctx, &PruneDelta{Target: pick()})
		case op == 8:
			ch, err = tp.Apply(ctx, &TagDelta{Node: pick(), Name: fmt.Sprintf("t%d", rng.IntN(3))})
		default:
			if rng.IntN(2) == 0 {
				tp.EvictCaches()
			} else {
				ch, err = tp.Apply(ctx, &SeedDelta{Initial: []byte("seed")})
			}
		}

		if err != nil {
			require.True(t,
				errors.Is(err, ErrNotCompressible) || errors.Is(err, ErrNodeRetained),
				"step %d: unexpected error %v", step, err)
		}
		for _, id := range ch.Created {
			require.Greater(t, id, highest, "step %d: id %s reused", step, id)
			highest = id
		}

		require.NoError(t, tp.Verify(), "step %d", step)
	}

	// round trip: every node equals its base parent's state plus its history
	for _, id := range tp.ListNodes() {
		info, err := tp.Node(id)
		require.NoError(t, err)
		got, err := tp.Materialize(ctx, id)
		require.NoError(t, err)
		if len(info.Parents) == 0 {
			continue
		}
		parent, err := tp.Materialize(ctx, info.Parents[info.Base])
		require.NoError(t, err)
		hist, err := tp.GetUpdateHistory(id)
		require.NoError(t, err)
		replayed, err := tp.Store().Replay(parent, hist)
		require.NoError(t, err)
		require.True(t, replayed.Equal(got), "node %s", id)
	}

	// the journal alone reproduces the same tapestry
	replica := New(Options{ID: "prop"})
	for _, d := range j.deltas {
		_, err := replica.Replay(ctx, d)
		require.NoError(t, err)
	}
	require.Equal(t, tp.ListNodes(), replica.ListNodes())
	for _, id := range tp.ListNodes() {
		a, err := tp.Materialize(ctx, id)
		require.NoError(t, err)
		b, err := replica.Materialize(ctx, id)
		require.NoError(t, err)
		require.True(t, a.Equal(b), "node %s", id)
	}
}
