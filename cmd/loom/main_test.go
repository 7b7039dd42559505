// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/loom/pkg/ux"
	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/tapestry"
	"github.com/AleutianAI/loom/services/loom/weft"
)

// loom runs one command line against the journal under dir.
func loom(t *testing.T, dir string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--plain", "--data-dir", dir}, args...)
	err := run(full, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func mustLoom(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, errOut, err := loom(t, dir, args...)
	require.NoError(t, err, "loom %v: %s", args, errOut)
	return out
}

func TestCLI_Session(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, "OK\tseeded n1 (5 bytes)\n", mustLoom(t, dir, "seed", "--text", "draft", "--label", "intro"))
	assert.Equal(t, "OK\textended n1 (generation 2)\n", mustLoom(t, dir, "append", "n1", "--body", " one"))
	assert.Equal(t, "OK\tbranched n2 from n1 (generation 3)\n", mustLoom(t, dir, "append", "1", "--branch", "--body", " two"))

	t.Run("state survives restarts", func(t *testing.T) {
		out := mustLoom(t, dir, "show", "n2")
		assert.Contains(t, out, "parents\tn1\n")
		assert.Contains(t, out, "flags\tfrontier\n")
		assert.True(t, strings.HasSuffix(out, "draft one two\n"), out)
	})

	t.Run("tags resolve as node names", func(t *testing.T) {
		mustLoom(t, dir, "tag", "n2", "best")
		out := mustLoom(t, dir, "show", "best", "--no-state")
		assert.Contains(t, out, "tags\tbest\n")
	})

	t.Run("invoke records a hyperedge", func(t *testing.T) {
		out := mustLoom(t, dir, "invoke", "concat", "n1", "best", "--param", "sep=|")
		assert.Equal(t, "OK\th1 produced n3\n", out)

		show := mustLoom(t, dir, "show", "n3")
		assert.Contains(t, show, "parents\tn1,n2\n")
		assert.Contains(t, show, "origin\th1\n")
		assert.True(t, strings.HasSuffix(show, "draft one|draft one two\n"), show)

		tree := mustLoom(t, dir, "tree")
		assert.Contains(t, tree, `n1 "intro"`)
		assert.Contains(t, tree, "  n2 ")
		assert.Contains(t, tree, "h1 concat(concat) <- n1,n2")
		assert.Contains(t, tree, "#best")
	})

	t.Run("history", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(mustLoom(t, dir, "history", "n1"), "1\tappend\t"))

		out := mustLoom(t, dir, "history", "n3")
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 1)
		assert.True(t, strings.HasPrefix(lines[0], "2\treplace\t"), lines[0])
		assert.True(t, strings.HasSuffix(lines[0], "draft one|draft one two"), lines[0])
	})

	t.Run("ancestor", func(t *testing.T) {
		assert.Equal(t, "n1\n", mustLoom(t, dir, "ancestor", "n2", "n3"))
	})

	t.Run("export", func(t *testing.T) {
		var doc tapestry.Document
		require.NoError(t, json.Unmarshal([]byte(mustLoom(t, dir, "export")), &doc))
		assert.Len(t, doc.Nodes, 3)
		assert.Len(t, doc.Hyperedges, 1)

		path := filepath.Join(t.TempDir(), "session.yaml")
		mustLoom(t, dir, "export", "--format", "yaml", "-o", path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var fromYAML tapestry.Document
		require.NoError(t, yaml.Unmarshal(data, &fromYAML))
		assert.Equal(t, doc.Generation, fromYAML.Generation)

		_, _, err = loom(t, dir, "export", "--format", "xml")
		assert.Error(t, err)
	})

	t.Run("checkpoint then restore", func(t *testing.T) {
		before := mustLoom(t, dir, "export")
		mustLoom(t, dir, "checkpoint")
		assert.Equal(t, before, mustLoom(t, dir, "export"))

		status := mustLoom(t, dir, "status")
		assert.Contains(t, status, "nodes\t3\n")
		assert.Contains(t, status, "hyperedges\t1\n")
		assert.NotContains(t, status, "checkpoint_seq\t0\n")
	})

	t.Run("prune and verify", func(t *testing.T) {
		assert.Equal(t, "OK\tremoved n3\n", mustLoom(t, dir, "prune", "n3"))
		assert.Contains(t, mustLoom(t, dir, "verify"), "OK\t2 nodes, 0 hyperedges consistent")
	})
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()
	mustLoom(t, dir, "seed", "--text", "x")

	t.Run("unknown node", func(t *testing.T) {
		_, errOut, err := loom(t, dir, "show", "n99")
		require.ErrorIs(t, err, tapestry.ErrNodeNotFound)
		assert.Contains(t, errOut, "ERROR\t")
	})

	t.Run("malformed node reference", func(t *testing.T) {
		_, _, err := loom(t, dir, "append", "first", "--body", "y")
		assert.ErrorIs(t, err, tapestry.ErrNodeNotFound)
	})

	t.Run("unknown operation kind", func(t *testing.T) {
		_, _, err := loom(t, dir, "append", "n1", "--kind", "rot13", "--body", "y")
		assert.ErrorIs(t, err, tapestry.ErrInvalidOperation)
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, _, err := loom(t, dir, "untag", "nope")
		assert.ErrorIs(t, err, tapestry.ErrTagNotFound)
	})

	t.Run("program failure leaves session unchanged", func(t *testing.T) {
		before := mustLoom(t, dir, "export")
		_, _, err := loom(t, dir, "invoke", "fanout", "n1")
		var failure *weft.Failure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "invalid_descriptor", failure.Code)
		assert.Equal(t, before, mustLoom(t, dir, "export"))
	})

	t.Run("bad param", func(t *testing.T) {
		_, _, err := loom(t, dir, "invoke", "concat", "n1", "--param", "novalue")
		assert.ErrorContains(t, err, "key=value")
	})

	t.Run("retained root", func(t *testing.T) {
		_, _, err := loom(t, dir, "prune", "n1")
		assert.ErrorIs(t, err, tapestry.ErrNodeRetained)
	})
}

func TestCLI_MetadataAndPaths(t *testing.T) {
	dir := t.TempDir()
	mustLoom(t, dir, "seed", "--text", "a", "--meta", "author=ada", "--meta", "model=base")
	mustLoom(t, dir, "seed", "--text", "b")
	mustLoom(t, dir, "invoke", "concat", "n1", "n2")

	show := mustLoom(t, dir, "show", "n1", "--no-state")
	assert.Contains(t, show, "meta.author\tada\n")
	assert.Contains(t, show, "meta.model\tbase\n")

	assert.Equal(t, "n3,n1\nn3,n2\n", mustLoom(t, dir, "paths", "n3"))

	_, _, err := loom(t, dir, "seed", "--meta", "broken")
	assert.ErrorContains(t, err, "key=value")
}

func TestCLI_Sessions(t *testing.T) {
	dir := t.TempDir()
	mustLoom(t, dir, "--session", "a", "seed", "--text", "alpha")
	mustLoom(t, dir, "--session", "b", "seed", "--text", "beta")
	mustLoom(t, dir, "--session", "b", "seed", "--text", "gamma")

	assert.Contains(t, mustLoom(t, dir, "--session", "a", "status"), "nodes\t1\n")
	assert.Contains(t, mustLoom(t, dir, "--session", "b", "status"), "nodes\t2\n")
}

func TestCLI_InMemory(t *testing.T) {
	dir := t.TempDir()
	mustLoom(t, dir, "--in-memory", "seed", "--text", "gone")
	assert.Contains(t, mustLoom(t, dir, "--in-memory", "status"), "nodes\t0\n")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCLI_PrintMetrics(t *testing.T) {
	_, errOut, err := loom(t, t.TempDir(), "--print-metrics", "seed")
	require.NoError(t, err)
	assert.Contains(t, errOut, "loom_journal_appends_total")
}

func TestCLI_Config(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("journal:\n  enabled: false\n"), 0o600))

	mustLoom(t, dir, "--config", path, "seed")
	assert.Contains(t, mustLoom(t, dir, "--config", path, "status"), "nodes\t0\n")

	_, _, err := loom(t, dir, "--config", path, "checkpoint")
	assert.ErrorContains(t, err, "journal is disabled")

	_, _, err = loom(t, dir, "--session", "a/b", "status")
	assert.Error(t, err)
}

func TestBuiltinPrograms(t *testing.T) {
	ctx := context.Background()
	r, err := builtinPrograms()
	require.NoError(t, err)
	assert.Equal(t, []string{"concat", "fanout", "upper"}, r.IDs())

	inputs := []record.State{record.StateFromString("a"), record.StateFromString("b")}

	t.Run("concat default separator", func(t *testing.T) {
		resp, err := concatProgram(ctx, weft.Request{Inputs: inputs})
		require.NoError(t, err)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, record.Replace("a\nb"), resp.Results[0].Operation)
	})

	t.Run("fanout", func(t *testing.T) {
		resp, err := fanoutProgram(ctx, weft.Request{
			Inputs:     inputs[:1],
			Descriptor: weft.Descriptor{Params: map[string]string{"variants": "x,y"}},
		})
		require.NoError(t, err)
		require.Len(t, resp.Results, 2)
		assert.Equal(t, record.Append("y"), resp.Results[1].Operation)
	})

	t.Run("upper keeps bases", func(t *testing.T) {
		resp, err := upperProgram(ctx, weft.Request{Inputs: inputs})
		require.NoError(t, err)
		require.Len(t, resp.Results, 2)
		assert.Equal(t, 1, resp.Results[1].Base)
		assert.Equal(t, record.Replace("B"), resp.Results[1].Operation)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := upperProgram(cctx, weft.Request{Inputs: inputs})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRenderTree_Empty(t *testing.T) {
	var out bytes.Buffer
	p := ux.NewPrinter(&out, &out, ux.ModePlain)
	require.NoError(t, renderTree(p, tapestry.New(tapestry.Options{})))
	assert.Equal(t, "(empty)\n", out.String())
}
