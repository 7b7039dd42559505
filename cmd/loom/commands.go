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
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/tapestry"
	"github.com/AleutianAI/loom/services/loom/weft"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "loom",
		Short: "Edit a branching history of text states",
		Long: `loom keeps every version of a text as a node in a history graph.
Appending to the newest version extends it, appending to an older one
branches, and program invocations join several versions into new ones.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.opts.configPath, "config", "", "config file (yaml or json)")
	f.StringVar(&a.opts.dataDir, "data-dir", "", "directory holding the journal (default ~/.loom)")
	f.StringVar(&a.opts.session, "session", "", "session id, overrides journal.session_id")
	f.BoolVar(&a.opts.inMemory, "in-memory", false, "keep the journal in memory only")
	f.BoolVar(&a.opts.plain, "plain", false, "tab-separated output without colour")
	f.BoolVar(&a.opts.printMetrics, "print-metrics", false, "dump metrics to stderr on exit")

	root.AddCommand(
		newSeedCmd(a),
		newAppendCmd(a),
		newInvokeCmd(a),
		newProgramsCmd(a),
		newShowCmd(a),
		newHistoryCmd(a),
		newTreeCmd(a),
		newAncestorCmd(a),
		newPathsCmd(a),
		newCompressCmd(a),
		newCompressAllCmd(a),
		newPruneCmd(a),
		newTagCmd(a),
		newUntagCmd(a),
		newExportCmd(a),
		newCheckpointCmd(a),
		newVerifyCmd(a),
		newStatusCmd(a),
	)
	return root
}

// =============================================================================
// Mutations
// =============================================================================

func newSeedCmd(a *app) *cobra.Command {
	var text, label string
	var meta []string
	cmd := &cobra.Command{
		Use:   "seed [file]",
		Short: "Create a root node from a file, --text or nothing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initial := record.StateFromString(text)
			if len(args) == 1 {
				if text != "" {
					return fmt.Errorf("seed: give either a file or --text")
				}
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("seed: %w", err)
				}
				initial = record.NewState(data)
			}
			metadata, err := parsePairs("seed: meta", meta)
			if err != nil {
				return err
			}
			id, _, err := a.engine.SeedWithMetadata(cmd.Context(), initial, label, metadata)
			if err != nil {
				return err
			}
			a.printer.Success("seeded %s (%d bytes)", id, initial.Len())
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "initial state")
	cmd.Flags().StringVar(&label, "label", "", "label for the root")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "root metadata key=value, repeatable")
	return cmd
}

func newAppendCmd(a *app) *cobra.Command {
	var kind, body, file string
	var branch bool
	cmd := &cobra.Command{
		Use:   "append <node>",
		Short: "Apply an update to a node, extending or branching it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			payload := []byte(body)
			if file != "" {
				if body != "" {
					return fmt.Errorf("append: give either --body or --file")
				}
				if payload, err = os.ReadFile(file); err != nil {
					return fmt.Errorf("append: %w", err)
				}
			}
			op := record.Operation{Kind: kind, Body: payload}

			do := a.engine.Append
			if branch {
				do = a.engine.Branch
			}
			got, ch, err := do(cmd.Context(), id, op)
			if err != nil {
				return err
			}
			if got == id {
				a.printer.Success("extended %s (generation %d)", got, ch.Generation)
			} else {
				a.printer.Success("branched %s from %s (generation %d)", got, id, ch.Generation)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", record.KindAppend, "operation kind: append, replace or patch")
	cmd.Flags().StringVar(&body, "body", "", "operation body")
	cmd.Flags().StringVar(&file, "file", "", "read the operation body from a file")
	cmd.Flags().BoolVar(&branch, "branch", false, "always create a new child")
	return cmd
}

func newInvokeCmd(a *app) *cobra.Command {
	var name string
	var params []string
	cmd := &cobra.Command{
		Use:   "invoke <program> <node>...",
		Short: "Run a program over nodes and record its outputs as a hyperedge",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := a.resolveAll(args[1:])
			if err != nil {
				return err
			}
			desc := weft.Descriptor{Name: name}
			if desc.Name == "" {
				desc.Name = args[0]
			}
			if desc.Params, err = parsePairs("invoke: param", params); err != nil {
				return err
			}

			edge, ch, err := a.engine.Invoke(cmd.Context(), args[0], inputs, desc)
			if err != nil {
				return err
			}
			a.printer.Success("%s produced %s", edge, joinIDs(ch.Result))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "descriptor name (default: the program id)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "descriptor parameter key=value, repeatable")
	return cmd
}

func newCompressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compress <node>",
		Short: "Merge a node with its single-child extension chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			_, ch, err := a.engine.Compress(cmd.Context(), id)
			if err != nil {
				return err
			}
			a.printer.Success("compressed %s, absorbed %s", id, joinIDs(ch.Removed))
			return nil
		},
	}
}

func newCompressAllCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compress-all",
		Short: "Compress every chain in the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.engine.CompressAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				a.printer.Success("nothing to compress")
				return nil
			}
			a.printer.Success("compressed %s", joinIDs(ids))
			return nil
		},
	}
}

func newPruneCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prune <node>",
		Short: "Remove a node, its descendants and any ancestors left dangling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			removed, _, err := a.engine.Prune(cmd.Context(), id)
			if err != nil {
				return err
			}
			a.printer.Success("removed %s", joinIDs(removed))
			return nil
		},
	}
}

func newTagCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tag <node> <name>",
		Short: "Name a node; the name moves if already used",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			if _, err := a.engine.Tag(cmd.Context(), id, args[1]); err != nil {
				return err
			}
			a.printer.Success("tagged %s as %s", id, args[1])
			return nil
		},
	}
}

func newUntagCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "untag <name>",
		Short: "Remove a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.engine.Untag(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.printer.Success("removed tag %s", args[0])
			return nil
		},
	}
}

// =============================================================================
// Queries
// =============================================================================

func newProgramsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "programs",
		Short: "List invocable programs",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			for _, id := range a.engine.Programs().IDs() {
				a.printer.Line(id)
			}
			return nil
		},
	}
}

func newShowCmd(a *app) *cobra.Command {
	var noState bool
	cmd := &cobra.Command{
		Use:   "show <node>",
		Short: "Print a node and its materialized state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			info, err := a.tapestry().Node(id)
			if err != nil {
				return err
			}
			p := a.printer
			p.Title(id.String())
			p.Field("label", info.Label)
			p.Field("parents", joinIDs(info.Parents))
			p.Field("children", joinIDs(info.Children))
			if info.Origin != 0 {
				p.Field("origin", info.Origin)
			}
			if len(info.Consumers) > 0 {
				p.Field("consumers", joinEdges(info.Consumers))
			}
			p.Field("records", info.Records)
			p.Field("seq", fmt.Sprintf("%d..%d", info.FirstSeq, info.LastSeq))
			p.Field("digest", info.Digest.Short())
			p.Field("flags", flagsOf(info))
			if len(info.Tags) > 0 {
				p.Field("tags", strings.Join(info.Tags, ","))
			}
			for _, k := range slices.Sorted(maps.Keys(info.Metadata)) {
				p.Field("meta."+k, info.Metadata[k])
			}
			if noState {
				return nil
			}
			st, err := a.tapestry().Materialize(cmd.Context(), id)
			if err != nil {
				return err
			}
			p.Box("state", st.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&noState, "no-state", false, "skip materializing the state")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <node>",
		Short: "List the update records a node holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			recs, err := a.tapestry().GetUpdateHistory(id)
			if err != nil {
				return err
			}
			for _, r := range recs {
				a.printer.Row(fmt.Sprintf("%d", r.Seq), r.Op.Kind, r.Parent.Short(), r.Result.Short(), preview(r.Op.Body))
			}
			return nil
		},
	}
}

func newTreeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Draw the session's history graph",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return renderTree(a.printer, a.tapestry())
		},
	}
}

func newAncestorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ancestor <node> <node>...",
		Short: "Find the deepest common ancestor of nodes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ids, err := a.resolveAll(args)
			if err != nil {
				return err
			}
			anc, ok, err := a.tapestry().CommonAncestor(ids...)
			if err != nil {
				return err
			}
			if !ok {
				a.printer.Warning("%s share no ancestor", joinIDs(ids))
				return nil
			}
			a.printer.Line(anc.String())
			return nil
		},
	}
}

func newPathsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "paths <node>",
		Short: "List every ancestry path from a node to a root, through all parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := a.resolve(args[0])
			if err != nil {
				return err
			}
			paths, err := a.tapestry().AncestryPaths(id)
			if err != nil {
				return err
			}
			for _, path := range paths {
				a.printer.Line(joinIDs(path))
			}
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			s := a.tapestry().Stats()
			p := a.printer
			p.Title("session " + a.tapestry().ID())
			p.Field("generation", s.Generation)
			p.Field("nodes", s.Nodes)
			p.Field("roots", s.Roots)
			p.Field("frontiers", s.Frontiers)
			p.Field("hyperedges", s.Hyperedges)
			p.Field("records", s.Records)
			p.Field("tags", s.Tags)
			if a.journal != nil {
				js := a.journal.Stats()
				p.Field("journal_seq", js.LastSeq)
				p.Field("checkpoint_seq", js.CheckpointSeq)
				p.Field("journal_bytes", js.TotalBytes)
			}
			return nil
		},
	}
}

// =============================================================================
// Persistence
// =============================================================================

func newExportCmd(a *app) *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the session as a json or yaml document",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			doc := a.tapestry().Export()
			var data []byte
			var err error
			switch format {
			case "json":
				data, err = json.MarshalIndent(doc, "", "  ")
				data = append(data, '\n')
			case "yaml":
				data, err = yaml.Marshal(doc)
			default:
				return fmt.Errorf("export: unknown format %q", format)
			}
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if output == "" || output == "-" {
				_, err = a.printer.Out().Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			a.printer.Success("wrote %s (%d nodes)", output, len(doc.Nodes))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newCheckpointCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Snapshot the session and truncate its journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.journal == nil {
				return fmt.Errorf("checkpoint: journal is disabled")
			}
			if err := a.journal.Checkpoint(cmd.Context(), a.tapestry()); err != nil {
				return err
			}
			a.printer.Success("checkpoint at seq %d", a.journal.Stats().CheckpointSeq)
			return nil
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every structural invariant of the session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := a.tapestry().Verify(); err != nil {
				return err
			}
			s := a.tapestry().Stats()
			a.printer.Success("%d nodes, %d hyperedges consistent", s.Nodes, s.Hyperedges)
			if a.journal != nil && a.journal.Stats().CorruptedCount > 0 {
				a.printer.Warning("%d corrupted journal entries skipped", a.journal.Stats().CorruptedCount)
			}
			return nil
		},
	}
}

// =============================================================================
// Rendering
// =============================================================================

type treeSource interface {
	ListRoots() []tapestry.NodeID
	Node(id tapestry.NodeID) (tapestry.NodeInfo, error)
	Hyperedge(id tapestry.HyperedgeID) (tapestry.HyperedgeInfo, error)
}

// renderTree prints extension children indented under their parent. A
// hyperedge is drawn under its first input with its outputs beneath it.
func renderTree(p printer, src treeSource) error {
	var walk func(id tapestry.NodeID, depth int) error
	walk = func(id tapestry.NodeID, depth int) error {
		info, err := src.Node(id)
		if err != nil {
			return err
		}
		p.Line(indent(depth) + nodeLine(p, info))
		for _, child := range info.Children {
			if err := walk(child, depth+1); err != nil {
				return err
			}
		}
		for _, hid := range info.Consumers {
			edge, err := src.Hyperedge(hid)
			if err != nil {
				return err
			}
			if edge.Inputs[0] != id {
				continue
			}
			p.Line(fmt.Sprintf("%s%s %s(%s) <- %s", indent(depth+1), edge.ID, edge.Program,
				edge.Descriptor.Name, joinIDs(edge.Inputs)))
			for _, out := range edge.Outputs {
				if err := walk(out, depth+2); err != nil {
					return err
				}
			}
		}
		return nil
	}

	roots := src.ListRoots()
	if len(roots) == 0 {
		p.Line(p.Muted("(empty)"))
		return nil
	}
	for _, root := range roots {
		if err := walk(root, 0); err != nil {
			return err
		}
	}
	return nil
}

// printer is the subset of *ux.Printer the renderer needs.
type printer interface {
	Line(text string)
	Muted(text string) string
}

func nodeLine(p printer, info tapestry.NodeInfo) string {
	var b strings.Builder
	b.WriteString(info.ID.String())
	if info.Label != "" {
		fmt.Fprintf(&b, " %q", info.Label)
	}
	fmt.Fprintf(&b, " %s", p.Muted(fmt.Sprintf("[%d rec, %s]", info.Records, info.Digest.Short())))
	if flags := flagsOf(info); flags != "" {
		b.WriteString(" " + flags)
	}
	for _, tag := range info.Tags {
		b.WriteString(" #" + tag)
	}
	return b.String()
}

func flagsOf(info tapestry.NodeInfo) string {
	var flags []string
	if info.Frontier {
		flags = append(flags, "frontier")
	}
	if info.Sealed {
		flags = append(flags, "sealed")
	}
	if info.Pinned {
		flags = append(flags, "pinned")
	}
	return strings.Join(flags, ",")
}

func indent(depth int) string {
	return strings.Repeat("  ", depth)
}

// parsePairs turns repeated key=value flags into a map; nil when empty.
func parsePairs(what string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%s %q is not key=value", what, p)
		}
		out[k] = v
	}
	return out, nil
}

func joinIDs(ids []tapestry.NodeID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func joinEdges(ids []tapestry.HyperedgeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

// preview shortens an operation body to one line.
func preview(body []byte) string {
	s := strings.ReplaceAll(string(body), "\n", `\n`)
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	return s
}
