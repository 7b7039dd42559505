// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command loom edits a branching history of text states.
//
// Every invocation restores the session from its journal, runs one
// operation and closes the journal again:
//
//	loom seed --text "draft" --label intro
//	loom append n1 --body " more"
//	loom invoke concat n1 n2 --param sep=", "
//	loom tree
package main

import (
	"context"
	"errors"
	"io"
	"os"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run executes one command line. Errors are reported on stderr before
// being returned.
func run(args []string, stdout, stderr io.Writer) error {
	a := newApp(stdout, stderr)
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	ctx := context.Background()
	err := root.ExecuteContext(ctx)
	if cerr := a.close(ctx); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		a.printer.Error(err)
	}
	return err
}
