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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/AleutianAI/loom/pkg/logging"
	"github.com/AleutianAI/loom/pkg/ux"
	"github.com/AleutianAI/loom/services/loom/config"
	"github.com/AleutianAI/loom/services/loom/journal"
	"github.com/AleutianAI/loom/services/loom/record"
	"github.com/AleutianAI/loom/services/loom/tapestry"
	"github.com/AleutianAI/loom/services/loom/telemetry"
	"github.com/AleutianAI/loom/services/loom/warp"
)

// options holds the persistent flags.
type options struct {
	configPath   string
	dataDir      string
	session      string
	inMemory     bool
	plain        bool
	printMetrics bool
}

// app is the state shared by one CLI invocation.
//
// Description:
//
//	setup loads the configuration, builds the logger and tracer, restores
//	the tapestry from the journal and wraps it in a warp engine. close
//	releases everything in reverse order. Every command runs between the
//	two against a.engine.
type app struct {
	opts   options
	stdout io.Writer
	stderr io.Writer

	cfg      config.Config
	logger   *logging.Logger
	shutdown func(context.Context) error
	journal  *journal.Journal
	engine   *warp.Engine
	printer  *ux.Printer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:  stdout,
		stderr:  stderr,
		printer: ux.NewPrinter(stdout, stderr, ux.DetectMode(stdout)),
	}
}

// setup prepares the engine. It is idempotent within one invocation.
func (a *app) setup(ctx context.Context) error {
	if a.engine != nil {
		return nil
	}
	if a.opts.plain {
		a.printer = ux.NewPrinter(a.stdout, a.stderr, ux.ModePlain)
	}

	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return err
	}
	if a.opts.session != "" {
		cfg.Journal.SessionID = a.opts.session
	}
	if a.opts.inMemory {
		cfg.Journal.InMemory = true
		cfg.Journal.Path = ""
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "loom",
		JSON:    cfg.Logging.JSON,
		Output:  a.stderr,
	})
	logger := a.logger.Slog()

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.Output = a.stderr
	a.shutdown, err = telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	opts := tapestry.Options{
		ID:     cfg.Journal.SessionID,
		Store:  record.NewStore(cfg.StoreConfig(logger)),
		Logger: logger,
	}

	var tp *tapestry.Tapestry
	if cfg.Journal.Enabled {
		a.journal, err = journal.Open(cfg.JournalConfig(a.opts.dataDir, logger))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		tp, err = journal.Restore(ctx, a.journal, opts)
		if err != nil {
			return fmt.Errorf("restore session %q: %w", cfg.Journal.SessionID, err)
		}
		if a.journal.IsDegraded() {
			a.printer.Warning("journal unavailable, changes will not be saved")
		}
	} else {
		tp = tapestry.New(opts)
	}

	programs, err := builtinPrograms()
	if err != nil {
		return err
	}
	a.engine, err = warp.New(tp, programs, cfg.EngineConfig(logger))
	if err != nil {
		return err
	}
	logger.Debug("session ready",
		slog.String("session_id", cfg.Journal.SessionID),
		slog.Uint64("generation", tp.Generation()))
	return nil
}

// close releases the journal, flushes telemetry and closes the logger.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
		a.journal = nil
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
		a.shutdown = nil
	}
	if a.opts.printMetrics {
		if err := telemetry.WriteMetrics(a.stderr, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if a.logger != nil {
		if err := a.logger.Close(); err != nil {
			errs = append(errs, err)
		}
		a.logger = nil
	}
	return errors.Join(errs...)
}

// tapestry returns the engine's tapestry.
func (a *app) tapestry() *tapestry.Tapestry {
	return a.engine.Tapestry()
}

// resolve turns a tag name, "n<id>" or a bare id into a node id.
func (a *app) resolve(arg string) (tapestry.NodeID, error) {
	if id, ok := a.tapestry().Tags()[arg]; ok {
		return id, nil
	}
	raw := strings.TrimPrefix(arg, "n")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%q: %w", arg, tapestry.ErrNodeNotFound)
	}
	id := tapestry.NodeID(n)
	if _, err := a.tapestry().Node(id); err != nil {
		return 0, fmt.Errorf("%q: %w", arg, err)
	}
	return id, nil
}

func (a *app) resolveAll(args []string) ([]tapestry.NodeID, error) {
	ids := make([]tapestry.NodeID, 0, len(args))
	for _, arg := range args {
		id, err := a.resolve(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
