// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders loom CLI output.
//
// A Printer writes styled output to terminals and plain tab-separated
// lines everywhere else, so the same command is readable interactively and
// parseable in scripts.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette: deep ocean teals.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles are the pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Key       lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Key:       lipgloss.NewStyle().Foreground(ColorTealPrimary).Width(12),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with its style.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// Mode selects how a Printer renders.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain writes unstyled, tab-separated lines for scripts.
	ModePlain Mode = "plain"
)

// DetectMode returns ModeRich when w is a terminal and NO_COLOR is unset.
func DetectMode(w io.Writer) Mode {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return ModePlain
	}
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return ModePlain
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return ModeRich
	}
	return ModePlain
}

// Printer writes command output.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	out  io.Writer
	err  io.Writer
	mode Mode
}

// NewPrinter creates a printer. Results go to out, diagnostics to errOut.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	return &Printer{out: out, err: errOut, mode: mode}
}

// Mode returns the rendering mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

// Out returns the result writer.
func (p *Printer) Out() io.Writer {
	return p.out
}

// Title prints a heading. Plain mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModePlain {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a confirmation.
func (p *Printer) Success(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.mode == ModePlain {
		fmt.Fprintf(p.out, "OK\t%s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning to the diagnostic writer.
func (p *Printer) Warning(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	if p.mode == ModePlain {
		fmt.Fprintf(p.err, "WARN\t%s\n", text)
		return
	}
	fmt.Fprintf(p.err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error to the diagnostic writer.
func (p *Printer) Error(err error) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.err, "ERROR\t%v\n", err)
		return
	}
	fmt.Fprintf(p.err, "%s %s\n", IconError.Render(), Styles.Error.Render(err.Error()))
}

// Field prints one key/value pair.
func (p *Printer) Field(key string, value any) {
	if p.mode == ModePlain {
		fmt.Fprintf(p.out, "%s\t%v\n", key, value)
		return
	}
	fmt.Fprintf(p.out, "%s %v\n", Styles.Key.Render(key), value)
}

// Row prints tab-separated columns, the first highlighted in rich mode.
func (p *Printer) Row(cols ...string) {
	if p.mode == ModeRich && len(cols) > 0 {
		cols = append([]string{Styles.Highlight.Render(cols[0])}, cols[1:]...)
	}
	fmt.Fprintln(p.out, strings.Join(cols, "\t"))
}

// Box prints content under a title inside a border. Plain mode prints the
// content alone.
func (p *Printer) Box(title, content string) {
	if p.mode == ModePlain {
		fmt.Fprintln(p.out, content)
		return
	}
	fmt.Fprintln(p.out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// Line prints text unchanged.
func (p *Printer) Line(text string) {
	fmt.Fprintln(p.out, text)
}

// Muted styles secondary text in rich mode.
func (p *Printer) Muted(text string) string {
	if p.mode == ModePlain {
		return text
	}
	return Styles.Muted.Render(text)
}
