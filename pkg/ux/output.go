// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders terminal output for cdctl.
//
// A Printer writes styled output when attached to a terminal and plain,
// tab separated lines otherwise, so scripts can parse cdctl output.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	// Primary palette
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	// Semantic colors
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorRunning = lipgloss.Color("#3498DB")
	ColorMuted   = lipgloss.Color("#7F8C8D")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Running   lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Running:   lipgloss.NewStyle().Foreground(ColorRunning),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
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
	IconPending Icon = "○"
	IconRunning Icon = "●"
	IconAudit   Icon = "◆"
	IconStop    Icon = "■"
	IconArrow   Icon = "→"
)

// Mode selects how a Printer formats output.
type Mode int

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = iota
	// ModeMachine prints plain, tab separated lines.
	ModeMachine
)

// ParseMode parses "rich", "machine" or "auto". Auto and unknown values
// return ok=false so callers fall back to DetectMode.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "color", "full":
		return ModeRich, true
	case "machine", "plain", "quiet":
		return ModeMachine, true
	}
	return ModeRich, false
}

// DetectMode returns ModeRich when f is a terminal and NO_COLOR is unset.
func DetectMode(f *os.File) Mode {
	if os.Getenv("NO_COLOR") != "" {
		return ModeMachine
	}
	fd := f.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return ModeRich
	}
	return ModeMachine
}

// Printer writes user facing output.
type Printer struct {
	out  io.Writer
	err  io.Writer
	mode Mode
}

// NewPrinter creates a Printer. Diagnostics go to errOut.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	return &Printer{out: out, err: errOut, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

// Out returns the primary writer.
func (p *Printer) Out() io.Writer {
	return p.out
}

// Render applies style in rich mode and returns text unchanged otherwise.
func (p *Printer) Render(style lipgloss.Style, text string) string {
	if p.mode == ModeMachine {
		return text
	}
	return style.Render(text)
}

// Icon renders an icon in its semantic color. Machine mode drops icons.
func (p *Printer) Icon(i Icon) string {
	if p.mode == ModeMachine {
		return ""
	}
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning, IconAudit:
		return Styles.Warning.Render(string(i))
	case IconError, IconStop:
		return Styles.Error.Render(string(i))
	case IconRunning:
		return Styles.Running.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	}
	return string(i)
}

// Title prints a heading. Machine mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a confirmation.
func (p *Printer) Success(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.Icon(IconSuccess), Styles.Success.Render(text))
}

// Warning prints a warning to the diagnostic stream.
func (p *Printer) Warning(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.err, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.err, "%s %s\n", p.Icon(IconWarning), Styles.Warning.Render(text))
}

// Error prints an error to the diagnostic stream.
func (p *Printer) Error(text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.err, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.err, "%s %s\n", p.Icon(IconError), Styles.Error.Render(text))
}

// KV prints one labelled value.
func (p *Printer) KV(key string, value any) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "%s\t%v\n", key, value)
		return
	}
	fmt.Fprintf(p.out, "%s %v\n", Styles.Muted.Render(fmt.Sprintf("%-14s", key+":")), value)
}

// Line prints pre-formatted text.
func (p *Printer) Line(text string) {
	fmt.Fprintln(p.out, text)
}

// Box prints content in a bordered box. Machine mode prints "title: content".
func (p *Printer) Box(title, content string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}
