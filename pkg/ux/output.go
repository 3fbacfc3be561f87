// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux provides terminal output styling for the renewal CLI.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled lines in one mode.
//
// In ModeJSON every helper except JSON is silent, so a command can print
// its human summary and its JSON document unconditionally and get exactly
// one of them.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a printer. An empty mode means ModePlain.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	if mode == "" {
		mode = ModePlain
	}
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) rich() bool { return p.mode == ModeRich }

func (p *Printer) human() bool { return p.mode != ModeJSON }

// Title prints a styled title
func (p *Printer) Title(text string) {
	if !p.human() {
		return
	}
	if p.rich() {
		text = Styles.Title.Render(text)
	}
	fmt.Fprintln(p.w, text)
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch {
	case !p.human():
	case p.rich():
		fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	default:
		fmt.Fprintf(p.w, "OK: %s\n", text)
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch {
	case !p.human():
	case p.rich():
		fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	default:
		fmt.Fprintf(p.w, "WARN: %s\n", text)
	}
}

// Error prints an error message
func (p *Printer) Error(text string) {
	switch {
	case !p.human():
	case p.rich():
		fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	default:
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
	}
}

// Field prints an aligned "label: value" line.
func (p *Printer) Field(label, value string) {
	switch {
	case !p.human():
	case p.rich():
		fmt.Fprintf(p.w, "  %s %s\n", Styles.Muted.Render(fmt.Sprintf("%-22s", label)), value)
	default:
		fmt.Fprintf(p.w, "  %-22s %s\n", label, value)
	}
}

// Status prints a section heading with a known/unknown marker.
func (p *Printer) Status(name string, ok bool, note string) {
	if !p.human() {
		return
	}
	icon, plain := IconSuccess, "known"
	if !ok {
		icon, plain = IconPending, "unknown"
	}
	if note != "" {
		note = " (" + note + ")"
	}
	if p.rich() {
		fmt.Fprintf(p.w, "%s %s%s\n", icon.Render(), Styles.Bold.Render(name), Styles.Muted.Render(note))
		return
	}
	fmt.Fprintf(p.w, "[%s] %s%s\n", plain, name, note)
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	switch {
	case !p.human():
	case p.rich():
		fmt.Fprintln(p.w, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
	default:
		fmt.Fprintf(p.w, "%s\n%s\n%s\n", title, strings.Repeat("-", len(title)), content)
	}
}

// Counts prints a one-line summary such as "3 passed  1 failed  4 total".
// Pairs are label, value in order.
func (p *Printer) Counts(pairs ...any) {
	if !p.human() {
		return
	}
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		label, value := fmt.Sprint(pairs[i]), fmt.Sprint(pairs[i+1])
		if p.rich() {
			parts = append(parts, Styles.Bold.Render(value)+" "+Styles.Muted.Render(label))
		} else {
			parts = append(parts, value+" "+label)
		}
	}
	fmt.Fprintln(p.w, strings.Join(parts, "  "))
}

// JSON prints v as indented JSON in ModeJSON and nothing otherwise.
func (p *Printer) JSON(v any) error {
	if p.human() {
		return nil
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
