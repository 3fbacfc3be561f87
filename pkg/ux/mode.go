// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode selects how much styling output carries.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain prints unstyled text for logs and pipes.
	ModePlain Mode = "plain"

	// ModeJSON prints machine-readable JSON only.
	ModeJSON Mode = "json"
)

// ModeEnv overrides mode detection.
const ModeEnv = "RENEWAL_OUTPUT"

// ParseMode converts a flag value. Unknown values and "auto" return "".
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "text", "pretty":
		return ModeRich
	case "plain":
		return ModePlain
	case "json", "machine":
		return ModeJSON
	default:
		return ""
	}
}

// DetectMode resolves the output mode for f. An explicit flag wins, then
// RENEWAL_OUTPUT; otherwise terminals get rich output and everything else
// JSON.
func DetectMode(flag string, f *os.File) Mode {
	if m := ParseMode(flag); m != "" {
		return m
	}
	if m := ParseMode(os.Getenv(ModeEnv)); m != "" {
		return m
	}
	if f != nil && IsTerminal(f.Fd()) {
		return ModeRich
	}
	return ModeJSON
}

// IsTerminal reports whether fd is an interactive terminal.
func IsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
