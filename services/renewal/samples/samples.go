// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package samples bundles a demo vendor so the service and CLI can produce
// a brief without any uploads.
package samples

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/ingest"
)

// DemoVendorID owns the bundled files.
const DemoVendorID = "vendor_123"

//go:embed data/*
var data embed.FS

// Files returns the bundled contract, invoices and usage files in name order.
func Files() ([]ingest.File, error) {
	entries, err := fs.ReadDir(data, "data")
	if err != nil {
		return nil, fmt.Errorf("read bundled samples: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	out := make([]ingest.File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := data.ReadFile("data/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		out = append(out, ingest.File{Name: e.Name(), Content: content})
	}
	return out, nil
}

// MustFiles panics if the embedded files are unreadable.
func MustFiles() []ingest.File {
	files, err := Files()
	if err != nil {
		panic(err)
	}
	return files
}
