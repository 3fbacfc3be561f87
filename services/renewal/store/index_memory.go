// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// DefaultTopK applies when a query does not set TopK.
const DefaultTopK = 5

// MemoryIndex is a deterministic lexical index kept in process memory.
//
// A chunk scores the fraction of distinct query terms it contains. Chunks
// scoring zero are not returned. An empty query matches every chunk of the
// vendor with score zero, ordered by position.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks map[string]map[string]datatypes.Snippet // vendor -> citation key -> chunk
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{chunks: make(map[string]map[string]datatypes.Snippet)}
}

// Index implements SearchIndex.
func (m *MemoryIndex) Index(ctx context.Context, snippets []datatypes.Snippet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range snippets {
		v, ok := m.chunks[s.VendorID]
		if !ok {
			v = make(map[string]datatypes.Snippet)
			m.chunks[s.VendorID] = v
		}
		s.Score = 0
		v[s.Citation().Key()] = s
	}
	return nil
}

// Search implements SearchIndex.
func (m *MemoryIndex) Search(ctx context.Context, q SearchQuery) ([]datatypes.Snippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	terms := distinctTerms(q.Text)

	m.mu.RLock()
	var out []datatypes.Snippet
	for _, s := range m.chunks[q.VendorID] {
		if len(terms) == 0 {
			out = append(out, s)
			continue
		}
		have := distinctTerms(s.Text)
		hits := 0
		for t := range terms {
			if _, ok := have[t]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		s.Score = float64(hits) / float64(len(terms))
		out = append(out, s)
	}
	m.mu.RUnlock()

	datatypes.SortSnippets(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// Len reports the number of chunks held for vendorID.
func (m *MemoryIndex) Len(vendorID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[vendorID])
}

func distinctTerms(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if len(f) < 2 {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

var _ SearchIndex = (*MemoryIndex)(nil)
