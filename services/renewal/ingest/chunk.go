// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// ChunkSize and ChunkOverlap are in bytes.
var (
	ChunkSize          = 800
	ChunkOverlap       = ChunkSize / 10
	contractSeparators = []string{"\n\n", "\n", ". ", " ", ""}
)

// pageBreak separates pages in extracted contract text.
const pageBreak = "\f"

func newContractSplitter() textsplitter.TextSplitter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ChunkSize),
		textsplitter.WithChunkOverlap(ChunkOverlap),
		textsplitter.WithSeparators(contractSeparators),
	)
}

// splitPages returns 1-based pages. Text without form feeds is one page.
func splitPages(text string) []string {
	return strings.Split(text, pageBreak)
}

// chunkPage splits one page into spans. Each chunk is located in the page
// so its span is exact; when the splitter rewrites whitespace and a chunk
// can no longer be found, the page falls back to fixed windows.
func chunkPage(splitter textsplitter.TextSplitter, vendorID, docID string, page int, text string) []datatypes.Snippet {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts, err := splitter.SplitText(text)
	if err == nil {
		out := make([]datatypes.Snippet, 0, len(parts))
		from := 0
		located := true
		for _, p := range parts {
			if strings.TrimSpace(p) == "" {
				continue
			}
			idx := strings.Index(text[from:], p)
			if idx < 0 {
				located = false
				break
			}
			start := from + idx
			out = append(out, newChunk(vendorID, docID, page, start, start+len(p), p))
			from = start + 1
		}
		if located {
			return out
		}
	}
	return windowChunks(vendorID, docID, page, text)
}

func windowChunks(vendorID, docID string, page int, text string) []datatypes.Snippet {
	var out []datatypes.Snippet
	start := 0
	for start < len(text) {
		end := min(len(text), start+ChunkSize)
		if strings.TrimSpace(text[start:end]) != "" {
			out = append(out, newChunk(vendorID, docID, page, start, end, text[start:end]))
		}
		if end == len(text) {
			break
		}
		start = max(end-ChunkOverlap, start+1)
	}
	return out
}

func newChunk(vendorID, docID string, page, start, end int, text string) datatypes.Snippet {
	return datatypes.Snippet{
		DocID:      docID,
		VendorID:   vendorID,
		Page:       page,
		SpanStart:  start,
		SpanEnd:    end,
		Text:       text,
		Collection: datatypes.CollectionContractChunks,
	}
}
