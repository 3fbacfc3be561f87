// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store defines the evidence backends used by the renewal desk and
// ships their adapters.
//
//   - DocumentStore: raw uploaded files (local filesystem or GCS)
//   - FactStore: structured rows with provenance (memory or BadgerDB)
//   - SearchIndex: contract chunk retrieval (in-memory lexical or Weaviate)
//
// Every row and chunk carries a Citation so the validator can prove that a
// brief field was derived from something actually retrieved.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// Document is a stored file and its metadata.
type Document struct {
	Info    datatypes.DocumentInfo
	Content []byte
}

// DocumentStore keeps uploaded vendor files.
type DocumentStore interface {
	// Put stores content under a deterministic doc id derived from the
	// kind and content hash. Re-uploading identical content is a no-op.
	Put(ctx context.Context, vendorID, name, kind string, content []byte) (datatypes.DocumentInfo, error)

	// Get returns ErrNotFound (wrapped) for unknown ids.
	Get(ctx context.Context, vendorID, docID string) (*Document, error)

	// List returns the vendor's documents ordered by doc id.
	List(ctx context.Context, vendorID string) ([]datatypes.DocumentInfo, error)
}

// FactStore keeps structured rows extracted at ingest.
//
// PutFacts upserts rows keyed by their citation, so re-ingesting the same
// file does not duplicate rows. Queries return rows in a stable order.
type FactStore interface {
	PutFacts(ctx context.Context, vendorID string, facts datatypes.Facts) error
	QueryTerms(ctx context.Context, vendorID string) ([]datatypes.TermFact, error)
	QueryInvoices(ctx context.Context, vendorID string) ([]datatypes.InvoiceRow, error)
	QueryUsage(ctx context.Context, vendorID string) ([]datatypes.UsageRow, error)
}

// SearchQuery selects chunks for one vendor.
type SearchQuery struct {
	VendorID string
	Text     string
	TopK     int
}

// SearchIndex retrieves contract chunks.
type SearchIndex interface {
	// Index upserts snippets keyed by citation.
	Index(ctx context.Context, snippets []datatypes.Snippet) error

	// Search returns at most TopK snippets for the vendor, ordered by
	// datatypes.SortSnippets. An empty result is not an error.
	Search(ctx context.Context, q SearchQuery) ([]datatypes.Snippet, error)
}

// ContentHash is the hex SHA-256 of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DocID derives a stable document id from kind and content.
func DocID(kind string, content []byte) string {
	return kind + "-" + ContentHash(content)[:12]
}

func sortTerms(rows []datatypes.TermFact) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Citation, rows[j].Citation
		if a.DocID != b.DocID {
			return a.DocID < b.DocID
		}
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		as, _, _ := datatypes.ParseSpan(a.Span)
		bs, _, _ := datatypes.ParseSpan(b.Span)
		if as != bs {
			return as < bs
		}
		return rows[i].Key < rows[j].Key
	})
}

func sortInvoices(rows []datatypes.InvoiceRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Period != rows[j].Period {
			return rows[i].Period < rows[j].Period
		}
		if rows[i].InvoiceID != rows[j].InvoiceID {
			return rows[i].InvoiceID < rows[j].InvoiceID
		}
		return rows[i].Citation.Key() < rows[j].Citation.Key()
	})
}

func sortUsage(rows []datatypes.UsageRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Period != rows[j].Period {
			return rows[i].Period < rows[j].Period
		}
		return rows[i].Citation.Key() < rows[j].Citation.Key()
	})
}
