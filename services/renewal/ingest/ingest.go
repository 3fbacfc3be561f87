// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest turns uploaded vendor files into retrievable evidence.
//
// Contracts are split into page-scoped chunks for the search index and
// scanned for contract terms; invoice and usage CSVs become structured
// rows. Every chunk and row keeps the byte span it came from.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/policy_engine"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/store"
)

// Document kinds.
const (
	KindContract = "contract"
	KindInvoices = "invoices"
	KindUsage    = "usage"
)

// File is one upload.
type File struct {
	Name    string
	Content []byte
}

// Pipeline stores, classifies and indexes uploads.
//
// # Description
//
// Ingest writes each file to the DocumentStore first, so a failure later
// in the pipeline never loses the upload. Contract chunks go to the
// SearchIndex; term facts and CSV rows go to the FactStore. Re-ingesting
// the same file is idempotent because ids derive from content and rows
// are keyed by citation.
//
// # Thread Safety
//
// Safe for concurrent use if the backends are.
type Pipeline struct {
	docs     store.DocumentStore
	facts    store.FactStore
	index    store.SearchIndex
	policy   *policy_engine.PolicyEngine
	splitter textsplitter.TextSplitter
	logger   *slog.Logger
}

// NewPipeline wires the pipeline. policy may be nil to skip scanning.
func NewPipeline(docs store.DocumentStore, facts store.FactStore, index store.SearchIndex, policy *policy_engine.PolicyEngine, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		docs:     docs,
		facts:    facts,
		index:    index,
		policy:   policy,
		splitter: newContractSplitter(),
		logger:   logger,
	}
}

// Classify picks a kind from the CSV header or, failing that, the name.
// It returns "" for content the pipeline cannot parse.
func Classify(name string, content []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".csv" {
		header, err := readHeader(content)
		if err != nil {
			return ""
		}
		switch {
		case hasColumns(header, invoiceColumns):
			return KindInvoices
		case hasColumns(header, usageColumns):
			return KindUsage
		}
		return ""
	}
	switch ext {
	case ".txt", ".md", "":
		if utf8.Valid(content) {
			return KindContract
		}
	}
	return ""
}

// Ingest processes files for one vendor. Files that cannot be classified
// are stored nowhere and listed in Unparsed.
func (p *Pipeline) Ingest(ctx context.Context, vendorID string, files []File) (*datatypes.IngestResponse, error) {
	resp := &datatypes.IngestResponse{VendorID: vendorID}
	flags := map[string]struct{}{}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind := Classify(f.Name, f.Content)
		if kind == "" {
			resp.Unparsed = append(resp.Unparsed, f.Name)
			p.logger.Warn("Skipping unrecognised upload", "vendor_id", vendorID, "name", f.Name)
			continue
		}
		info, err := p.docs.Put(ctx, vendorID, f.Name, kind, f.Content)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", f.Name, err)
		}
		resp.Documents = append(resp.Documents, info)

		if p.policy != nil {
			for _, finding := range p.policy.ScanFileContent(string(f.Content)) {
				flags[finding.ClassificationName+":"+finding.PatternId] = struct{}{}
			}
		}

		var facts datatypes.Facts
		var bad []string
		switch kind {
		case KindContract:
			pages := splitPages(string(f.Content))
			var chunks []datatypes.Snippet
			for i, page := range pages {
				chunks = append(chunks, chunkPage(p.splitter, vendorID, info.DocID, i+1, page)...)
			}
			if err := p.index.Index(ctx, chunks); err != nil {
				return nil, fmt.Errorf("index %s: %w", f.Name, err)
			}
			resp.Chunks += len(chunks)
			facts.Terms = ExtractTerms(vendorID, info.DocID, pages)
			resp.TermFacts += len(facts.Terms)
		case KindInvoices:
			facts.Invoices, bad, err = ParseInvoices(vendorID, info.DocID, f.Content)
			resp.InvoiceRows += len(facts.Invoices)
		case KindUsage:
			facts.Usage, bad, err = ParseUsage(vendorID, info.DocID, f.Content)
			resp.UsageRows += len(facts.Usage)
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Name, err)
		}
		resp.Unparsed = append(resp.Unparsed, bad...)
		if err := p.facts.PutFacts(ctx, vendorID, facts); err != nil {
			return nil, fmt.Errorf("store facts from %s: %w", f.Name, err)
		}
		p.logger.Info("Ingested document",
			"vendor_id", vendorID,
			"doc_id", info.DocID,
			"kind", kind,
			"terms", len(facts.Terms),
			"invoice_rows", len(facts.Invoices),
			"usage_rows", len(facts.Usage))
	}

	for flag := range flags {
		resp.PolicyFlags = append(resp.PolicyFlags, flag)
	}
	sort.Strings(resp.PolicyFlags)
	return resp, nil
}
