// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// ContractChunkClassName is the Weaviate class holding contract chunks.
const ContractChunkClassName = "ContractChunk"

// weaviateBatchSize bounds a single batch import.
const weaviateBatchSize = 100

// WeaviateIndex stores contract chunks in Weaviate.
//
// Objects use a deterministic UUID derived from the citation key, so
// re-indexing a chunk overwrites it. Search uses hybrid ranking, or pure
// BM25 when Alpha is zero, always filtered to one vendor.
type WeaviateIndex struct {
	client *weaviate.Client
	alpha  float32
	logger *slog.Logger
}

// NewWeaviateClient parses rawURL into a client config.
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse weaviate url %q: %w", rawURL, err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("weaviate url %q has no host", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: parsed.Host, Scheme: parsed.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// NewWeaviateIndex wraps a client. alpha weights vector against keyword
// relevance in hybrid search.
func NewWeaviateIndex(client *weaviate.Client, alpha float32, logger *slog.Logger) *WeaviateIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateIndex{client: client, alpha: alpha, logger: logger}
}

// ContractChunkSchema returns the class definition.
func ContractChunkSchema() *models.Class {
	filterable := true
	return &models.Class{
		Class:       ContractChunkClassName,
		Description: "Page-scoped chunk of a vendor contract with provenance",
		Properties: []*models.Property{
			{Name: "vendor_id", DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: "doc_id", DataType: []string{"text"}, IndexFilterable: &filterable, Tokenization: "field"},
			{Name: "page", DataType: []string{"int"}},
			{Name: "span_start", DataType: []string{"int"}},
			{Name: "span_end", DataType: []string{"int"}},
			{Name: "text", DataType: []string{"text"}, Tokenization: "word"},
			{Name: "collection", DataType: []string{"text"}, Tokenization: "field"},
		},
	}
}

// EnsureSchema creates the class if it does not exist. Idempotent.
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	if _, err := w.client.Schema().ClassGetter().WithClassName(ContractChunkClassName).Do(ctx); err == nil {
		return nil
	}
	w.logger.Info("Creating weaviate class", "class", ContractChunkClassName)
	if err := w.client.Schema().ClassCreator().WithClass(ContractChunkSchema()).Do(ctx); err != nil {
		return fmt.Errorf("create %s schema: %w", ContractChunkClassName, err)
	}
	return nil
}

// chunkUUID is stable per citation key.
func chunkUUID(s datatypes.Snippet) strfmt.UUID {
	sum := sha256.Sum256([]byte(s.VendorID + "/" + s.Citation().Key()))
	id, _ := uuid.FromBytes(sum[:16])
	return strfmt.UUID(id.String())
}

// Index implements SearchIndex.
func (w *WeaviateIndex) Index(ctx context.Context, snippets []datatypes.Snippet) error {
	for i := 0; i < len(snippets); i += weaviateBatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+weaviateBatchSize, len(snippets))
		objects := make([]*models.Object, 0, end-i)
		for _, s := range snippets[i:end] {
			objects = append(objects, &models.Object{
				Class: ContractChunkClassName,
				ID:    chunkUUID(s),
				Properties: map[string]interface{}{
					"vendor_id":  s.VendorID,
					"doc_id":     s.DocID,
					"page":       s.Page,
					"span_start": s.SpanStart,
					"span_end":   s.SpanEnd,
					"text":       s.Text,
					"collection": string(s.Collection),
				},
			})
		}
		result, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("batch import failed: %w", err)
		}
		for _, item := range result {
			if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
				return fmt.Errorf("batch import object %s: %s", item.ID, item.Result.Errors.Error[0].Message)
			}
		}
	}
	return nil
}

// Search implements SearchIndex.
func (w *WeaviateIndex) Search(ctx context.Context, q SearchQuery) ([]datatypes.Snippet, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	where := filters.Where().
		WithPath([]string{"vendor_id"}).
		WithOperator(filters.Equal).
		WithValueString(q.VendorID)

	fields := []graphql.Field{
		{Name: "vendor_id"},
		{Name: "doc_id"},
		{Name: "page"},
		{Name: "span_start"},
		{Name: "span_end"},
		{Name: "text"},
		{Name: "collection"},
		{Name: "_additional { score }"},
	}

	get := w.client.GraphQL().Get().
		WithClassName(ContractChunkClassName).
		WithFields(fields...).
		WithWhere(where).
		WithLimit(topK)
	if q.Text != "" {
		if w.alpha == 0 {
			get = get.WithBM25(w.client.GraphQL().Bm25ArgBuilder().WithQuery(q.Text).WithProperties("text"))
		} else {
			get = get.WithHybrid(w.client.GraphQL().HybridArgumentBuilder().WithQuery(q.Text).WithAlpha(w.alpha))
		}
	}

	result, err := get.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[ContractChunkClassName].([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]datatypes.Snippet, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		s := datatypes.Snippet{
			VendorID:   getString(m, "vendor_id"),
			DocID:      getString(m, "doc_id"),
			Page:       getInt(m, "page"),
			SpanStart:  getInt(m, "span_start"),
			SpanEnd:    getInt(m, "span_end"),
			Text:       getString(m, "text"),
			Collection: datatypes.Collection(getString(m, "collection")),
		}
		if add, ok := m["_additional"].(map[string]interface{}); ok {
			s.Score = getFloat(add, "score")
		}
		// the where filter is authoritative, this guards against a misconfigured class
		if s.VendorID != q.VendorID {
			continue
		}
		out = append(out, s)
	}
	datatypes.SortSnippets(out)
	return out, nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// getFloat handles weaviate returning scores as strings.
func getFloat(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

var _ SearchIndex = (*WeaviateIndex)(nil)
