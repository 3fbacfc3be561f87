// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/badgerdb"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

func TestDocID_Deterministic(t *testing.T) {
	a := DocID("contract", []byte("hello"))
	b := DocID("contract", []byte("hello"))
	c := DocID("invoices", []byte("hello"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, len("contract-")+12)
}

func TestLocalDocumentStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalDocumentStore(t.TempDir())
	require.NoError(t, err)

	info, err := s.Put(ctx, "acme", "contract.txt", "contract", []byte("Renewal notice 60 days."))
	require.NoError(t, err)
	assert.Equal(t, "acme", info.VendorID)
	assert.Equal(t, int64(23), info.Size)

	again, err := s.Put(ctx, "acme", "renamed.txt", "contract", []byte("Renewal notice 60 days."))
	require.NoError(t, err)
	assert.Equal(t, info.DocID, again.DocID)
	assert.Equal(t, "contract.txt", again.Name, "identical content keeps the first upload")

	_, err = s.Put(ctx, "acme", "invoices.csv", "invoices", []byte("vendor_id,invoice_id\n"))
	require.NoError(t, err)

	docs, err := s.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Less(t, docs[0].DocID, docs[1].DocID)

	doc, err := s.Get(ctx, "acme", info.DocID)
	require.NoError(t, err)
	assert.Equal(t, "Renewal notice 60 days.", string(doc.Content))

	_, err = s.Get(ctx, "acme", "contract-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := s.List(ctx, "globex")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLocalDocumentStore_RejectsTraversal(t *testing.T) {
	s, err := NewLocalDocumentStore(t.TempDir())
	require.NoError(t, err)
	for _, vendor := range []string{"..", "../etc", "a/b", ""} {
		t.Run(vendor, func(t *testing.T) {
			_, err := s.Put(context.Background(), vendor, "x.txt", "contract", []byte("x"))
			assert.Error(t, err)
		})
	}
}

func sampleFacts() datatypes.Facts {
	return datatypes.Facts{
		Terms: []datatypes.TermFact{
			{VendorID: "acme", Key: datatypes.TermNoticeDays, Value: "60", Citation: datatypes.NewCitation("contract-a", 1, 40, 60)},
			{VendorID: "acme", Key: datatypes.TermAutoRenew, Value: "true", Citation: datatypes.NewCitation("contract-a", 1, 10, 30)},
		},
		Invoices: []datatypes.InvoiceRow{
			{VendorID: "acme", InvoiceID: "INV-2", Period: "2024-02", AmountUSD: 1000, Seats: 10, Citation: datatypes.NewCitation("invoices-a", 1, 50, 90)},
			{VendorID: "acme", InvoiceID: "INV-1", Period: "2024-01", AmountUSD: 1000, Seats: 10, Citation: datatypes.NewCitation("invoices-a", 1, 10, 50)},
		},
		Usage: []datatypes.UsageRow{
			{VendorID: "acme", Period: "2024-02", AllocatedSeats: 10, ActiveSeats: 7, Citation: datatypes.NewCitation("usage-a", 1, 30, 60)},
		},
	}
}

func TestFactStores(t *testing.T) {
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	stores := map[string]FactStore{
		"memory": NewMemoryFactStore(),
		"badger": NewBadgerFactStore(db),
	}
	for name, fs := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, fs.PutFacts(ctx, "acme", sampleFacts()))
			// re-ingest is an upsert
			require.NoError(t, fs.PutFacts(ctx, "acme", sampleFacts()))

			terms, err := fs.QueryTerms(ctx, "acme")
			require.NoError(t, err)
			require.Len(t, terms, 2)
			assert.Equal(t, datatypes.TermAutoRenew, terms[0].Key, "ordered by span start")

			inv, err := fs.QueryInvoices(ctx, "acme")
			require.NoError(t, err)
			require.Len(t, inv, 2)
			assert.Equal(t, "INV-1", inv[0].InvoiceID)

			usage, err := fs.QueryUsage(ctx, "acme")
			require.NoError(t, err)
			require.Len(t, usage, 1)
			assert.Equal(t, 7, usage[0].ActiveSeats)

			other, err := fs.QueryTerms(ctx, "globex")
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestMemoryIndex_Search(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Index(ctx, []datatypes.Snippet{
		{VendorID: "acme", DocID: "contract-a", Page: 1, SpanStart: 0, SpanEnd: 40, Text: "Agreement auto-renews unless notice 60 days is given."},
		{VendorID: "acme", DocID: "contract-a", Page: 2, SpanStart: 0, SpanEnd: 30, Text: "Liability is capped at 2x annual fees."},
		{VendorID: "acme", DocID: "contract-a", Page: 3, SpanStart: 0, SpanEnd: 20, Text: "Governing law is Delaware."},
		{VendorID: "globex", DocID: "contract-b", Page: 1, SpanStart: 0, SpanEnd: 20, Text: "notice 30 days"},
	}))

	tests := []struct {
		name      string
		query     SearchQuery
		wantPages []int
	}{
		{"ranked by overlap", SearchQuery{VendorID: "acme", Text: "notice days liability"}, []int{1, 2}},
		{"top k", SearchQuery{VendorID: "acme", Text: "notice days liability", TopK: 1}, []int{1}},
		{"no match", SearchQuery{VendorID: "acme", Text: "pricing appendix"}, nil},
		{"empty query lists vendor", SearchQuery{VendorID: "acme", TopK: 10}, []int{1, 2, 3}},
		{"unknown vendor", SearchQuery{VendorID: "initech", Text: "notice"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.Search(ctx, tt.query)
			require.NoError(t, err)
			var pages []int
			for _, s := range got {
				assert.Equal(t, tt.query.VendorID, s.VendorID)
				pages = append(pages, s.Page)
			}
			assert.Equal(t, tt.wantPages, pages)
		})
	}
}

func TestMemoryIndex_Deterministic(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	var snips []datatypes.Snippet
	for i := 0; i < 20; i++ {
		snips = append(snips, datatypes.Snippet{VendorID: "acme", DocID: "contract-a", Page: i + 1, SpanEnd: 10, Text: "renewal term"})
	}
	require.NoError(t, idx.Index(ctx, snips))
	first, err := idx.Search(ctx, SearchQuery{VendorID: "acme", Text: "renewal", TopK: 5})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := idx.Search(ctx, SearchQuery{VendorID: "acme", Text: "renewal", TopK: 5})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 20, idx.Len("acme"))
}

func TestContractChunkSchema(t *testing.T) {
	class := ContractChunkSchema()
	assert.Equal(t, ContractChunkClassName, class.Class)
	names := make([]string, 0, len(class.Properties))
	for _, p := range class.Properties {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"vendor_id", "doc_id", "page", "span_start", "span_end", "text", "collection"}, names)
}

func TestChunkUUID_StablePerCitation(t *testing.T) {
	a := datatypes.Snippet{VendorID: "acme", DocID: "d", Page: 1, SpanStart: 0, SpanEnd: 5}
	b := a
	b.Text = "different text"
	c := a
	c.SpanEnd = 6
	assert.Equal(t, chunkUUID(a), chunkUUID(b))
	assert.NotEqual(t, chunkUUID(a), chunkUUID(c))
}

func TestNewWeaviateClient_RejectsBadURL(t *testing.T) {
	_, err := NewWeaviateClient("not a url")
	assert.Error(t, err)
}
