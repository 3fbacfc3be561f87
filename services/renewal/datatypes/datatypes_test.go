// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpan(t *testing.T) {
	tests := []struct {
		span      string
		wantStart int
		wantEnd   int
		wantErr   bool
	}{
		{"0-10", 0, 10, false},
		{"5-5", 5, 5, false},
		{"10-5", 0, 0, true},
		{"abc", 0, 0, true},
		{"-1-4", 0, 0, true},
		{"3-x", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.span, func(t *testing.T) {
			s, e, err := ParseSpan(tt.span)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, s)
			assert.Equal(t, tt.wantEnd, e)
		})
	}
}

func TestCitationSet(t *testing.T) {
	a := NewCitation("doc-1", 1, 0, 40)
	b := NewCitation("doc-1", 2, 0, 40)
	set := NewCitationSet(a)

	assert.True(t, set.Contains(a))
	assert.False(t, set.Contains(b))
	assert.False(t, set.Contains(Citation{DocID: "doc-1", Page: 1, Span: "0-41"}))

	set.Add(b)
	assert.Equal(t, []Citation{a, b}, set.Sorted())
}

func TestSortSnippets_Deterministic(t *testing.T) {
	snips := []Snippet{
		{DocID: "b", Page: 1, SpanStart: 0, Score: 0.5},
		{DocID: "a", Page: 2, SpanStart: 0, Score: 0.5},
		{DocID: "a", Page: 1, SpanStart: 9, Score: 0.5},
		{DocID: "z", Page: 1, SpanStart: 0, Score: 0.9},
	}
	SortSnippets(snips)

	var got []string
	for _, s := range snips {
		got = append(got, s.Citation().Key())
	}
	assert.Equal(t, []string{"z#1#0-0", "a#1#9-9", "a#2#0-0", "b#1#0-0"}, got)
}

func TestPlan(t *testing.T) {
	p := &Plan{RequestID: "r", Subgoals: []*Subgoal{
		{Name: SubgoalTerms, Status: SubgoalPending},
		{Name: SubgoalDraftEmail, Status: SubgoalPending, DependsOn: []SubgoalName{SubgoalTerms}},
	}}
	assert.Len(t, p.Independent(), 1)

	clone := p.Clone()
	p.Set(SubgoalTerms, SubgoalResolved, "")
	assert.Equal(t, SubgoalPending, clone.Get(SubgoalTerms).Status)
	assert.True(t, p.Get(SubgoalTerms).Status.Terminal())
	assert.Nil(t, p.Get("nope"))
	assert.Equal(t, FieldRenewalTerms, SubgoalTerms.Field())
}

func TestSection(t *testing.T) {
	c := NewCitation("d", 1, 0, 5)
	b := NewUnknownBrief("acme", ReasonInsufficientEvidence)
	b.Pricing = Known(Pricing{AnnualSpendUSD: 100}, c)

	assert.Equal(t, 1, b.KnownEvidentiary())
	assert.True(t, b.Section(FieldPricing).IsKnown())
	assert.Equal(t, []Citation{c}, b.Section(FieldPricing).CitationList())

	clone := b.Clone()
	b.Section(FieldPricing).MarkUnknown(ReasonMissingCitation)
	assert.False(t, b.Pricing.IsKnown())
	assert.True(t, clone.Pricing.IsKnown())
	assert.Equal(t, 100.0, clone.Pricing.Value.AnnualSpendUSD)
	assert.Nil(t, b.Section("bogus"))

	assert.Equal(t, ReasonMissingCitation, b.Section(FieldPricing).UnknownReason())
	assert.Empty(t, clone.Section(FieldPricing).UnknownReason())
}

func TestFacts_DistinctAndRetain(t *testing.T) {
	a := NewCitation("terms", 1, 0, 5)
	b := NewCitation("inv", 1, 0, 9)
	f := Facts{
		Terms: []TermFact{
			{Key: TermNoticeDays, Value: "60", Citation: a},
			{Key: TermNoticeDays, Value: "60", Citation: a},
			{Key: TermAutoRenew, Value: "true", Citation: a},
		},
		Invoices: []InvoiceRow{{InvoiceID: "1", Citation: b}, {InvoiceID: "1", Citation: b}},
	}

	d := f.Distinct()
	assert.Len(t, d.Terms, 2)
	assert.Len(t, d.Invoices, 1)

	kept := d.Retain(NewCitationSet(a))
	assert.Len(t, kept.Terms, 2)
	assert.Empty(t, kept.Invoices)
}

func TestBrief_JSONShape(t *testing.T) {
	b := NewUnknownBrief("acme", "x")
	data, err := json.Marshal(b)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, f := range append(EvidentiaryFields, FieldDraftEmail) {
		sec, ok := raw[string(f)].(map[string]any)
		require.True(t, ok, f)
		assert.Equal(t, "unknown", sec["status"])
		assert.NotContains(t, sec, "value")
	}
}

func TestBriefRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		vendor  string
		wantErr bool
	}{
		{"simple", "vendor_123", false},
		{"dotted", "acme.io", false},
		{"empty", "", true},
		{"traversal", "../etc", true},
		{"slash", "a/b", true},
		{"leading dot", ".hidden", true},
		{"too long", string(make([]byte, 129)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&BriefRequest{VendorID: tt.vendor}).Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
