// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/budget"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/gateway"
)

type fakeGateway struct {
	outputs map[gateway.ToolKind]*gateway.Output
	errs    []error
	calls   []gateway.Input
}

func (f *fakeGateway) Invoke(_ context.Context, _ gateway.Invocation, in gateway.Input) (*gateway.Output, datatypes.ToolCall, error) {
	f.calls = append(f.calls, in)
	call := datatypes.ToolCall{Tool: string(in.Tool()), VendorID: in.Vendor()}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, call, err
		}
	}
	if out, ok := f.outputs[in.Tool()]; ok {
		return out, call, nil
	}
	return &gateway.Output{Tool: in.Tool()}, call, nil
}

func fastBackoff() faults.Backoff { return faults.Backoff{MaxRetries: 2, InitialDelay: time.Millisecond} }

func invocation() gateway.Invocation {
	return gateway.Invocation{RequestID: "r", Budget: budget.NewTracker(budget.Limits{})}
}

func TestRoute(t *testing.T) {
	r := NewRouter(&fakeGateway{}, fastBackoff(), 0)
	tests := []struct {
		subgoal  datatypes.SubgoalName
		strategy Strategy
		source   datatypes.Collection
		fallback bool
	}{
		{datatypes.SubgoalTerms, StrategyHybridSearch, datatypes.CollectionContractChunks, true},
		{datatypes.SubgoalPricing, StrategyStructuredAggregation, datatypes.CollectionInvoices, true},
		{datatypes.SubgoalUsage, StrategyStructuredAggregation, datatypes.CollectionUsage, true},
		{datatypes.SubgoalRisk, StrategyRuleScan, datatypes.CollectionContractChunks, false},
		{datatypes.SubgoalNegotiation, StrategyHybridSearch, datatypes.CollectionContractChunks, false},
		{datatypes.SubgoalDraftEmail, StrategyDerived, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.subgoal), func(t *testing.T) {
			route := r.Route(tt.subgoal)
			assert.Equal(t, tt.strategy, route.Strategy)
			assert.Equal(t, tt.source, route.Source)
			assert.Equal(t, tt.fallback, route.Fallback != nil)
		})
	}
}

func TestRetrieve_PrimaryHit(t *testing.T) {
	gw := &fakeGateway{outputs: map[gateway.ToolKind]*gateway.Output{
		gateway.ToolInvoiceSummary: {Tool: gateway.ToolInvoiceSummary, Invoices: []datatypes.InvoiceRow{
			{VendorID: "acme", InvoiceID: "INV-1", Period: "2024-01", AmountUSD: 1200.5, Seats: 10, Citation: datatypes.NewCitation("inv", 1, 0, 20)},
		}},
	}}
	r := NewRouter(gw, fastBackoff(), 3)
	res, err := r.Retrieve(context.Background(), invocation(), "acme", datatypes.SubgoalPricing)
	require.NoError(t, err)
	assert.False(t, res.UsedFallback)
	assert.Len(t, gw.calls, 1)
	require.Len(t, res.Facts.Invoices, 1)

	ev := res.Evidence()
	require.Len(t, ev, 1)
	assert.Equal(t, "invoice INV-1 period 2024-01 amount_usd 1200.5 seats 10", ev[0].Text)
	assert.Equal(t, res.Facts.Invoices[0].Citation, ev[0].Citation())
}

func TestRetrieve_FallbackWhenEmpty(t *testing.T) {
	gw := &fakeGateway{outputs: map[gateway.ToolKind]*gateway.Output{
		gateway.ToolContractSearch: {Tool: gateway.ToolContractSearch, Snippets: []datatypes.Snippet{
			{DocID: "c", VendorID: "acme", Page: 2, SpanEnd: 5, Text: "b", Score: 0.5},
			{DocID: "c", VendorID: "acme", Page: 1, SpanEnd: 5, Text: "a", Score: 0.5},
		}},
	}}
	r := NewRouter(gw, fastBackoff(), 3)
	res, err := r.Retrieve(context.Background(), invocation(), "acme", datatypes.SubgoalPricing)
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	require.Len(t, gw.calls, 2)
	search, ok := gw.calls[1].(gateway.ContractSearchInput)
	require.True(t, ok)
	assert.Equal(t, PricingQuery, search.Query)
	assert.Equal(t, 3, search.TopK)
	require.Len(t, res.Snippets, 2)
	assert.Equal(t, 1, res.Snippets[0].Page, "ties ordered by page")
}

func TestRetrieve_EmptyIsNotAnError(t *testing.T) {
	r := NewRouter(&fakeGateway{}, fastBackoff(), 0)
	res, err := r.Retrieve(context.Background(), invocation(), "acme", datatypes.SubgoalUsage)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.True(t, res.UsedFallback)
}

func TestRetrieve_Derived(t *testing.T) {
	gw := &fakeGateway{}
	res, err := NewRouter(gw, fastBackoff(), 0).Retrieve(context.Background(), invocation(), "acme", datatypes.SubgoalDraftEmail)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Empty(t, gw.calls)
}

func TestRetrieve_RetriesUpstreamWithinBound(t *testing.T) {
	upstream := faults.Upstream(errors.New("weaviate down"), "tool_dispatch")

	t.Run("recovers", func(t *testing.T) {
		gw := &fakeGateway{errs: []error{upstream, nil}}
		res, err := NewRouter(gw, fastBackoff(), 0).Retrieve(context.Background(), invocation(), "acme", datatypes.SubgoalRisk)
		require.NoError(t, err)
		assert.Len(t, res.Calls, 2)
	})

	t.Run("gives up", func(t *testing.T) {
		gw := &fakeGateway{errs: []error{upstream, upstream, upstream, upstream, upstream}}
		_, err := NewRouter(gw, fastBackoff(), 0).Retrieve(context.Background(), invocation(), "acme", datatypes.SubgoalRisk)
		require.Error(t, err)
		assert.Equal(t, faults.KindUpstream, faults.KindOf(err))
		assert.Len(t, gw.calls, 3, "first call plus MaxRetries")
	})

	t.Run("budget is not retried", func(t *testing.T) {
		denied := faults.New(faults.KindBudgetExceeded, "tool_calls", "budget exhausted")
		gw := &fakeGateway{errs: []error{denied}}
		_, err := NewRouter(gw, fastBackoff(), 0).Retrieve(context.Background(), invocation(), "acme", datatypes.SubgoalTerms)
		require.Error(t, err)
		assert.Equal(t, faults.KindBudgetExceeded, faults.KindOf(err))
		assert.Len(t, gw.calls, 1)
	})
}
