// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval maps subgoals to retrieval strategies and runs them
// through the tool gateway.
package retrieval

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/gateway"
)

// Strategy names how a subgoal gathers evidence.
type Strategy string

const (
	StrategyHybridSearch          Strategy = "hybrid_search"
	StrategyStructuredAggregation Strategy = "structured_aggregation"
	StrategyRuleScan              Strategy = "rule_scan"
	StrategyDerived               Strategy = "derived"
)

// Route is the retrieval plan for one subgoal.
type Route struct {
	Subgoal  datatypes.SubgoalName `json:"subgoal"`
	Strategy Strategy              `json:"strategy"`
	Source   datatypes.Collection  `json:"source,omitempty"`
	Query    string                `json:"query,omitempty"`

	// Fallback runs only when the primary strategy returns nothing.
	Fallback *Route `json:"fallback,omitempty"`
}

// Queries used by the search strategies.
const (
	TermsQuery       = "agreement effective through term notice days auto-renew renewal"
	PricingQuery     = "annual subscription fee price increase uplift"
	UsageQuery       = "licensed seats users"
	NegotiationQuery = "price increase renewal term discount multi-year seats"
)

// DefaultTopK is the number of chunks a search returns.
const DefaultTopK = 5

// Invoker is the subset of the gateway the router needs.
type Invoker interface {
	Invoke(ctx context.Context, inv gateway.Invocation, in gateway.Input) (*gateway.Output, datatypes.ToolCall, error)
}

// Result is everything one subgoal retrieved.
type Result struct {
	Subgoal      datatypes.SubgoalName `json:"subgoal"`
	Route        Route                 `json:"route"`
	UsedFallback bool                  `json:"used_fallback"`
	Snippets     []datatypes.Snippet   `json:"snippets,omitempty"`
	Facts        datatypes.Facts       `json:"facts"`
	Calls        []datatypes.ToolCall  `json:"calls,omitempty"`
}

// Empty reports whether nothing was retrieved.
func (r *Result) Empty() bool {
	return len(r.Snippets) == 0 && r.Facts.Empty()
}

// Evidence returns the chunks followed by every structured row rendered
// as a snippet, so all of it can pass through the sanitizer.
func (r *Result) Evidence() []datatypes.Snippet {
	out := append([]datatypes.Snippet(nil), r.Snippets...)
	for _, t := range r.Facts.Terms {
		out = append(out, factSnippet(t.VendorID, t.Citation, datatypes.CollectionTerms,
			fmt.Sprintf("%s: %s", t.Key, t.Value)))
	}
	for _, row := range r.Facts.Invoices {
		out = append(out, factSnippet(row.VendorID, row.Citation, datatypes.CollectionInvoices,
			fmt.Sprintf("invoice %s period %s amount_usd %s seats %d",
				row.InvoiceID, row.Period, strconv.FormatFloat(row.AmountUSD, 'f', -1, 64), row.Seats)))
	}
	for _, row := range r.Facts.Usage {
		out = append(out, factSnippet(row.VendorID, row.Citation, datatypes.CollectionUsage,
			fmt.Sprintf("usage %s allocated_seats %d active_seats %d", row.Period, row.AllocatedSeats, row.ActiveSeats)))
	}
	return out
}

func factSnippet(vendorID string, c datatypes.Citation, coll datatypes.Collection, text string) datatypes.Snippet {
	start, end, _ := datatypes.ParseSpan(c.Span)
	return datatypes.Snippet{
		DocID:      c.DocID,
		VendorID:   vendorID,
		Page:       c.Page,
		SpanStart:  start,
		SpanEnd:    end,
		Text:       text,
		Collection: coll,
	}
}

// Router chooses and executes retrieval strategies.
//
// # Description
//
// Route is a pure function of the subgoal. Retrieve runs the primary
// strategy and, if it yields nothing, the fallback. Every backend access
// goes through the gateway; upstream failures are retried with bounded
// backoff, all other errors return immediately. An empty result is not an
// error.
//
// # Thread Safety
//
// Safe for concurrent use.
type Router struct {
	gw      Invoker
	backoff faults.Backoff
	topK    int
}

// NewRouter creates a router. topK <= 0 uses DefaultTopK.
func NewRouter(gw Invoker, backoff faults.Backoff, topK int) *Router {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Router{gw: gw, backoff: backoff, topK: topK}
}

// Route returns the fixed route for a subgoal.
func (r *Router) Route(subgoal datatypes.SubgoalName) Route {
	switch subgoal {
	case datatypes.SubgoalTerms:
		return Route{
			Subgoal:  subgoal,
			Strategy: StrategyHybridSearch,
			Source:   datatypes.CollectionContractChunks,
			Query:    TermsQuery,
			Fallback: &Route{Subgoal: subgoal, Strategy: StrategyStructuredAggregation, Source: datatypes.CollectionTerms},
		}
	case datatypes.SubgoalPricing:
		return Route{
			Subgoal:  subgoal,
			Strategy: StrategyStructuredAggregation,
			Source:   datatypes.CollectionInvoices,
			Fallback: &Route{Subgoal: subgoal, Strategy: StrategyHybridSearch, Source: datatypes.CollectionContractChunks, Query: PricingQuery},
		}
	case datatypes.SubgoalUsage:
		return Route{
			Subgoal:  subgoal,
			Strategy: StrategyStructuredAggregation,
			Source:   datatypes.CollectionUsage,
			Fallback: &Route{Subgoal: subgoal, Strategy: StrategyHybridSearch, Source: datatypes.CollectionContractChunks, Query: UsageQuery},
		}
	case datatypes.SubgoalRisk:
		return Route{Subgoal: subgoal, Strategy: StrategyRuleScan, Source: datatypes.CollectionContractChunks, Query: gateway.DefaultRiskQuery}
	case datatypes.SubgoalNegotiation:
		return Route{Subgoal: subgoal, Strategy: StrategyHybridSearch, Source: datatypes.CollectionContractChunks, Query: NegotiationQuery}
	}
	return Route{Subgoal: subgoal, Strategy: StrategyDerived}
}

// Retrieve runs the subgoal's route for vendorID.
func (r *Router) Retrieve(ctx context.Context, inv gateway.Invocation, vendorID string, subgoal datatypes.SubgoalName) (*Result, error) {
	route := r.Route(subgoal)
	inv.Subgoal = subgoal
	res := &Result{Subgoal: subgoal, Route: route}
	if route.Strategy == StrategyDerived {
		return res, nil
	}

	if err := r.run(ctx, inv, vendorID, route, res); err != nil {
		return res, err
	}
	if res.Empty() && route.Fallback != nil {
		res.UsedFallback = true
		if err := r.run(ctx, inv, vendorID, *route.Fallback, res); err != nil {
			return res, err
		}
	}
	datatypes.SortSnippets(res.Snippets)
	return res, nil
}

func (r *Router) run(ctx context.Context, inv gateway.Invocation, vendorID string, route Route, res *Result) error {
	input := r.inputFor(vendorID, route)
	var out *gateway.Output
	err := faults.Retry(ctx, r.backoff, "retrieve "+string(route.Subgoal), func(ctx context.Context) error {
		o, call, err := r.gw.Invoke(ctx, inv, input)
		res.Calls = append(res.Calls, call)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return err
	}
	res.Snippets = append(res.Snippets, out.Snippets...)
	res.Facts.Merge(datatypes.Facts{Terms: out.Terms, Invoices: out.Invoices, Usage: out.Usage})
	return nil
}

func (r *Router) inputFor(vendorID string, route Route) gateway.Input {
	switch route.Strategy {
	case StrategyRuleScan:
		return gateway.RiskScanInput{VendorID: vendorID, Query: route.Query}
	case StrategyStructuredAggregation:
		switch route.Source {
		case datatypes.CollectionInvoices:
			return gateway.InvoiceSummaryInput{VendorID: vendorID}
		case datatypes.CollectionUsage:
			return gateway.UsageSummaryInput{VendorID: vendorID}
		default:
			return gateway.TermsLookupInput{VendorID: vendorID}
		}
	}
	return gateway.ContractSearchInput{VendorID: vendorID, Query: route.Query, TopK: r.topK}
}
