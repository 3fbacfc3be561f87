// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gateway is the only path from the agent to evidence backends.
//
// Every call is authorised against the caller's vendor scope, checked
// against a fixed input contract, charged one tool call, dispatched, and
// checked against a fixed output contract before the charge is committed
// and the call audited.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/extensions"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/budget"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/store"
)

// DefaultRiskQuery drives risk_scan when the caller gives no query.
const DefaultRiskQuery = "liability cap indemnity data processing DPA personal data auto-renew notice termination"

// RiskTermKeys are the term facts risk_scan returns.
var RiskTermKeys = []string{
	datatypes.TermNoticeDays,
	datatypes.TermAutoRenew,
	datatypes.TermLiabilityCap,
	datatypes.TermDPAStatus,
}

// Invocation carries the per-request context of a call. Budget is
// required.
type Invocation struct {
	RequestID string
	Subgoal   datatypes.SubgoalName
	Caller    *extensions.AuthInfo
	Budget    *budget.Tracker
}

// Gateway enforces tool contracts.
//
// # Description
//
// Invoke applies, in order: authorization, input schema, budget
// reservation, dispatch, output schema, then commit and audit. Any failure
// releases the reservation and returns a classified error, so a failed
// call is never counted as a success.
//
// # Thread Safety
//
// Safe for concurrent use.
type Gateway struct {
	index  store.SearchIndex
	facts  store.FactStore
	authz  extensions.AuthzProvider
	audit  extensions.AuditLogger
	logger *slog.Logger
	now    func() time.Time
}

// New creates a gateway. Nil extension fields take their defaults.
func New(index store.SearchIndex, facts store.FactStore, opts extensions.ServiceOptions, logger *slog.Logger) *Gateway {
	opts = opts.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		index:  index,
		facts:  facts,
		authz:  opts.AuthzProvider,
		audit:  opts.AuditLogger,
		logger: logger,
		now:    time.Now,
	}
}

// Invoke runs one tool call. The returned ToolCall describes the attempt
// whatever the outcome.
func (g *Gateway) Invoke(ctx context.Context, inv Invocation, in Input) (*Output, datatypes.ToolCall, error) {
	started := g.now()
	call := datatypes.ToolCall{
		Tool:      string(in.Tool()),
		VendorID:  in.Vendor(),
		Subgoal:   inv.Subgoal,
		StartedAt: started.UTC(),
	}
	out, err := g.invoke(ctx, inv, in)
	call.LatencyMs = g.now().Sub(started).Milliseconds()
	call.Results = out.Len()
	call.Outcome = outcomeOf(err)
	if err != nil {
		call.ErrorCode = faults.CodeOf(err)
		out = nil
	}
	g.record(ctx, inv, call)
	return out, call, err
}

func (g *Gateway) invoke(ctx context.Context, inv Invocation, in Input) (*Output, error) {
	vendorID := in.Vendor()
	if err := g.authz.Authorize(ctx, extensions.AuthzRequest{
		User:         inv.Caller,
		Action:       string(in.Tool()),
		ResourceType: "vendor",
		ResourceID:   vendorID,
	}); err != nil {
		return nil, faults.Wrap(err, faults.KindUnauthorized, "scope_denied")
	}

	c, ok := contracts[in.Tool()]
	if !ok {
		return nil, faults.SchemaInvalid("unknown_tool", "no contract for tool %q", in.Tool())
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, faults.SchemaInvalid("tool_input", "encode %s input: %v", in.Tool(), err)
	}
	if err := validate(c.input, raw); err != nil {
		return nil, faults.SchemaInvalid("tool_input", "%s input: %v", in.Tool(), err)
	}

	res, err := inv.Budget.Reserve(budget.KindToolCalls, 1)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	out, err := g.dispatch(ctx, in)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", in.Tool(), ctxErr)
		}
		return nil, faults.Upstream(fmt.Errorf("%s: %w", in.Tool(), err), "tool_dispatch")
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, faults.SchemaInvalid("tool_output", "encode %s output: %v", in.Tool(), err)
	}
	if err := validate(c.output, encoded); err != nil {
		return nil, faults.SchemaInvalid("tool_output", "%s output: %v", in.Tool(), err)
	}
	if err := checkVendor(out, vendorID); err != nil {
		return nil, err
	}

	res.CommitReserved()
	return out, nil
}

func (g *Gateway) dispatch(ctx context.Context, in Input) (*Output, error) {
	out := &Output{Tool: in.Tool()}
	var err error
	switch v := in.(type) {
	case ContractSearchInput:
		out.Snippets, err = g.index.Search(ctx, store.SearchQuery{VendorID: v.VendorID, Text: v.Query, TopK: v.TopK})
	case TermsLookupInput:
		out.Terms, err = g.terms(ctx, v.VendorID, v.Keys)
	case InvoiceSummaryInput:
		out.Invoices, err = g.facts.QueryInvoices(ctx, v.VendorID)
	case UsageSummaryInput:
		out.Usage, err = g.facts.QueryUsage(ctx, v.VendorID)
	case RiskScanInput:
		q := v.Query
		if q == "" {
			q = DefaultRiskQuery
		}
		out.Snippets, err = g.index.Search(ctx, store.SearchQuery{VendorID: v.VendorID, Text: q, TopK: store.DefaultTopK})
		if err == nil {
			out.Terms, err = g.terms(ctx, v.VendorID, RiskTermKeys)
		}
	default:
		return nil, fmt.Errorf("unsupported input %T", in)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Gateway) terms(ctx context.Context, vendorID string, keys []string) ([]datatypes.TermFact, error) {
	all, err := g.facts.QueryTerms(ctx, vendorID)
	if err != nil || len(keys) == 0 {
		return all, err
	}
	var out []datatypes.TermFact
	for _, t := range all {
		if slices.Contains(keys, t.Key) {
			out = append(out, t)
		}
	}
	return out, nil
}

// checkVendor rejects rows belonging to another vendor.
func checkVendor(out *Output, vendorID string) error {
	bad := func(got string) error {
		return faults.SchemaInvalid("tool_output_vendor", "%s returned a row for vendor %q", out.Tool, got)
	}
	for _, s := range out.Snippets {
		if s.VendorID != vendorID {
			return bad(s.VendorID)
		}
	}
	for _, t := range out.Terms {
		if t.VendorID != vendorID {
			return bad(t.VendorID)
		}
	}
	for _, r := range out.Invoices {
		if r.VendorID != vendorID {
			return bad(r.VendorID)
		}
	}
	for _, r := range out.Usage {
		if r.VendorID != vendorID {
			return bad(r.VendorID)
		}
	}
	return nil
}

func outcomeOf(err error) string {
	if err == nil {
		return datatypes.ToolOutcomeOK
	}
	switch faults.KindOf(err) {
	case faults.KindUnauthorized:
		return datatypes.ToolOutcomeDenied
	case faults.KindSchemaInvalid:
		return datatypes.ToolOutcomeSchemaInvalid
	case faults.KindBudgetExceeded:
		return datatypes.ToolOutcomeBudgetExceeded
	}
	return datatypes.ToolOutcomeUpstreamError
}

func (g *Gateway) record(ctx context.Context, inv Invocation, call datatypes.ToolCall) {
	outcome := "success"
	switch call.Outcome {
	case datatypes.ToolOutcomeOK:
	case datatypes.ToolOutcomeDenied:
		outcome = "denied"
	default:
		outcome = "failure"
	}
	event := extensions.AuditEvent{
		EventType:    "tool.invoke",
		Timestamp:    call.StartedAt,
		Action:       call.Tool,
		ResourceType: "vendor",
		ResourceID:   call.VendorID,
		Outcome:      outcome,
		Metadata: map[string]any{
			"request_id": inv.RequestID,
			"subgoal":    string(call.Subgoal),
			"results":    call.Results,
			"latency_ms": call.LatencyMs,
		},
	}
	if inv.Caller != nil {
		event.UserID = inv.Caller.UserID
		event.TenantID = inv.Caller.TenantID
	}
	if call.ErrorCode != "" {
		event.Metadata["error_code"] = call.ErrorCode
	}
	// Audit must not be cancelled along with the request.
	if err := g.audit.Log(context.WithoutCancel(ctx), event); err != nil {
		g.logger.Warn("Failed to write audit event", "request_id", inv.RequestID, "error", err)
	}
	if call.Outcome != datatypes.ToolOutcomeOK {
		g.logger.Info("Tool call failed",
			"request_id", inv.RequestID,
			"tool", call.Tool,
			"vendor_id", call.VendorID,
			"outcome", call.Outcome,
			"error_code", call.ErrorCode)
	}
}

// IsDenied reports whether err came from the authorization step.
func IsDenied(err error) bool {
	return faults.Is(err, faults.KindUnauthorized) || errors.Is(err, extensions.ErrUnauthorized)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
