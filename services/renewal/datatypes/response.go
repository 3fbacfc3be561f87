// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// ResponseStatus is the outcome reported to the caller.
type ResponseStatus string

const (
	// ResponseOK: validation accepted the brief.
	ResponseOK ResponseStatus = "ok"

	// ResponseUnknown: no evidentiary section could be established.
	ResponseUnknown ResponseStatus = "unknown"

	// ResponseDegraded: validation retries ran out; failing fields are unknown.
	ResponseDegraded ResponseStatus = "degraded"

	// ResponseTemporarilyUnavailable: the reasoning backend could not be reached.
	ResponseTemporarilyUnavailable ResponseStatus = "temporarily_unavailable"

	// ResponseBudgetExhausted: a hard budget or the request deadline was hit.
	ResponseBudgetExhausted ResponseStatus = "budget_exhausted"
)

// Diagnostic reasons.
const (
	ReasonInsufficientEvidence = "insufficient_evidence"
	ReasonMissingCitation      = "missing_citation"
	ReasonInvalidCitation      = "invalid_citation"
	ReasonSchemaInvalid        = "schema_invalid"
	ReasonInjectionEcho        = "injection_echo"
	ReasonBudgetExhausted      = "budget_exhausted"
	ReasonUpstreamUnavailable  = "upstream_unavailable"
	ReasonRetriesExhausted     = "retries_exhausted"
	ReasonDraftUnsupported     = "draft_unsupported_figures"
)

// FieldDiagnostic explains why a field is unknown or was corrected.
type FieldDiagnostic struct {
	Field  FieldName `json:"field"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
}

// BudgetUsage is a snapshot of a request's budget counters.
type BudgetUsage struct {
	ToolCalls int64   `json:"tool_calls"`
	Tokens    int64   `json:"tokens"`
	ElapsedMs int64   `json:"elapsed_ms"`
	CostUSD   float64 `json:"cost_usd"`
}

// BriefResponse is the complete answer to a brief request. It never
// carries partial JSON or upstream error text.
type BriefResponse struct {
	Status            ResponseStatus    `json:"status"`
	RequestID         string            `json:"request_id"`
	VendorID          string            `json:"vendor_id"`
	Brief             *Brief            `json:"brief,omitempty"`
	Diagnostics       []FieldDiagnostic `json:"diagnostics"`
	InjectionDetected bool              `json:"injection_detected"`
	Cached            bool              `json:"cached"`
	Attempts          int               `json:"attempts"`
	Budget            BudgetUsage       `json:"budget"`
	GeneratedAt       time.Time         `json:"generated_at"`
}

// Diagnostic returns the first diagnostic for field f.
func (r *BriefResponse) Diagnostic(f FieldName) (FieldDiagnostic, bool) {
	for _, d := range r.Diagnostics {
		if d.Field == f {
			return d, true
		}
	}
	return FieldDiagnostic{}, false
}

// IngestResponse reports what an ingest stored.
type IngestResponse struct {
	VendorID    string         `json:"vendor_id"`
	Documents   []DocumentInfo `json:"documents"`
	Chunks      int            `json:"chunks"`
	TermFacts   int            `json:"term_facts"`
	InvoiceRows int            `json:"invoice_rows"`
	UsageRows   int            `json:"usage_rows"`
	PolicyFlags []string       `json:"policy_flags,omitempty"`
	Unparsed    []string       `json:"unparsed,omitempty"`
}

// DocumentInfo describes a stored document.
type DocumentInfo struct {
	DocID       string    `json:"doc_id"`
	VendorID    string    `json:"vendor_id"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
}
