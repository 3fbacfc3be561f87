// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Tool call outcomes.
const (
	ToolOutcomeOK             = "ok"
	ToolOutcomeDenied         = "denied"
	ToolOutcomeSchemaInvalid  = "schema_invalid"
	ToolOutcomeBudgetExceeded = "budget_exceeded"
	ToolOutcomeUpstreamError  = "upstream_error"
)

// ToolCall records one gateway invocation, successful or not.
type ToolCall struct {
	Tool      string      `json:"tool"`
	VendorID  string      `json:"vendor_id"`
	Subgoal   SubgoalName `json:"subgoal,omitempty"`
	Outcome   string      `json:"outcome"`
	ErrorCode string      `json:"error_code,omitempty"`
	Results   int         `json:"results"`
	LatencyMs int64       `json:"latency_ms"`
	StartedAt time.Time   `json:"started_at"`
}

// TraceEvent is a timestamped note in a request's lifecycle.
type TraceEvent struct {
	At      time.Time      `json:"at"`
	Stage   string         `json:"stage"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ValidationRecord is one validator pass.
type ValidationRecord struct {
	Attempt  int               `json:"attempt"`
	Outcome  string            `json:"outcome"`
	Failures []FieldDiagnostic `json:"failures,omitempty"`
}

// InjectionRecord notes a snippet in which directives were found.
type InjectionRecord struct {
	Citation Citation `json:"citation"`
	Rules    []string `json:"rules"`
	Dropped  bool     `json:"dropped"`
}

// Trace is the debug record of one request.
type Trace struct {
	RequestID     string             `json:"request_id"`
	VendorID      string             `json:"vendor_id"`
	TenantID      string             `json:"tenant_id"`
	PromptVersion string             `json:"prompt_version"`
	PolicyVersion string             `json:"policy_version"`
	StartedAt     time.Time          `json:"started_at"`
	FinishedAt    time.Time          `json:"finished_at,omitempty"`
	Status        ResponseStatus     `json:"status,omitempty"`
	States        []string           `json:"states"`
	Plan          *Plan              `json:"plan,omitempty"`
	Events        []TraceEvent       `json:"events"`
	ToolCalls     []ToolCall         `json:"tool_calls"`
	Retrieved     []Citation         `json:"retrieved"`
	Validation    []ValidationRecord `json:"validation"`
	Injections    []InjectionRecord  `json:"injections,omitempty"`
	Diagnostics   []FieldDiagnostic  `json:"diagnostics,omitempty"`
	Budget        BudgetUsage        `json:"budget"`
}
