// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and tracing setup for the renewal
// desk.
//
// # Description
//
// Prometheus metrics cover the brief pipeline:
//   - Responses by status and cache lookups
//   - Stage latency (planning, retrieving, synthesizing, validating)
//   - Token usage by source
//   - Tool calls by tool and outcome
//   - Citation coverage, validation outcomes, budget breaches
//   - Injection detections
//   - Reasoner failures by reason
//
// The pipeline only writes metrics; nothing reads them back to decide
// control flow.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "renewal"

const briefSubsystem = "brief"

// Metrics holds the Prometheus collectors of the brief pipeline.
//
// # Description
//
// Built once per registry by NewMetrics. A nil *Metrics is valid and
// records nothing, so components can take it as an optional dependency.
//
// # Thread Safety
//
// All operations are thread-safe.
type Metrics struct {
	// ResponsesTotal counts finished requests.
	// Labels: status (ok, unknown, degraded, temporarily_unavailable, budget_exhausted)
	ResponsesTotal *prometheus.CounterVec

	// CacheLookupsTotal counts brief cache lookups.
	// Labels: result (hit, miss, skipped, error)
	CacheLookupsTotal *prometheus.CounterVec

	// StageDurationSeconds measures each runner state.
	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// TokensTotal counts tokens charged to request budgets.
	// Labels: source (synthesis, draft)
	TokensTotal *prometheus.CounterVec

	// ToolCallsTotal counts gateway invocations.
	// Labels: tool, outcome
	ToolCallsTotal *prometheus.CounterVec

	// CitationCoverageRatio observes the share of evidentiary sections that
	// are known with valid citations.
	CitationCoverageRatio prometheus.Histogram

	// ValidationOutcomesTotal counts validator passes.
	// Labels: outcome (accepted, retry, degraded)
	ValidationOutcomesTotal *prometheus.CounterVec

	// BudgetBreachesTotal counts budget denials.
	// Labels: kind (tool_calls, tokens, wall_clock_ms, cost_usd, ...)
	BudgetBreachesTotal *prometheus.CounterVec

	// InjectionsTotal counts snippets that carried directives.
	// Labels: action (neutralized, dropped)
	InjectionsTotal *prometheus.CounterVec

	// IngestedFilesTotal counts stored uploads.
	// Labels: kind (contract, invoices, usage)
	IngestedFilesTotal *prometheus.CounterVec

	// LLMErrorsTotal counts failed reasoner calls, retries included.
	// Labels: reason (fault code, attempt_timeout, unclassified)
	LLMErrorsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the pipeline metrics on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Nil selects prometheus.DefaultRegisterer.
//
// # Limitations
//
//   - Panics if the metrics are already registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		ResponsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: briefSubsystem,
				Name:      "responses_total",
				Help:      "Total brief responses by status",
			},
			[]string{"status"},
		),

		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: briefSubsystem,
				Name:      "cache_lookups_total",
				Help:      "Total brief cache lookups by result",
			},
			[]string{"result"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: briefSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each runner stage in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: briefSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens charged to request budgets by source",
			},
			[]string{"source"},
		),

		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "gateway",
				Name:      "tool_calls_total",
				Help:      "Total tool invocations by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		CitationCoverageRatio: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: briefSubsystem,
				Name:      "citation_coverage_ratio",
				Help:      "Share of evidentiary sections known with valid citations",
				Buckets:   []float64{0, 0.2, 0.4, 0.6, 0.8, 1},
			},
		),

		ValidationOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "validator",
				Name:      "outcomes_total",
				Help:      "Total validator passes by outcome",
			},
			[]string{"outcome"},
		),

		BudgetBreachesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "budget",
				Name:      "breaches_total",
				Help:      "Total budget denials by kind",
			},
			[]string{"kind"},
		),

		InjectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "sanitizer",
				Name:      "injections_total",
				Help:      "Total snippets carrying directives by action",
			},
			[]string{"action"},
		),

		IngestedFilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ingest",
				Name:      "files_total",
				Help:      "Total ingested files by kind",
			},
			[]string{"kind"},
		),

		LLMErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "reasoner",
				Name:      "llm_errors_total",
				Help:      "Total failed reasoner calls by reason",
			},
			[]string{"reason"},
		),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registry the metrics were created on. It falls back
// to the default gatherer when the registerer cannot gather.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// =============================================================================
// Recording helpers (nil-safe)
// =============================================================================

// Response counts a finished request.
func (m *Metrics) Response(status string) {
	if m == nil {
		return
	}
	m.ResponsesTotal.WithLabelValues(status).Inc()
}

// CacheLookup counts a cache lookup result.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// Stage observes how long a runner stage took.
func (m *Metrics) Stage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// Tokens counts tokens charged by source.
func (m *Metrics) Tokens(source string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensTotal.WithLabelValues(source).Add(float64(n))
}

// ToolCall counts one gateway invocation.
func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// CitationCoverage observes known over total evidentiary sections.
func (m *Metrics) CitationCoverage(known, total int) {
	if m == nil || total <= 0 {
		return
	}
	m.CitationCoverageRatio.Observe(float64(known) / float64(total))
}

// Validation counts a validator outcome.
func (m *Metrics) Validation(outcome string) {
	if m == nil {
		return
	}
	m.ValidationOutcomesTotal.WithLabelValues(outcome).Inc()
}

// LLMError counts a failed reasoner call.
func (m *Metrics) LLMError(reason string) {
	if m == nil {
		return
	}
	m.LLMErrorsTotal.WithLabelValues(reason).Inc()
}

// BudgetBreach counts a budget denial.
func (m *Metrics) BudgetBreach(kind string) {
	if m == nil {
		return
	}
	m.BudgetBreachesTotal.WithLabelValues(kind).Inc()
}

// Injection counts a snippet that carried directives.
func (m *Metrics) Injection(dropped bool) {
	if m == nil {
		return
	}
	action := "neutralized"
	if dropped {
		action = "dropped"
	}
	m.InjectionsTotal.WithLabelValues(action).Inc()
}

// Ingested counts a stored upload.
func (m *Metrics) Ingested(kind string) {
	if m == nil {
		return
	}
	m.IngestedFilesTotal.WithLabelValues(kind).Inc()
}
