// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestMetrics_Recording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Response("ok")
	m.Response("ok")
	m.Response("degraded")
	m.CacheLookup("hit")
	m.Stage("retrieving", 120*time.Millisecond)
	m.Tokens("synthesis", 300)
	m.Tokens("synthesis", 0)
	m.ToolCall("contract_search", "ok")
	m.CitationCoverage(4, 5)
	m.CitationCoverage(1, 0)
	m.Validation("retry")
	m.BudgetBreach("tool_calls")
	m.Injection(false)
	m.Injection(true)
	m.Ingested("contract")
	m.LLMError("llm_status")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResponsesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponsesTotal.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.TokensTotal.WithLabelValues("synthesis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCallsTotal.WithLabelValues("contract_search", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationOutcomesTotal.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BudgetBreachesTotal.WithLabelValues("tool_calls")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InjectionsTotal.WithLabelValues("neutralized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InjectionsTotal.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestedFilesTotal.WithLabelValues("contract")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LLMErrorsTotal.WithLabelValues("llm_status")))

	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDurationSeconds))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CitationCoverageRatio), "zero total is not observed")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Response("ok")
		m.CacheLookup("miss")
		m.Stage("planning", time.Second)
		m.Tokens("draft", 10)
		m.ToolCall("risk_scan", "ok")
		m.CitationCoverage(1, 1)
		m.Validation("accepted")
		m.BudgetBreach("tokens")
		m.Injection(true)
		m.Ingested("usage")
		m.LLMError("attempt_timeout")
	})
	assert.NotNil(t, m.Handler())
}

func TestMetrics_HandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Response("budget_exhausted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `renewal_brief_responses_total{status="budget_exhausted"} 1`)
}

func TestMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestInit_NilContext(t *testing.T) {
	_, err := Init(nil, DefaultTelemetryConfig(), nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_NoExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), DefaultTelemetryConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*TelemetryConfig)
	}{
		{"trace", func(c *TelemetryConfig) { c.TraceExporter = "zipkin" }},
		{"metric", func(c *TelemetryConfig) { c.MetricExporter = "statsd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTelemetryConfig()
			tt.mut(&cfg)
			_, err := Init(context.Background(), cfg, prometheus.NewRegistry())
			assert.ErrorIs(t, err, ErrUnknownExporter)
		})
	}
}

func TestInit_PrometheusMeterSharesRegistry(t *testing.T) {
	prevMP := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prevMP) })

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	cfg := DefaultTelemetryConfig()
	cfg.MetricExporter = "prometheus"

	shutdown, err := Init(context.Background(), cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	counter, err := otel.Meter("test").Int64Counter("renewal.test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), "renewal_test_events"), "OTel instruments exported on the shared registry")
}
