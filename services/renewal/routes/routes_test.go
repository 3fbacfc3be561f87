// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/extensions"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/ingest"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/middleware"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRunner struct{}

func (stubRunner) Run(_ context.Context, req *datatypes.Request) (*datatypes.BriefResponse, error) {
	return &datatypes.BriefResponse{Status: datatypes.ResponseOK, RequestID: req.RequestID, VendorID: req.VendorID}, nil
}

type stubIngester struct{}

func (stubIngester) Ingest(_ context.Context, vendorID string, _ []ingest.File) (*datatypes.IngestResponse, error) {
	return &datatypes.IngestResponse{VendorID: vendorID}, nil
}

type stubTraces struct{}

func (stubTraces) Get(context.Context, string) (*datatypes.Trace, bool) { return nil, false }

func deps(demo string, limiter *middleware.TenantRateLimiter) Deps {
	return Deps{
		Runner:         stubRunner{},
		Ingester:       stubIngester{},
		Traces:         stubTraces{},
		Metrics:        observability.NewMetrics(prometheus.NewRegistry()),
		LLMBackend:     "heuristic",
		DemoVendorID:   demo,
		MaxUploadBytes: 1 << 20,
		RateLimiter:    limiter,
	}
}

func hasRoute(router *gin.Engine, method, path string) bool {
	for _, r := range router.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

func TestSetupRoutes_Registered(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, deps("vendor_123", nil), extensions.DefaultOptions())

	expected := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/metrics"},
		{http.MethodPost, "/v1/renewal-brief"},
		{http.MethodPost, "/v1/ingest"},
		{http.MethodGet, "/v1/demo/renewal-brief"},
		{http.MethodGet, "/v1/llm/health"},
		{http.MethodGet, "/v1/debug/trace/:request_id"},
	}
	for _, e := range expected {
		assert.True(t, hasRoute(router, e.method, e.path), "missing %s %s", e.method, e.path)
	}
}

func TestSetupRoutes_DemoDisabled(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, deps("", nil), extensions.DefaultOptions())
	assert.False(t, hasRoute(router, http.MethodGet, "/v1/demo/renewal-brief"))
}

func TestSetupRoutes_AuthBoundary(t *testing.T) {
	router := gin.New()
	auth := extensions.NewStaticTokenAuthProvider(map[string]extensions.AuthInfo{
		"0123456789abcdef": {UserID: "svc", TenantID: "t1", VendorScopes: []string{"acme"}},
	})
	SetupRoutes(router, deps("", nil), extensions.DefaultOptions().WithAuth(auth))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		token      string
		wantStatus int
	}{
		{"health is public", http.MethodGet, "/health", "", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", "", http.StatusOK},
		{"brief needs a token", http.MethodPost, "/v1/renewal-brief", `{"vendor_id":"acme"}`, "", http.StatusUnauthorized},
		{"brief with token", http.MethodPost, "/v1/renewal-brief", `{"vendor_id":"acme"}`, "0123456789abcdef", http.StatusOK},
		{"llm health needs a token", http.MethodGet, "/v1/llm/health", "", "", http.StatusUnauthorized},
		{"llm health with token", http.MethodGet, "/v1/llm/health", "", "0123456789abcdef", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestSetupRoutes_RateLimited(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, deps("", middleware.NewTenantRateLimiter(0.001, 1)), extensions.DefaultOptions())

	codes := make([]int, 0, 3)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/renewal-brief", strings.NewReader(`{"vendor_id":"acme"}`))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	// llm health is not rate limited
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/llm/health", nil))
	codes = append(codes, w.Code)

	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusOK}, codes)
}
