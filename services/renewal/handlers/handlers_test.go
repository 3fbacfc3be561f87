// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/extensions"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/llm"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/ingest"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testCaller = &extensions.AuthInfo{UserID: "u1", TenantID: "t1", VendorScopes: []string{"acme"}}

// withCaller stands in for AuthMiddleware.
func withCaller(info *extensions.AuthInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		if info != nil {
			middleware.SetAuthInfo(c, info)
		}
		c.Next()
	}
}

type fakeRunner struct {
	mu   sync.Mutex
	reqs []*datatypes.Request
	resp *datatypes.BriefResponse
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req *datatypes.Request) (*datatypes.BriefResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	resp.RequestID = req.RequestID
	resp.VendorID = req.VendorID
	return &resp, nil
}

func serve(r *gin.Engine, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHandleRenewalBrief(t *testing.T) {
	okResp := &datatypes.BriefResponse{
		Status: datatypes.ResponseOK,
		Brief:  datatypes.NewUnknownBrief("acme", datatypes.ReasonInsufficientEvidence),
	}
	tests := []struct {
		name       string
		body       string
		runner     *fakeRunner
		wantStatus int
		wantBody   string
		wantRuns   int
	}{
		{
			name:       "ok",
			body:       `{"vendor_id":"acme","refresh":true}`,
			runner:     &fakeRunner{resp: okResp},
			wantStatus: http.StatusOK,
			wantBody:   `"status":"ok"`,
			wantRuns:   1,
		},
		{
			name:       "degraded is still 200",
			body:       `{"vendor_id":"acme"}`,
			runner:     &fakeRunner{resp: &datatypes.BriefResponse{Status: datatypes.ResponseDegraded}},
			wantStatus: http.StatusOK,
			wantBody:   `"status":"degraded"`,
			wantRuns:   1,
		},
		{
			name:       "temporarily unavailable is 503",
			body:       `{"vendor_id":"acme"}`,
			runner:     &fakeRunner{resp: &datatypes.BriefResponse{Status: datatypes.ResponseTemporarilyUnavailable}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `"status":"temporarily_unavailable"`,
			wantRuns:   1,
		},
		{
			name:       "malformed json",
			body:       `{"vendor_id":`,
			runner:     &fakeRunner{resp: okResp},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid request body",
		},
		{
			name:       "missing vendor",
			body:       `{}`,
			runner:     &fakeRunner{resp: okResp},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "path traversal vendor",
			body:       `{"vendor_id":"../../etc"}`,
			runner:     &fakeRunner{resp: okResp},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid vendor_id",
		},
		{
			name:       "unknown reasoner kind",
			body:       `{"vendor_id":"acme","reasoner":"gpt"}`,
			runner:     &fakeRunner{resp: okResp},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Unsupported reasoner",
		},
		{
			name:       "reasoner not configured",
			body:       `{"vendor_id":"acme","reasoner":"llm"}`,
			runner:     &fakeRunner{err: faults.SchemaInvalid("unsupported_reasoner", "reasoner %q is not configured", "llm")},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Unsupported reasoner",
			wantRuns:   1,
		},
		{
			name:       "unauthorized",
			body:       `{"vendor_id":"acme"}`,
			runner:     &fakeRunner{err: faults.Wrap(extensions.ErrUnauthorized, faults.KindUnauthorized, "scope_denied")},
			wantStatus: http.StatusForbidden,
			wantBody:   `"error":"forbidden"`,
			wantRuns:   1,
		},
		{
			name:       "internal error never leaks",
			body:       `{"vendor_id":"acme"}`,
			runner:     &fakeRunner{err: errors.New("dial tcp 10.0.0.7:11434: secret internals")},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `"status":"temporarily_unavailable"`,
			wantRuns:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/v1/renewal-brief", withCaller(testCaller), HandleRenewalBrief(tt.runner))

			w := serve(r, http.MethodPost, "/v1/renewal-brief", []byte(tt.body), "application/json")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
			assert.NotContains(t, w.Body.String(), "secret internals")
			assert.Len(t, tt.runner.reqs, tt.wantRuns)
		})
	}
}

func TestHandleRenewalBrief_BuildsRequest(t *testing.T) {
	runner := &fakeRunner{resp: &datatypes.BriefResponse{Status: datatypes.ResponseOK}}
	r := gin.New()
	r.POST("/v1/renewal-brief", withCaller(testCaller), HandleRenewalBrief(runner))

	w := serve(r, http.MethodPost, "/v1/renewal-brief", []byte(`{"vendor_id":"acme","refresh":true,"reasoner":"heuristic"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, runner.reqs, 1)

	req := runner.reqs[0]
	assert.Equal(t, "acme", req.VendorID)
	assert.True(t, req.Refresh)
	assert.Equal(t, "heuristic", req.Reasoner)
	assert.Same(t, testCaller, req.Caller)
	_, err := uuid.Parse(req.RequestID)
	assert.NoError(t, err)

	var resp datatypes.BriefResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, req.RequestID, resp.RequestID)
}

func TestHandleDemoBrief(t *testing.T) {
	runner := &fakeRunner{resp: &datatypes.BriefResponse{Status: datatypes.ResponseOK}}
	r := gin.New()
	r.GET("/v1/demo/renewal-brief", withCaller(testCaller), HandleDemoBrief(runner, "vendor_123"))

	w := serve(r, http.MethodGet, "/v1/demo/renewal-brief?refresh=true", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, runner.reqs, 1)
	assert.Equal(t, "vendor_123", runner.reqs[0].VendorID)
	assert.True(t, runner.reqs[0].Refresh)
}

type fakeIngester struct {
	vendorID string
	files    []ingest.File
	err      error
}

func (f *fakeIngester) Ingest(_ context.Context, vendorID string, files []ingest.File) (*datatypes.IngestResponse, error) {
	f.vendorID = vendorID
	f.files = files
	if f.err != nil {
		return nil, f.err
	}
	resp := &datatypes.IngestResponse{VendorID: vendorID}
	for _, file := range files {
		resp.Documents = append(resp.Documents, datatypes.DocumentInfo{Name: file.Name, Kind: ingest.Classify(file.Name, file.Content)})
	}
	return resp, nil
}

func multipartBody(t *testing.T, vendorID string, parts map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if vendorID != "" {
		require.NoError(t, mw.WriteField("vendor_id", vendorID))
	}
	for field, content := range parts {
		fw, err := mw.CreateFormFile(field, field+".txt")
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return buf.Bytes(), mw.FormDataContentType()
}

func TestHandleIngest(t *testing.T) {
	tests := []struct {
		name       string
		vendorID   string
		parts      map[string]string
		caller     *extensions.AuthInfo
		ingErr     error
		maxBytes   int64
		wantStatus int
		wantFiles  int
	}{
		{
			name:       "stores uploads",
			vendorID:   "acme",
			parts:      map[string]string{"contract": "Term: January 1 2024 to December 31 2024.", "usage": "period,allocated_seats,active_seats\n"},
			caller:     testCaller,
			maxBytes:   1 << 20,
			wantStatus: http.StatusOK,
			wantFiles:  2,
		},
		{
			name:       "missing vendor",
			parts:      map[string]string{"contract": "x"},
			caller:     testCaller,
			maxBytes:   1 << 20,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "vendor outside scope",
			vendorID:   "globex",
			parts:      map[string]string{"contract": "x"},
			caller:     testCaller,
			maxBytes:   1 << 20,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "no caller",
			vendorID:   "acme",
			parts:      map[string]string{"contract": "x"},
			maxBytes:   1 << 20,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "no files",
			vendorID:   "acme",
			caller:     testCaller,
			maxBytes:   1 << 20,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "too large",
			vendorID:   "acme",
			parts:      map[string]string{"contract": strings.Repeat("a", 4096)},
			caller:     testCaller,
			maxBytes:   512,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "pipeline failure",
			vendorID:   "acme",
			parts:      map[string]string{"contract": "x"},
			caller:     testCaller,
			ingErr:     errors.New("disk full"),
			maxBytes:   1 << 20,
			wantStatus: http.StatusInternalServerError,
			wantFiles:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &fakeIngester{err: tt.ingErr}
			r := gin.New()
			r.POST("/v1/ingest", withCaller(tt.caller), HandleIngest(ing, nil, tt.maxBytes))

			body, ct := multipartBody(t, tt.vendorID, tt.parts)
			w := serve(r, http.MethodPost, "/v1/ingest", body, ct)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Len(t, ing.files, tt.wantFiles)
			assert.NotContains(t, w.Body.String(), "disk full")
		})
	}
}

func TestHandleIngest_NotMultipart(t *testing.T) {
	r := gin.New()
	r.POST("/v1/ingest", withCaller(testCaller), HandleIngest(&fakeIngester{}, nil, 1<<20))
	w := serve(r, http.MethodPost, "/v1/ingest", []byte(`{"vendor_id":"acme"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeLLM struct{ healthErr error }

func (f *fakeLLM) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return "", nil
}

func (f *fakeLLM) Health(context.Context) error { return f.healthErr }

type generateOnly struct{}

func (generateOnly) Generate(context.Context, string, llm.GenerationParams) (string, error) {
	return "", nil
}

func TestHandleLLMHealth(t *testing.T) {
	tests := []struct {
		name       string
		client     llm.LLMClient
		wantStatus int
		wantBody   string
	}{
		{"heuristic", nil, http.StatusOK, `"status":"ok"`},
		{"healthy", &fakeLLM{}, http.StatusOK, `"status":"ok"`},
		{"down", &fakeLLM{healthErr: errors.New("connection refused")}, http.StatusServiceUnavailable, `"status":"unavailable"`},
		{"no probe", generateOnly{}, http.StatusOK, `"status":"unchecked"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/v1/llm/health", HandleLLMHealth(tt.client, "ollama"))
			w := serve(r, http.MethodGet, "/v1/llm/health", nil, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
			assert.NotContains(t, w.Body.String(), "connection refused")
		})
	}
}

type fakeTraces map[string]*datatypes.Trace

func (f fakeTraces) Get(_ context.Context, id string) (*datatypes.Trace, bool) {
	t, ok := f[id]
	return t, ok
}

func TestHandleGetTrace(t *testing.T) {
	own := uuid.NewString()
	otherVendor := uuid.NewString()
	otherTenant := uuid.NewString()
	traces := fakeTraces{
		own:         {RequestID: own, VendorID: "acme", TenantID: "t1"},
		otherVendor: {RequestID: otherVendor, VendorID: "globex", TenantID: "t1"},
		otherTenant: {RequestID: otherTenant, VendorID: "acme", TenantID: "t2"},
	}
	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"own trace", own, http.StatusOK},
		{"vendor out of scope", otherVendor, http.StatusNotFound},
		{"other tenant", otherTenant, http.StatusNotFound},
		{"unknown", uuid.NewString(), http.StatusNotFound},
		{"not a uuid", "abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/v1/debug/trace/:request_id", withCaller(testCaller), HandleGetTrace(traces))
			w := serve(r, http.MethodGet, "/v1/debug/trace/"+tt.id, nil, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Contains(t, w.Body.String(), tt.id)
			}
		})
	}
}

func TestHTTPStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatusFor(datatypes.ResponseBudgetExhausted))
	assert.Equal(t, http.StatusOK, HTTPStatusFor(datatypes.ResponseUnknown))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusFor(datatypes.ResponseTemporarilyUnavailable))
}
