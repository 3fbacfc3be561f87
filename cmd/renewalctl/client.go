// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// apiError is a non-success HTTP answer.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server answered %d", e.Status)
	}
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
}

// apiClient talks to a renewald instance.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

// Brief requests a brief. A 503 still carries a complete response.
func (c *apiClient) Brief(ctx context.Context, vendorID string, refresh bool, reasoner string) (*datatypes.BriefResponse, error) {
	body, err := json.Marshal(datatypes.BriefRequest{VendorID: vendorID, Refresh: refresh, Reasoner: reasoner})
	if err != nil {
		return nil, err
	}
	var out datatypes.BriefResponse
	if err := c.do(ctx, http.MethodPost, "/v1/renewal-brief", "application/json", bytes.NewReader(body), &out, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ingest uploads files for a vendor. Each part is named after the file's
// base name.
func (c *apiClient) Ingest(ctx context.Context, vendorID string, paths []string) (*datatypes.IngestResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("vendor_id", vendorID); err != nil {
		return nil, err
	}
	for _, p := range paths {
		if err := addFile(mw, p); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var out datatypes.IngestResponse
	if err := c.do(ctx, http.MethodPost, "/v1/ingest", mw.FormDataContentType(), &body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func addFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	name := filepath.Base(path)
	part, err := mw.CreateFormFile(strings.TrimSuffix(name, filepath.Ext(name)), name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// Trace fetches a recorded request trace.
func (c *apiClient) Trace(ctx context.Context, requestID string) (*datatypes.Trace, error) {
	var out datatypes.Trace
	if err := c.do(ctx, http.MethodGet, "/v1/debug/trace/"+url.PathEscape(requestID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends a request and decodes a 200 body, or a body with one of the
// extra accepted statuses, into out.
func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any, accept ...int) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && !containsStatus(accept, resp.StatusCode) {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func containsStatus(list []int, status int) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}
