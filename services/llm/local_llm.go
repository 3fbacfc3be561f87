// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// LocalLlamaCppClient talks to a llama.cpp server's /completion endpoint.
type LocalLlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
}

type llamaCppPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type llamaCppResp struct {
	Content string `json:"content"`
}

// NewLocalLlamaCppClient creates a client for baseURL.
func NewLocalLlamaCppClient(baseURL string, timeout time.Duration) (*LocalLlamaCppClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llama.cpp base URL not set")
	}
	return &LocalLlamaCppClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Generate implements LLMClient.
func (l *LocalLlamaCppClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "LocalLlamaCppClient.Generate")
	defer span.End()

	temperature := float32(0.2)
	topK := 20
	topP := float32(0.9)
	payload := llamaCppPayload{
		Prompt:      prompt,
		NPredict:    512,
		Temperature: &temperature,
		TopK:        &topK,
		TopP:        &topP,
		Stop:        params.Stop,
	}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	}
	if params.Temperature != nil {
		payload.Temperature = params.Temperature
	}
	if params.TopK != nil {
		payload.TopK = params.TopK
	}
	if params.TopP != nil {
		payload.TopP = params.TopP
	}
	span.SetAttributes(attribute.Int("llm.n_predict", payload.NPredict))

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal the payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Calling llama.cpp completion", "url", l.baseURL)
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", transportError(ctx, "llama.cpp", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(ctx, "llama.cpp", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError("llama.cpp", resp.StatusCode)
	}
	var out llamaCppResp
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", malformed("llama.cpp", err)
	}
	return out.Content, nil
}

// Health calls the server's /health endpoint.
func (l *LocalLlamaCppClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, "llama.cpp", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("llama.cpp", resp.StatusCode)
	}
	return nil
}
