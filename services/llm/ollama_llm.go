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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
)

var tracer = otel.Tracer("renewal.llm")

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "llama3.1"

// OllamaClient talks to an Ollama server over its REST API.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   Message `json:"message"`
	CreatedAt string  `json:"created_at"`
	Done      bool    `json:"done"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewOllamaClient creates a client for baseURL. An empty model selects
// DefaultOllamaModel.
func NewOllamaClient(baseURL, model string, timeout time.Duration) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base URL not set")
	}
	if model == "" {
		slog.Warn("Ollama model not set, using default", "model", DefaultOllamaModel)
		model = DefaultOllamaModel
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Model returns the configured model name.
func (o *OllamaClient) Model() string { return o.model }

// ollamaOptions maps params to Ollama's options block.
func ollamaOptions(params GenerationParams) map[string]any {
	options := map[string]any{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 2048,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func jsonFormat(params GenerationParams) string {
	if params.JSONMode {
		return "json"
	}
	return ""
}

// Generate implements LLMClient via /api/generate.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Format:  jsonFormat(params),
		Options: ollamaOptions(params),
	}
	var out ollamaGenerateResponse
	if err := o.post(ctx, span, "/api/generate", payload, &out); err != nil {
		return "", err
	}
	slog.Debug("Received response from Ollama", "model", o.model)
	return out.Response, nil
}

// Chat sends a multi-turn conversation via /api/chat.
func (o *OllamaClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Format:   jsonFormat(params),
		Options:  ollamaOptions(params),
	}
	var out ollamaChatResponse
	if err := o.post(ctx, span, "/api/chat", payload, &out); err != nil {
		return "", err
	}
	if out.Message.Role != "" && out.Message.Role != "assistant" {
		slog.Warn("Ollama chat response role was not assistant", "role", out.Message.Role)
	}
	return out.Message.Content, nil
}

// Health checks that the server answers and has the model pulled.
func (o *OllamaClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, "ollama", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("ollama", resp.StatusCode)
	}
	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return malformed("ollama", err)
	}
	for _, m := range tags.Models {
		if m.Name == o.model || strings.TrimSuffix(m.Name, ":latest") == o.model {
			return nil
		}
	}
	return faults.Permanent(faults.Upstream(
		fmt.Errorf("model %q not found, run: ollama pull %s", o.model, o.model), "llm_model_missing"))
}

func (o *OllamaClient) post(ctx context.Context, span trace.Span, path string, payload, out any) error {
	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal request to Ollama: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("failed to create request to Ollama: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "path", path, "error", err)
		return fail(transportError(ctx, "ollama", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(transportError(ctx, "ollama", err))
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return fail(statusError("ollama", resp.StatusCode))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fail(malformed("ollama", err))
	}
	return nil
}
