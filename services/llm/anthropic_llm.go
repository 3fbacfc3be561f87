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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	anthropicAPIVersion = "2023-06-01"
	anthropicMessages   = "https://api.anthropic.com/v1/messages"

	// DefaultAnthropicModel is used when no model is configured.
	DefaultAnthropicModel = "claude-3-5-sonnet-20240620"
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      []systemBlock      `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	TopP        *float32           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicClient calls the Messages API over plain HTTP.
type AnthropicClient struct {
	httpClient *http.Client
	key        *secret
	model      string
	endpoint   string
}

// NewAnthropicClient seals apiKey and returns a client. endpoint is
// optional and overrides the Messages API URL.
func NewAnthropicClient(apiKey, model, endpoint string, timeout time.Duration) (*AnthropicClient, error) {
	key, err := newSecret(apiKey)
	if err != nil {
		slog.Warn("Anthropic API Key is missing.")
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is missing: %w", err)
	}
	if model == "" {
		model = DefaultAnthropicModel
		slog.Info("Anthropic model not set, defaulting to", "model", model)
	}
	if endpoint == "" {
		endpoint = anthropicMessages
	}
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: timeout},
		key:        key,
		model:      model,
		endpoint:   endpoint,
	}, nil
}

// Generate implements LLMClient.
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	messages := []Message{
		{Role: "system", Content: renewalSystemPrompt},
		{Role: "user", Content: prompt},
	}
	return a.Chat(ctx, messages, params)
}

// Chat implements ChatClient. System messages become the top-level
// system block; long system prompts are marked cacheable.
func (a *AnthropicClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "AnthropicClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	var apiMessages []anthropicMessage
	var systemBlocks []systemBlock
	for _, msg := range messages {
		if strings.EqualFold(msg.Role, "system") {
			block := systemBlock{Type: "text", Text: msg.Content}
			if len(msg.Content) > 1024 {
				block.CacheControl = &cacheControl{Type: "ephemeral"}
			}
			systemBlocks = append(systemBlocks, block)
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}

	payload := anthropicRequest{
		Model:       a.model,
		Messages:    apiMessages,
		System:      systemBlocks,
		MaxTokens:   4096,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		StopSeqs:    params.Stop,
	}
	if params.MaxTokens != nil {
		payload.MaxTokens = *params.MaxTokens
	}

	text, err := a.send(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

func (a *AnthropicClient) send(ctx context.Context, payload anthropicRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response
	err = a.key.with(func(key string) error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("x-api-key", key)
		req.Header.Set("anthropic-version", anthropicAPIVersion)
		req.Header.Set("content-type", "application/json")
		var doErr error
		resp, doErr = a.httpClient.Do(req)
		return doErr
	})
	if err != nil {
		return "", transportError(ctx, "anthropic", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(ctx, "anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Anthropic returned an error", "status", resp.StatusCode, "body_length", len(respBody))
		return "", statusError("anthropic", resp.StatusCode)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", malformed("anthropic", err)
	}
	if apiResp.Error != nil {
		return "", malformed("anthropic", fmt.Errorf("%s: %s", apiResp.Error.Type, apiResp.Error.Message))
	}

	var sb strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", malformed("anthropic", errors.New("no text block in response"))
	}
	return sb.String(), nil
}
