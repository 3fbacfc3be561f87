// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// renewalSystemPrompt frames every hosted completion.
const renewalSystemPrompt = "You are a procurement analyst. Answer only from the supplied evidence and reply with JSON."

// OpenAIClient calls the chat completions API. The API key stays in a
// memguard enclave; a go-openai client is built per call.
type OpenAIClient struct {
	key        *secret
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIClient seals apiKey and returns a client. baseURL is optional
// and points the client at a compatible gateway.
func NewOpenAIClient(apiKey, model, baseURL string, timeout time.Duration) (*OpenAIClient, error) {
	key, err := newSecret(apiKey)
	if err != nil {
		return nil, fmt.Errorf("OPENAI_API_KEY is missing: %w", err)
	}
	if model == "" {
		model = DefaultOpenAIModel
		slog.Warn("OpenAI model not set, using default", "model", model)
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		key:        key,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (o *OpenAIClient) client(key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	cfg.HTTPClient = o.httpClient
	return openai.NewClientWithConfig(cfg)
}

// Generate implements LLMClient.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: renewalSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	if params.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var resp openai.ChatCompletionResponse
	err := o.key.with(func(key string) error {
		var callErr error
		resp, callErr = o.client(key).CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		slog.Error("OpenAI API call failed", "error", err)
		err = o.classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", malformed("openai", errors.New("no choices returned"))
	}
	span.SetAttributes(attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens))
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// Health lists models, which costs no tokens.
func (o *OpenAIClient) Health(ctx context.Context) error {
	err := o.key.with(func(key string) error {
		_, listErr := o.client(key).ListModels(ctx)
		return listErr
	})
	if err != nil {
		return o.classify(ctx, err)
	}
	return nil
}

func (o *OpenAIClient) classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError("openai", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError("openai", reqErr.HTTPStatusCode)
	}
	return transportError(ctx, "openai", err)
}
