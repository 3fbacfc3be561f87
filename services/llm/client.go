// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm holds the reasoning backends the renewal desk can call:
// Ollama, OpenAI, Anthropic and a local llama.cpp server.
//
// Every client returns classified errors from pkg/faults. Transport
// failures, timeouts, 429 and 5xx responses are retryable upstream
// errors; other 4xx responses are permanent.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
)

// GenerationParams tunes one completion. Nil fields use backend defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`

	// JSONMode asks the backend to constrain output to a JSON object
	// where it supports that.
	JSONMode bool `json:"json_mode"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// ChatClient is implemented by backends with a multi-turn endpoint.
type ChatClient interface {
	LLMClient
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}

// HealthChecker is implemented by backends that can report reachability
// without spending tokens.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Backend names accepted by NewClient.
const (
	BackendOllama    = "ollama"
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendClaude    = "claude"
	BackendLocal     = "local"
)

// Config selects and configures a backend.
type Config struct {
	Backend string        `yaml:"backend" json:"backend"`
	BaseURL string        `yaml:"base_url" json:"base_url"`
	Model   string        `yaml:"model" json:"model"`
	APIKey  string        `yaml:"-" json:"-"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// NewClient builds the client named by cfg.Backend.
//
// The API key is moved into a memguard enclave by the hosted clients;
// callers should drop their copy of cfg afterwards.
func NewClient(cfg Config) (LLMClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	switch strings.ToLower(cfg.Backend) {
	case BackendOllama:
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Timeout)
	case BackendOpenAI:
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Timeout)
	case BackendAnthropic, BackendClaude:
		return NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Timeout)
	case BackendLocal:
		return NewLocalLlamaCppClient(cfg.BaseURL, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.Backend)
	}
}

// statusError classifies a non-2xx response. Only the status code goes
// into the error message; response bodies are logged, never returned.
func statusError(backend string, status int) error {
	err := faults.Upstream(fmt.Errorf("%s returned status %d", backend, status), "llm_status")
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return err
	}
	return faults.Permanent(err)
}

// transportError classifies a failed round trip. Context errors pass
// through unclassified so callers can tell a deadline from an outage.
func transportError(ctx context.Context, backend string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return faults.Upstream(fmt.Errorf("%s request failed: %w", backend, err), "llm_transport")
}

// malformed classifies an unparseable response body.
func malformed(backend string, err error) error {
	return faults.Permanent(faults.Upstream(fmt.Errorf("%s response malformed: %w", backend, err), "llm_response"))
}

var (
	_ ChatClient    = (*OllamaClient)(nil)
	_ ChatClient    = (*AnthropicClient)(nil)
	_ LLMClient     = (*OpenAIClient)(nil)
	_ LLMClient     = (*LocalLlamaCppClient)(nil)
	_ HealthChecker = (*OllamaClient)(nil)
	_ HealthChecker = (*OpenAIClient)(nil)
	_ HealthChecker = (*LocalLlamaCppClient)(nil)
)
