// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/llm"
)

func env(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ReasonerHeuristic, cfg.Reasoner.Backend)
	assert.Equal(t, 2, cfg.Reasoner.MaxAttempts)
	assert.Equal(t, 200, cfg.Trace.Capacity)
	assert.Equal(t, int64(8), cfg.Budget.Default.MaxToolCalls)
	assert.Equal(t, "v0", cfg.Synthesis.PromptVersion)
}

func TestLoadWith_YAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "renewal.yaml", `
server:
  port: 9090
budget:
  default:
    max_tool_calls: 3
    max_tokens: 1000
    max_wall_clock: 5s
    max_cost_usd: 0.01
  tenants:
    acme:
      max_tool_calls: 20
  daily_budget_usd: 2.5
agent:
  max_parallel: 2
cache:
  ttl: 1h
`)
	cfg, err := LoadWith(path, env(nil))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(3), cfg.Budget.Default.MaxToolCalls)
	assert.Equal(t, 5*time.Second, cfg.Budget.Default.MaxWallClock)
	assert.Equal(t, int64(20), cfg.Budget.LimitsFor("acme").MaxToolCalls)
	assert.Equal(t, 2.5, cfg.Budget.DailyBudgetUSD)
	assert.Equal(t, 2, cfg.Agent.MaxParallel)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	// untouched sections keep their defaults
	assert.Equal(t, 5, cfg.Storage.TopK)
	assert.True(t, cfg.Agent.CacheResponses)
}

func TestLoadWith_EmptyFile(t *testing.T) {
	cfg, err := LoadWith(writeFile(t, "empty.yaml", ""), env(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestLoadWith_UnknownKeyRejected(t *testing.T) {
	_, err := LoadWith(writeFile(t, "bad.yaml", "server:\n  prot: 1\n"), env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadWith_MissingFile(t *testing.T) {
	_, err := LoadWith(filepath.Join(t.TempDir(), "nope.yaml"), env(nil))
	assert.Error(t, err)
}

func TestLoadWith_Env(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg Config)
	}{
		{
			name: "port and storage",
			env: map[string]string{
				"RENEWAL_PORT":         "7000",
				"RENEWAL_DATA_DIR":     "/var/lib/renewal",
				"WEAVIATE_SERVICE_URL": `"http://weaviate:8080"`,
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 7000, cfg.Server.Port)
				assert.Equal(t, "/var/lib/renewal", cfg.Storage.DataDir)
				assert.Equal(t, "http://weaviate:8080", cfg.Storage.WeaviateURL)
			},
		},
		{
			name: "ollama backend",
			env: map[string]string{
				"LLM_BACKEND_TYPE": "ollama",
				"OLLAMA_BASE_URL":  "http://ollama:11434",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, ReasonerLLM, cfg.Reasoner.Backend)
				assert.Equal(t, llm.BackendOllama, cfg.Reasoner.LLM.Backend)
				assert.Equal(t, "http://ollama:11434", cfg.Reasoner.LLM.BaseURL)
			},
		},
		{
			name: "openai backend",
			env: map[string]string{
				"LLM_BACKEND_TYPE": "OpenAI",
				"OPENAI_API_KEY":   "sk-test",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, llm.BackendOpenAI, cfg.Reasoner.LLM.Backend)
				assert.Equal(t, "sk-test", cfg.Reasoner.LLM.APIKey)
				assert.Equal(t, llm.DefaultOpenAIModel, cfg.Reasoner.LLM.Model)
				assert.Empty(t, cfg.Reasoner.LLM.BaseURL)
			},
		},
		{
			name: "reasoner override wins",
			env: map[string]string{
				"LLM_BACKEND_TYPE": "ollama",
				"RENEWAL_REASONER": "heuristic",
			},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, ReasonerHeuristic, cfg.Reasoner.Backend)
			},
		},
		{
			name: "otlp endpoint",
			env:  map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, "otlp", cfg.Telemetry.TraceExporter)
				assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
			},
		},
		{
			name: "daily budget",
			env:  map[string]string{"RENEWAL_DAILY_BUDGET_USD": "0.25"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 0.25, cfg.Budget.DailyBudgetUSD)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadWith("", env(tt.env))
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadWith_InvalidEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"RENEWAL_PORT": "eighty"}},
		{"port out of range", map[string]string{"RENEWAL_PORT": "70000"}},
		{"bad budget", map[string]string{"RENEWAL_DAILY_BUDGET_USD": "lots"}},
		{"openai without key", map[string]string{"LLM_BACKEND_TYPE": "openai"}},
		{"unknown backend", map[string]string{"LLM_BACKEND_TYPE": "bard"}},
		{"bad log level", map[string]string{"RENEWAL_LOG_LEVEL": "chatty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWith("", env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"static auth without tokens", func(c *Config) { c.Auth.Mode = AuthStatic }, true},
		{"static auth with token", func(c *Config) {
			c.Auth.Mode = AuthStatic
			c.Auth.Tokens = []TokenConfig{{Token: "0123456789abcdef", UserID: "u1", TenantID: "t1"}}
		}, false},
		{"short token", func(c *Config) {
			c.Auth.Mode = AuthStatic
			c.Auth.Tokens = []TokenConfig{{Token: "short", UserID: "u1", TenantID: "t1"}}
		}, true},
		{"zero parallelism", func(c *Config) { c.Agent.MaxParallel = 0 }, true},
		{"too many attempts", func(c *Config) { c.Reasoner.MaxAttempts = 9 }, true},
		{"no document store", func(c *Config) { c.Storage.DocsRoot = "" }, true},
		{"gcs instead of local", func(c *Config) {
			c.Storage.DocsRoot = ""
			c.Storage.GCSBucket = "renewals"
		}, false},
		{"bad weaviate url", func(c *Config) { c.Storage.WeaviateURL = "not a url" }, true},
		{"bad trace exporter", func(c *Config) { c.Telemetry.TraceExporter = "zipkin" }, true},
		{"negative limit", func(c *Config) { c.Budget.Default.MaxTokens = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "RENEWAL_TEST_DOTENV=from-file\nRENEWAL_TEST_DOTENV_SET=overwritten\n")
	t.Setenv("RENEWAL_TEST_DOTENV_SET", "kept")
	t.Cleanup(func() { os.Unsetenv("RENEWAL_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("RENEWAL_TEST_DOTENV"))
	assert.Equal(t, "kept", os.Getenv("RENEWAL_TEST_DOTENV_SET"))
}

func TestLoadWith_ExampleFile(t *testing.T) {
	cfg, err := LoadWith(filepath.Join("..", "..", "..", "configs", "renewal.example.yaml"), env(nil))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, AuthNone, cfg.Auth.Mode)
	assert.Equal(t, int64(12), cfg.Budget.Tenants["acme-corp"].MaxToolCalls)
	assert.Equal(t, 45*time.Second, cfg.Budget.Tenants["acme-corp"].MaxWallClock)
	assert.Equal(t, "./data/badger", cfg.Storage.DataDir)
	assert.True(t, cfg.Trace.Persist)
	assert.Equal(t, 168*time.Hour, cfg.Trace.TTL)
	assert.Equal(t, "prometheus", cfg.Telemetry.MetricExporter)
	assert.Equal(t, DefaultConfig().Synthesis.PolicyPrompt, cfg.Synthesis.PolicyPrompt, "omitted keys keep defaults")
}
