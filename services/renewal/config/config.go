// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the renewal service configuration.
//
// Sources are applied in order: built-in defaults, an optional YAML file,
// then environment variables. A .env file in the working directory is
// loaded into the environment first when present; variables that are
// already set win over it.
//
// # Environment
//
//	RENEWAL_PORT                    server.port
//	GIN_MODE                        server.gin_mode
//	RENEWAL_LOG_LEVEL               logging.level
//	RENEWAL_DATA_DIR                storage.data_dir (empty keeps BadgerDB in memory)
//	RENEWAL_DOCS_ROOT               storage.docs_root
//	RENEWAL_GCS_BUCKET              storage.gcs_bucket
//	GOOGLE_APPLICATION_CREDENTIALS  storage.gcs_credentials_file
//	WEAVIATE_SERVICE_URL            storage.weaviate_url
//	RENEWAL_REASONER                reasoner.backend (heuristic | llm)
//	LLM_BACKEND_TYPE                reasoner.llm.backend, selects reasoner.backend=llm
//	OLLAMA_BASE_URL, OLLAMA_MODEL   reasoner.llm for the ollama backend
//	OPENAI_API_KEY, OPENAI_MODEL    reasoner.llm for the openai backend
//	ANTHROPIC_API_KEY               reasoner.llm for the anthropic backend
//	RENEWAL_DAILY_BUDGET_USD        budget.daily_budget_usd
//	RENEWAL_RULES_PATH              sanitizer.rules_path
//	OTEL_EXPORTER_OTLP_ENDPOINT     telemetry.otlp_endpoint, selects trace_exporter=otlp
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/llm"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/agent"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/budget"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/observability"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/synthesis"
)

// Reasoner backends.
const (
	ReasonerHeuristic = "heuristic"
	ReasonerLLM       = "llm"
)

// Auth modes.
const (
	AuthNone   = "none"
	AuthStatic = "static"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig                  `yaml:"server"`
	Logging   LoggingConfig                 `yaml:"logging"`
	Auth      AuthConfig                    `yaml:"auth"`
	Budget    BudgetConfig                  `yaml:"budget"`
	Agent     agent.Config                  `yaml:"agent"`
	Reasoner  ReasonerConfig                `yaml:"reasoner"`
	Synthesis synthesis.Config              `yaml:"synthesis"`
	Sanitizer SanitizerConfig               `yaml:"sanitizer"`
	Storage   StorageConfig                 `yaml:"storage"`
	Cache     CacheConfig                   `yaml:"cache"`
	Trace     TraceConfig                   `yaml:"trace"`
	Telemetry observability.TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	GinMode         string        `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// MaxUploadBytes caps a multipart ingest body.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" validate:"gte=1"`

	// DemoEnabled serves /v1/demo/renewal-brief and seeds the sample vendor
	// at startup.
	DemoEnabled bool `yaml:"demo_enabled"`

	// RateLimit is applied per tenant on the brief, demo and ingest endpoints.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a token bucket. Zero RequestsPerSecond disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// LoggingConfig selects level and optional file output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	LogDir string `yaml:"log_dir"`
}

// AuthConfig selects the authentication provider.
type AuthConfig struct {
	// Mode is "none" (single local user scoped to all vendors) or
	// "static" (bearer tokens listed in Tokens).
	Mode   string        `yaml:"mode" validate:"oneof=none static"`
	Tokens []TokenConfig `yaml:"tokens" validate:"dive"`
}

// TokenConfig provisions one API token.
type TokenConfig struct {
	Token        string   `yaml:"token" validate:"required,min=16"`
	UserID       string   `yaml:"user_id" validate:"required"`
	TenantID     string   `yaml:"tenant_id" validate:"required"`
	Email        string   `yaml:"email" validate:"omitempty,email"`
	Roles        []string `yaml:"roles"`
	VendorScopes []string `yaml:"vendor_scopes"`
}

// BudgetConfig holds per-request limits and the daily ceiling.
type BudgetConfig struct {
	budget.Policy `yaml:",inline"`

	// DailyBudgetUSD caps each tenant's spend per UTC day. Zero disables it.
	DailyBudgetUSD float64 `yaml:"daily_budget_usd" validate:"gte=0"`
}

// ReasonerConfig selects the synthesis backend.
type ReasonerConfig struct {
	Backend string `yaml:"backend" validate:"oneof=heuristic llm"`

	// FallbackToHeuristic answers with the heuristic reasoner when the LLM
	// stays unavailable after retries.
	FallbackToHeuristic bool `yaml:"fallback_to_heuristic"`

	// MaxAttempts bounds synthesis attempts per request.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=5"`

	// LLMDraft lets the LLM compose draft_email. The template is used when
	// it is off or the LLM draft is rejected.
	LLMDraft bool `yaml:"llm_draft"`

	LLM llm.Config `yaml:"llm"`
}

// SanitizerConfig points at an optional injection rule override file.
type SanitizerConfig struct {
	// RulesPath is watched for changes and reloaded. Empty uses the
	// embedded rules only.
	RulesPath string `yaml:"rules_path"`
}

// StorageConfig selects the document, fact and search backends.
type StorageConfig struct {
	// DataDir holds the BadgerDB files. Empty keeps the database in memory.
	DataDir string `yaml:"data_dir"`

	// DocsRoot stores uploaded documents on local disk unless GCSBucket is set.
	DocsRoot string `yaml:"docs_root" validate:"required_without=GCSBucket"`

	GCSBucket          string `yaml:"gcs_bucket"`
	GCSPrefix          string `yaml:"gcs_prefix"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`

	// WeaviateURL enables hybrid search. Empty uses the in-process
	// lexical index.
	WeaviateURL   string  `yaml:"weaviate_url" validate:"omitempty,url"`
	WeaviateAlpha float32 `yaml:"weaviate_alpha" validate:"gte=0,lte=1"`

	// TopK is the number of chunks a contract search returns.
	TopK int `yaml:"top_k" validate:"gte=1,lte=50"`
}

// CacheConfig controls the brief cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// TraceConfig controls the debug trace buffer.
type TraceConfig struct {
	Capacity int `yaml:"capacity" validate:"gte=1"`

	// Persist writes finished traces to BadgerDB so they survive restarts.
	Persist bool          `yaml:"persist"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// DefaultConfig returns a configuration that runs fully offline: heuristic
// reasoner, in-memory BadgerDB, lexical index and local documents.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			GinMode:         "release",
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  32 << 20,
			DemoEnabled:     true,
			RateLimit:       RateLimitConfig{RequestsPerSecond: 5, Burst: 10},
		},
		Logging: LoggingConfig{Level: "info"},
		Auth:    AuthConfig{Mode: AuthNone},
		Budget: BudgetConfig{
			Policy:         budget.Policy{Default: budget.DefaultLimits()},
			DailyBudgetUSD: 5,
		},
		Agent: agent.DefaultConfig(),
		Reasoner: ReasonerConfig{
			Backend:             ReasonerHeuristic,
			FallbackToHeuristic: true,
			MaxAttempts:         2,
			LLM: llm.Config{
				Backend: llm.BackendOllama,
				BaseURL: "http://localhost:11434",
				Model:   llm.DefaultOllamaModel,
				Timeout: 60 * time.Second,
			},
		},
		Synthesis: synthesis.DefaultConfig(),
		Storage: StorageConfig{
			DocsRoot:      "./data/documents",
			WeaviateAlpha: 0.5,
			TopK:          5,
		},
		Cache:     CacheConfig{Enabled: true, TTL: 24 * time.Hour},
		Trace:     TraceConfig{Capacity: 200, TTL: 7 * 24 * time.Hour},
		Telemetry: observability.DefaultTelemetryConfig(),
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads path (optional) over the defaults, applies the process
// environment and validates the result.
func Load(path string) (Config, error) {
	if err := LoadDotEnv(); err != nil {
		return Config{}, err
	}
	return LoadWith(path, os.LookupEnv)
}

// LoadDotEnv loads ./.env or the named files into the environment.
// Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// LoadWith is Load with an explicit environment.
func LoadWith(path string, lookup LookupFunc) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays YAML onto cfg. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document decodes as io.EOF and means "no overrides".
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}

	if v, ok := lookup("RENEWAL_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RENEWAL_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("RENEWAL_DAILY_BUDGET_USD"); ok && v != "" {
		usd, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RENEWAL_DAILY_BUDGET_USD: %w", err)
		}
		cfg.Budget.DailyBudgetUSD = usd
	}

	str("GIN_MODE", &cfg.Server.GinMode)
	str("RENEWAL_LOG_LEVEL", &cfg.Logging.Level)
	str("RENEWAL_DATA_DIR", &cfg.Storage.DataDir)
	str("RENEWAL_DOCS_ROOT", &cfg.Storage.DocsRoot)
	str("RENEWAL_GCS_BUCKET", &cfg.Storage.GCSBucket)
	str("GOOGLE_APPLICATION_CREDENTIALS", &cfg.Storage.GCSCredentialsFile)
	str("WEAVIATE_SERVICE_URL", &cfg.Storage.WeaviateURL)
	str("RENEWAL_RULES_PATH", &cfg.Sanitizer.RulesPath)

	if v, ok := lookup("OTEL_EXPORTER_OTLP_ENDPOINT"); ok && v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.TraceExporter = "otlp"
	}

	if v, ok := lookup("LLM_BACKEND_TYPE"); ok && v != "" {
		cfg.Reasoner.LLM.Backend = strings.ToLower(v)
		cfg.Reasoner.Backend = ReasonerLLM
	}
	str("RENEWAL_REASONER", &cfg.Reasoner.Backend)

	switch cfg.Reasoner.LLM.Backend {
	case llm.BackendOllama:
		str("OLLAMA_BASE_URL", &cfg.Reasoner.LLM.BaseURL)
		str("OLLAMA_MODEL", &cfg.Reasoner.LLM.Model)
	case llm.BackendOpenAI:
		str("OPENAI_API_KEY", &cfg.Reasoner.LLM.APIKey)
		str("OPENAI_MODEL", &cfg.Reasoner.LLM.Model)
		if cfg.Reasoner.LLM.Model == llm.DefaultOllamaModel {
			cfg.Reasoner.LLM.Model = llm.DefaultOpenAIModel
		}
		if cfg.Reasoner.LLM.BaseURL == DefaultConfig().Reasoner.LLM.BaseURL {
			cfg.Reasoner.LLM.BaseURL = ""
		}
	case llm.BackendAnthropic, llm.BackendClaude:
		str("ANTHROPIC_API_KEY", &cfg.Reasoner.LLM.APIKey)
		if cfg.Reasoner.LLM.Model == llm.DefaultOllamaModel {
			cfg.Reasoner.LLM.Model = ""
		}
		if cfg.Reasoner.LLM.BaseURL == DefaultConfig().Reasoner.LLM.BaseURL {
			cfg.Reasoner.LLM.BaseURL = ""
		}
	}
	return nil
}

var configValidate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.Mode == AuthStatic && len(c.Auth.Tokens) == 0 {
		return errors.New("invalid config: auth.mode static needs at least one token")
	}
	if c.Reasoner.Backend == ReasonerLLM {
		switch c.Reasoner.LLM.Backend {
		case llm.BackendOllama, llm.BackendLocal:
			if c.Reasoner.LLM.BaseURL == "" {
				return fmt.Errorf("invalid config: reasoner.llm.base_url is required for %s", c.Reasoner.LLM.Backend)
			}
		case llm.BackendOpenAI, llm.BackendAnthropic, llm.BackendClaude:
			if c.Reasoner.LLM.APIKey == "" {
				return fmt.Errorf("invalid config: an API key is required for %s", c.Reasoner.LLM.Backend)
			}
		default:
			return fmt.Errorf("invalid config: unknown llm backend %q", c.Reasoner.LLM.Backend)
		}
	}
	return nil
}
