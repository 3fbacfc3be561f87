// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package renewal assembles the renewal brief service.
//
// New wires storage, retrieval, sanitization, synthesis, validation, the
// agent runner and the HTTP surface from a config.Config. Every backend has
// an offline default, so a zero-dependency deployment is:
//
//	cfg := config.DefaultConfig()
//	svc, err := renewal.New(context.Background(), cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// Embedders inject authentication, authorization and audit through
// extensions.ServiceOptions; a nil opts uses the config's auth mode.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/badgerdb"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/extensions"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/llm"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/policy_engine"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/agent"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/briefcache"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/budget"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/config"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/gateway"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/ingest"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/middleware"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/observability"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/retrieval"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/routes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/samples"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/sanitize"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/store"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/synthesis"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/tracing"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/validation"
)

const serviceName = "renewal-desk"

// Service is a running renewal brief service.
//
// # Description
//
// Run serves HTTP until Shutdown. Runner and Ingester expose the in-process
// pipeline for the CLI and the eval harness.
//
// # Thread Safety
//
// Safe for concurrent use after New returns. Run is called at most once.
type Service interface {
	Run() error
	Shutdown(ctx context.Context) error
	Router() *gin.Engine
	Runner() *agent.Runner
	Ingester() *ingest.Pipeline
}

type service struct {
	cfg    config.Config
	opts   extensions.ServiceOptions
	logger *slog.Logger

	db        *badgerdb.DB
	gcs       *store.GCSDocumentStore
	llmClient llm.LLMClient
	runner    *agent.Runner
	pipeline  *ingest.Pipeline
	router    *gin.Engine
	server    *http.Server

	telemetryShutdown func(context.Context) error
	stopWatch         context.CancelFunc
	cleanupOnce       sync.Once
}

var _ Service = (*service)(nil)

// New builds the service. The context bounds startup work such as schema
// creation and demo seeding; it is not retained.
func New(ctx context.Context, cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	s := &service{
		cfg:    applyConfigDefaults(cfg),
		logger: slog.Default().With("service", serviceName),
	}

	var err error
	if s.opts, err = s.initOptions(opts); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	if s.telemetryShutdown, err = observability.Init(ctx, s.cfg.Telemetry, reg); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	if err := s.initDatabase(); err != nil {
		s.cleanup()
		return nil, err
	}
	docs, err := s.initDocuments(ctx)
	if err != nil {
		s.cleanup()
		return nil, err
	}
	facts := store.NewBadgerFactStore(s.db)
	index := s.initIndex(ctx)

	policyEngine, err := policy_engine.NewPolicyEngine()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	sanitizer, err := s.initSanitizer()
	if err != nil {
		s.cleanup()
		return nil, err
	}

	reasoner, fallback, err := s.initReasoner()
	if err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize reasoner: %w", err)
	}

	gw := gateway.New(index, facts, s.opts, s.logger)
	router := retrieval.NewRouter(gw, s.cfg.Synthesis.Backoff, s.cfg.Storage.TopK)
	validator := validation.New(s.cfg.Reasoner.MaxAttempts, sanitizer, s.logger)

	var draftClient llm.LLMClient
	if s.cfg.Reasoner.LLMDraft {
		draftClient = s.llmClient
	}

	components := agent.Components{
		Router:      router,
		Sanitizer:   sanitizer,
		Synthesizer: synthesis.New(reasoner, fallback, s.cfg.Synthesis, s.logger).WithMetrics(metrics),
		Validator:   validator,
		Drafter:     synthesis.NewDrafter(draftClient, validator, s.cfg.Synthesis, s.logger),
		Authz:       s.opts.AuthzProvider,
		Budgets:     s.cfg.Budget.Policy,
		Policy:      policyEngine,
		Docs:        docs,
		Recorder:    s.initRecorder(),
		Metrics:     metrics,
	}
	if s.cfg.Budget.DailyBudgetUSD > 0 {
		components.Ledger = budget.NewDailyLedger(s.cfg.Budget.DailyBudgetUSD, time.Now)
	}
	if s.cfg.Cache.Enabled {
		components.Cache = briefcache.New(s.db, s.cfg.Cache.TTL)
	}

	if s.runner, err = agent.New(components, s.cfg.Agent, s.logger); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize agent runner: %w", err)
	}
	s.pipeline = ingest.NewPipeline(docs, facts, index, policyEngine, s.logger)

	if s.cfg.Server.DemoEnabled {
		if err := s.seedDemo(ctx); err != nil {
			s.cleanup()
			return nil, err
		}
	}

	s.initRouter(metrics)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves HTTP and blocks until Shutdown or a listener error.
func (s *service) Run() error {
	s.logger.Info("Starting renewal brief server", "port", s.cfg.Server.Port)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and then
// releases every resource.
func (s *service) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.cleanup()
	return err
}

func (s *service) Router() *gin.Engine { return s.router }

func (s *service) Runner() *agent.Runner { return s.runner }

func (s *service) Ingester() *ingest.Pipeline { return s.pipeline }

// applyConfigDefaults fills zero values left by callers that build a
// Config by hand instead of through config.Load.
func applyConfigDefaults(cfg config.Config) config.Config {
	d := config.DefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = d.Server.MaxUploadBytes
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = config.AuthNone
	}
	if cfg.Budget.Default == (budget.Limits{}) {
		cfg.Budget.Default = d.Budget.Default
	}
	if cfg.Reasoner.Backend == "" {
		cfg.Reasoner.Backend = config.ReasonerHeuristic
	}
	if cfg.Reasoner.MaxAttempts == 0 {
		cfg.Reasoner.MaxAttempts = d.Reasoner.MaxAttempts
	}
	if cfg.Synthesis.MaxOutputTokens == 0 {
		cfg.Synthesis = d.Synthesis
	}
	if cfg.Storage.DocsRoot == "" && cfg.Storage.GCSBucket == "" {
		cfg.Storage.DocsRoot = d.Storage.DocsRoot
	}
	if cfg.Storage.TopK == 0 {
		cfg.Storage.TopK = d.Storage.TopK
	}
	if cfg.Trace.Capacity == 0 {
		cfg.Trace.Capacity = d.Trace.Capacity
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry = d.Telemetry
	}
	return cfg
}

func (s *service) initOptions(opts *extensions.ServiceOptions) (extensions.ServiceOptions, error) {
	if opts != nil {
		return opts.Normalize(), nil
	}
	out := extensions.DefaultOptions().WithAudit(extensions.NewSlogAuditLogger(s.logger))
	if s.cfg.Auth.Mode != config.AuthStatic {
		return out, nil
	}
	if len(s.cfg.Auth.Tokens) == 0 {
		return out, errors.New("static auth requires at least one token")
	}
	tokens := make(map[string]extensions.AuthInfo, len(s.cfg.Auth.Tokens))
	for _, t := range s.cfg.Auth.Tokens {
		tokens[t.Token] = extensions.AuthInfo{
			UserID:       t.UserID,
			TenantID:     t.TenantID,
			Email:        t.Email,
			Roles:        t.Roles,
			VendorScopes: t.VendorScopes,
		}
	}
	return out.WithAuth(extensions.NewStaticTokenAuthProvider(tokens)), nil
}

// initDatabase opens BadgerDB under DataDir, or in memory when it is empty.
func (s *service) initDatabase() error {
	bcfg := badgerdb.InMemoryConfig()
	if s.cfg.Storage.DataDir != "" {
		bcfg = badgerdb.DefaultConfig()
		bcfg.Path = s.cfg.Storage.DataDir
	}
	bcfg.Logger = s.logger

	db, err := badgerdb.Open(bcfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db
	s.logger.Info("Database opened", "path", bcfg.Path, "in_memory", bcfg.InMemory)
	return nil
}

func (s *service) initDocuments(ctx context.Context) (store.DocumentStore, error) {
	st := s.cfg.Storage
	if st.GCSBucket != "" {
		gcs, err := store.NewGCSDocumentStore(ctx, st.GCSBucket, st.GCSPrefix, st.GCSCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GCS document store: %w", err)
		}
		s.gcs = gcs
		s.logger.Info("Using GCS document store", "bucket", st.GCSBucket, "prefix", st.GCSPrefix)
		return gcs, nil
	}
	local, err := store.NewLocalDocumentStore(st.DocsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize local document store: %w", err)
	}
	s.logger.Info("Using local document store", "root", st.DocsRoot)
	return local, nil
}

// initIndex connects Weaviate when configured. Connection or schema
// failures fall back to the in-process index.
func (s *service) initIndex(ctx context.Context) store.SearchIndex {
	url := s.cfg.Storage.WeaviateURL
	if url == "" {
		s.logger.Info("Weaviate URL not configured, using in-process index")
		return store.NewMemoryIndex()
	}
	client, err := store.NewWeaviateClient(url)
	if err != nil {
		s.logger.Warn("Weaviate initialization failed, using in-process index", "error", err)
		return store.NewMemoryIndex()
	}
	idx := store.NewWeaviateIndex(client, s.cfg.Storage.WeaviateAlpha, s.logger)
	schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := idx.EnsureSchema(schemaCtx); err != nil {
		s.logger.Warn("Weaviate schema check failed, using in-process index", "error", err)
		return store.NewMemoryIndex()
	}
	s.logger.Info("Weaviate index initialized", "url", url)
	return idx
}

// initSanitizer loads the rule override file, if any, and watches it.
func (s *service) initSanitizer() (*sanitize.Sanitizer, error) {
	path := s.cfg.Sanitizer.RulesPath
	if path == "" {
		return sanitize.New(policy_engine.DefaultInjectionRules(), s.logger), nil
	}
	rules, err := policy_engine.LoadInjectionRulesFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load injection rules: %w", err)
	}
	sanitizer := sanitize.New(rules, s.logger)

	watchCtx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel
	go func() {
		err := policy_engine.WatchInjectionRules(watchCtx, path, func(r *policy_engine.InjectionRules) {
			sanitizer.SetRules(r)
			s.logger.Info("Injection rules reloaded", "version", r.Version())
		}, s.logger)
		if err != nil {
			s.logger.Warn("Injection rule watcher stopped", "path", path, "error", err)
		}
	}()
	return sanitizer, nil
}

// initReasoner returns the primary reasoner and the fallback used when
// the primary stays unavailable.
func (s *service) initReasoner() (synthesis.Reasoner, synthesis.Reasoner, error) {
	heuristic := synthesis.NewHeuristicReasoner()
	if s.cfg.Reasoner.Backend != config.ReasonerLLM {
		s.logger.Info("Using heuristic reasoner")
		return heuristic, nil, nil
	}

	client, err := llm.NewClient(s.cfg.Reasoner.LLM)
	if err != nil {
		return nil, nil, err
	}
	s.llmClient = client
	s.logger.Info("Using LLM reasoner",
		"backend", s.cfg.Reasoner.LLM.Backend,
		"model", s.cfg.Reasoner.LLM.Model)

	var fallback synthesis.Reasoner
	if s.cfg.Reasoner.FallbackToHeuristic {
		fallback = heuristic
	}
	return synthesis.NewLLMReasoner(client, s.cfg.Reasoner.LLM.Backend), fallback, nil
}

func (s *service) initRecorder() *tracing.Recorder {
	var opts []tracing.Option
	if s.cfg.Trace.Persist {
		opts = append(opts, tracing.WithSink(tracing.NewBadgerSink(s.db, s.cfg.Trace.TTL)))
	}
	return tracing.NewRecorder(s.cfg.Trace.Capacity, s.logger, opts...)
}

func (s *service) seedDemo(ctx context.Context) error {
	files, err := samples.Files()
	if err != nil {
		return err
	}
	resp, err := s.pipeline.Ingest(ctx, samples.DemoVendorID, files)
	if err != nil {
		return fmt.Errorf("failed to seed demo vendor: %w", err)
	}
	s.logger.Info("Seeded demo vendor",
		"vendor_id", samples.DemoVendorID,
		"documents", len(resp.Documents),
		"chunks", resp.Chunks)
	return nil
}

func (s *service) initRouter(metrics *observability.Metrics) {
	if s.cfg.Server.GinMode != "" {
		gin.SetMode(s.cfg.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))

	deps := routes.Deps{
		Runner:         s.runner,
		Ingester:       s.pipeline,
		Traces:         s.runner.Recorder(),
		Metrics:        metrics,
		LLM:            s.llmClient,
		LLMBackend:     s.llmBackend(),
		MaxUploadBytes: s.cfg.Server.MaxUploadBytes,
		RateLimiter: middleware.NewTenantRateLimiter(
			s.cfg.Server.RateLimit.RequestsPerSecond,
			s.cfg.Server.RateLimit.Burst),
	}
	if s.cfg.Server.DemoEnabled {
		deps.DemoVendorID = samples.DemoVendorID
	}
	routes.SetupRoutes(s.router, deps, s.opts)
}

func (s *service) llmBackend() string {
	if s.cfg.Reasoner.Backend == config.ReasonerLLM {
		return s.cfg.Reasoner.LLM.Backend
	}
	return config.ReasonerHeuristic
}

// cleanup releases resources in reverse order of acquisition. Safe to
// call more than once.
func (s *service) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
		}
		if s.gcs != nil {
			if err := s.gcs.Close(); err != nil {
				s.logger.Warn("GCS client close error", "error", err)
			}
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				s.logger.Warn("Database close error", "error", err)
			}
		}
		if s.telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.telemetryShutdown(ctx); err != nil {
				s.logger.Warn("Telemetry shutdown error", "error", err)
			}
		}
	})
}
