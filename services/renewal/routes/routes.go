// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/extensions"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/llm"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/handlers"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/middleware"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/observability"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Runner   handlers.BriefRunner
	Ingester handlers.Ingester
	Traces   handlers.TraceReader
	Metrics  *observability.Metrics

	// LLM is nil when the heuristic reasoner is configured.
	LLM        llm.LLMClient
	LLMBackend string

	// DemoVendorID enables /v1/demo/renewal-brief when set.
	DemoVendorID string

	MaxUploadBytes int64
	RateLimiter    *middleware.TenantRateLimiter
}

// SetupRoutes registers every endpoint on router.
//
// /health and /metrics are unauthenticated. Everything under /v1 runs
// behind opts.AuthProvider; the brief, demo and ingest endpoints are also rate
// limited per tenant.
func SetupRoutes(router *gin.Engine, deps Deps, opts extensions.ServiceOptions) {
	opts = opts.Normalize()

	router.GET("/health", handlers.HandleHealth())
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(opts.AuthProvider))
	{
		limited := v1.Group("")
		limited.Use(middleware.RateLimitMiddleware(deps.RateLimiter))
		{
			limited.POST("/renewal-brief", handlers.HandleRenewalBrief(deps.Runner))
			limited.POST("/ingest", handlers.HandleIngest(deps.Ingester, deps.Metrics, deps.MaxUploadBytes))
			if deps.DemoVendorID != "" {
				limited.GET("/demo/renewal-brief", handlers.HandleDemoBrief(deps.Runner, deps.DemoVendorID))
			}
		}

		v1.GET("/llm/health", handlers.HandleLLMHealth(deps.LLM, deps.LLMBackend))
		v1.GET("/debug/trace/:request_id", handlers.HandleGetTrace(deps.Traces))
	}
}
