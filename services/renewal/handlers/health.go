// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/llm"
)

// llmHealthTimeout bounds one reachability probe.
const llmHealthTimeout = 5 * time.Second

// HandleHealth serves GET /health.
func HandleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleLLMHealth serves GET /v1/llm/health.
//
// With no client configured the heuristic reasoner is in use and the
// endpoint reports ok. Clients that cannot probe without spending tokens
// report "unchecked".
func HandleLLMHealth(client llm.LLMClient, backend string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if client == nil {
			c.JSON(http.StatusOK, gin.H{"backend": backend, "status": "ok"})
			return
		}
		checker, ok := client.(llm.HealthChecker)
		if !ok {
			c.JSON(http.StatusOK, gin.H{"backend": backend, "status": "unchecked"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), llmHealthTimeout)
		defer cancel()
		start := time.Now()
		if err := checker.Health(ctx); err != nil {
			slog.Warn("LLM health check failed", "backend", backend, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"backend": backend, "status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"backend":    backend,
			"status":     "ok",
			"latency_ms": time.Since(start).Milliseconds(),
		})
	}
}
