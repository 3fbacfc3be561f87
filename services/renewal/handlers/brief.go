// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers of the renewal service.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/faults"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/middleware"
)

var briefTracer = otel.Tracer("renewal.handlers")

// BriefRunner produces a brief for one request.
type BriefRunner interface {
	Run(ctx context.Context, req *datatypes.Request) (*datatypes.BriefResponse, error)
}

// HTTPStatusFor maps a response status to the HTTP status code. Every
// status except temporarily_unavailable carries a complete brief.
func HTTPStatusFor(s datatypes.ResponseStatus) int {
	if s == datatypes.ResponseTemporarilyUnavailable {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// HandleRenewalBrief serves POST /v1/renewal-brief.
//
// # Description
//
// Binds and validates {vendor_id, refresh, reasoner}, runs the agent for
// the authenticated caller and writes the BriefResponse. Authorization
// failures return 403 and a reasoner the service does not run returns
// 400. Any other runner error returns a structured temporarily_unavailable
// body; error text never reaches the client.
func HandleRenewalBrief(runner BriefRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := briefTracer.Start(c.Request.Context(), "HandleRenewalBrief")
		defer span.End()

		var body datatypes.BriefRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid body")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := body.Validate(); err != nil {
			span.RecordError(err)
			msg := "Invalid vendor_id"
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Reasoner" {
				msg = "Unsupported reasoner"
			}
			span.SetStatus(codes.Error, msg)
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}
		serveBrief(ctx, c, span, runner, body.VendorID, body.Refresh, body.Reasoner)
	}
}

// HandleDemoBrief serves GET /v1/demo/renewal-brief for the bundled
// sample vendor. ?refresh=true bypasses the cache.
func HandleDemoBrief(runner BriefRunner, vendorID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := briefTracer.Start(c.Request.Context(), "HandleDemoBrief")
		defer span.End()
		serveBrief(ctx, c, span, runner, vendorID, c.Query("refresh") == "true", "")
	}
}

func serveBrief(ctx context.Context, c *gin.Context, span trace.Span, runner BriefRunner, vendorID string, refresh bool, reasoner string) {
	caller := middleware.GetAuthInfo(c)
	req := datatypes.NewRequest(vendorID, refresh, caller, time.Now())
	if reasoner != "" {
		req = req.WithReasoner(reasoner)
	}
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("vendor_id", vendorID),
		attribute.Bool("refresh", refresh),
		attribute.String("reasoner", reasoner),
	)

	resp, err := runner.Run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(faults.KindOf(err)))
		if faults.Is(err, faults.KindUnauthorized) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "request_id": req.RequestID})
			return
		}
		if faults.CodeOf(err) == "unsupported_reasoner" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported reasoner", "request_id": req.RequestID})
			return
		}
		slog.Error("Brief request failed", "request_id", req.RequestID, "vendor_id", vendorID, "error", err)
		c.JSON(http.StatusServiceUnavailable, &datatypes.BriefResponse{
			Status:      datatypes.ResponseTemporarilyUnavailable,
			RequestID:   req.RequestID,
			VendorID:    vendorID,
			Brief:       datatypes.NewUnknownBrief(vendorID, datatypes.ReasonUpstreamUnavailable),
			Diagnostics: []datatypes.FieldDiagnostic{},
			GeneratedAt: time.Now().UTC(),
		})
		return
	}

	span.SetAttributes(
		attribute.String("status", string(resp.Status)),
		attribute.Bool("cached", resp.Cached),
		attribute.Int("attempts", resp.Attempts),
	)
	c.JSON(HTTPStatusFor(resp.Status), resp)
}
