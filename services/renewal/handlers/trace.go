// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/extensions"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/middleware"
)

// TraceReader looks up a recorded request trace.
type TraceReader interface {
	Get(ctx context.Context, requestID string) (*datatypes.Trace, bool)
}

// HandleGetTrace serves GET /v1/debug/trace/:request_id.
//
// Callers only see traces of their own tenant for vendors inside their
// scope. Anything else answers 404, the same as a missing trace.
func HandleGetTrace(traces TraceReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("request_id")
		if _, err := uuid.Parse(id); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request_id"})
			return
		}
		t, ok := traces.Get(c.Request.Context(), id)
		if !ok || !visible(middleware.GetAuthInfo(c), t) {
			c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func visible(caller *extensions.AuthInfo, t *datatypes.Trace) bool {
	if !caller.CanAccessVendor(t.VendorID) {
		return false
	}
	return t.TenantID == "" || t.TenantID == caller.TenantID
}
