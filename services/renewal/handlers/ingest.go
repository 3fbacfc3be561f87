// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/ingest"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/middleware"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/observability"
)

var ingestTracer = otel.Tracer("renewal.handlers.ingest")

// Ingester stores and indexes uploads for a vendor.
type Ingester interface {
	Ingest(ctx context.Context, vendorID string, files []ingest.File) (*datatypes.IngestResponse, error)
}

// HandleIngest serves POST /v1/ingest.
//
// The multipart form carries vendor_id plus any number of file parts;
// the conventional part names are contract, invoices and usage. The
// whole body is capped at maxBytes.
func HandleIngest(ing Ingester, metrics *observability.Metrics, maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := ingestTracer.Start(c.Request.Context(), "HandleIngest")
		defer span.End()

		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Upload too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		form, err := c.MultipartForm()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid multipart body")
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Upload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart body"})
			return
		}

		vendorID := firstValue(form.Value["vendor_id"])
		if !datatypes.ValidVendorID(vendorID) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid vendor_id"})
			return
		}
		span.SetAttributes(attribute.String("vendor_id", vendorID))

		caller := middleware.GetAuthInfo(c)
		if caller == nil || !caller.CanAccessVendor(vendorID) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		files, err := readParts(form)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unreadable upload")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable upload"})
			return
		}
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No files uploaded"})
			return
		}
		span.SetAttributes(attribute.Int("files", len(files)))

		resp, err := ing.Ingest(ctx, vendorID, files)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "ingest failed")
			slog.Error("Ingest failed", "vendor_id", vendorID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Ingest failed"})
			return
		}
		for _, doc := range resp.Documents {
			metrics.Ingested(doc.Kind)
		}
		slog.Info("Ingested vendor documents",
			"vendor_id", vendorID,
			"documents", len(resp.Documents),
			"chunks", resp.Chunks,
			"unparsed", len(resp.Unparsed))
		c.JSON(http.StatusOK, resp)
	}
}

func firstValue(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// readParts reads every file part in stable part-name order.
func readParts(form *multipart.Form) ([]ingest.File, error) {
	names := make([]string, 0, len(form.File))
	for name := range form.File {
		names = append(names, name)
	}
	sort.Strings(names)

	var files []ingest.File
	for _, name := range names {
		for _, fh := range form.File[name] {
			content, err := readPart(fh)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
			}
			files = append(files, ingest.File{Name: fh.Filename, Content: content})
		}
	}
	return files, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
