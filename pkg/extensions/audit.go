// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AuditEvent records one security-relevant action.
//
// Event types used by the renewal desk:
//   - "tool.invoke": a gateway tool call (success, denied, failed)
//   - "authz.denied": a scope check failed
//   - "brief.generate": a brief response was returned
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "tool.invoke",
//	    Timestamp:    time.Now().UTC(),
//	    UserID:       caller.UserID,
//	    Action:       "invoice_summary",
//	    ResourceType: "vendor",
//	    ResourceID:   "acme",
//	    Outcome:      "success",
//	    Metadata:     map[string]any{"request_id": id, "latency_ms": 12},
//	}
type AuditEvent struct {
	EventType    string
	Timestamp    time.Time
	UserID       string
	TenantID     string
	Action       string
	ResourceType string
	ResourceID   string

	// Outcome is one of "success", "denied", "failure".
	Outcome  string
	Metadata map[string]any
}

// AuditFilter selects events in Query. Zero-valued fields match anything.
type AuditFilter struct {
	EventTypes []string
	UserID     string
	ResourceID string
	Outcome    string
	Limit      int
}

func (f AuditFilter) matches(e AuditEvent) bool {
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && f.UserID != e.UserID {
		return false
	}
	if f.ResourceID != "" && f.ResourceID != e.ResourceID {
		return false
	}
	if f.Outcome != "" && f.Outcome != e.Outcome {
		return false
	}
	return true
}

// AuditLogger records audit events.
//
// Log must not block the request path for long; implementations that
// ship events remotely should buffer and drain in Flush.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

func (l *NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

func (l *NopAuditLogger) Flush(context.Context) error { return nil }

// MemoryAuditLogger keeps events in process memory.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// NewMemoryAuditLogger creates an empty logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

// Log appends event, stamping it with the current time if unset.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
	return nil
}

// Query returns matching events in insertion order.
func (l *MemoryAuditLogger) Query(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []AuditEvent{}
	for _, e := range l.events {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Flush is a no-op.
func (l *MemoryAuditLogger) Flush(context.Context) error { return nil }

// SlogAuditLogger writes each event as a structured log record at INFO.
// Query is not supported and returns an empty result.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger wraps logger. A nil logger uses slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With("component", "audit")}
}

func (l *SlogAuditLogger) Log(ctx context.Context, e AuditEvent) error {
	l.logger.InfoContext(ctx, "Audit event",
		"event_type", e.EventType,
		"user_id", e.UserID,
		"tenant_id", e.TenantID,
		"action", e.Action,
		"resource_type", e.ResourceType,
		"resource_id", e.ResourceID,
		"outcome", e.Outcome,
		"metadata", e.Metadata,
	)
	return nil
}

func (l *SlogAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

func (l *SlogAuditLogger) Flush(context.Context) error { return nil }

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
