// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tracing keeps the debug record of every brief request.
//
// Traces live in a process-wide bounded buffer (hot tier) and are
// optionally written through to a Sink (cold tier) when the request
// finishes, so /v1/debug/trace keeps working after eviction or restart.
// Recording never influences control flow: every method tolerates
// unknown request ids.
package tracing

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/ringbuffer"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// DefaultCapacity is the number of traces held in memory.
const DefaultCapacity = 200

// Sink persists finished traces.
type Sink interface {
	Save(ctx context.Context, t *datatypes.Trace) error
	Load(ctx context.Context, requestID string) (*datatypes.Trace, bool, error)
}

type entry struct {
	trace    *datatypes.Trace
	finished bool
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithSink writes finished traces through to s.
func WithSink(s Sink) Option {
	return func(r *Recorder) { r.sink = s }
}

// WithClock injects the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is the process-wide trace store.
//
// # Description
//
// A ring buffer of request ids gives FIFO eviction; the index maps ids to
// traces. Both change under one writer lock so they never disagree.
// Readers always receive deep copies.
//
// # Thread Safety
//
// Safe for concurrent use.
type Recorder struct {
	mu     sync.RWMutex
	order  *ringbuffer.Buffer[string]
	index  map[string]*entry
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder creates a recorder holding at most capacity traces.
// capacity below 1 selects DefaultCapacity.
func NewRecorder(capacity int, logger *slog.Logger, opts ...Option) *Recorder {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		order:  ringbuffer.New[string](capacity),
		index:  make(map[string]*entry, capacity),
		now:    time.Now,
		logger: logger.With("component", "trace_recorder"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Begin opens the trace of a request, evicting the oldest trace if the
// buffer is full.
func (r *Recorder) Begin(req *datatypes.Request, promptVersion, policyVersion string) {
	t := &datatypes.Trace{
		RequestID:     req.RequestID,
		VendorID:      req.VendorID,
		TenantID:      req.TenantID(),
		PromptVersion: promptVersion,
		PolicyVersion: policyVersion,
		StartedAt:     req.ArrivedAt,
		States:        []string{},
		Events:        []datatypes.TraceEvent{},
		ToolCalls:     []datatypes.ToolCall{},
		Retrieved:     []datatypes.Citation{},
		Validation:    []datatypes.ValidationRecord{},
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[req.RequestID]; exists {
		return
	}
	if evicted, ok := r.order.Push(req.RequestID); ok {
		delete(r.index, evicted)
	}
	r.index[req.RequestID] = &entry{trace: t}
}

// update applies fn to an open trace. Finished and unknown traces are
// left alone.
func (r *Recorder) update(requestID string, fn func(t *datatypes.Trace)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.index[requestID]
	if !ok || e.finished {
		return
	}
	fn(e.trace)
}

// State appends a runner state transition and a matching event.
func (r *Recorder) State(requestID, state string) {
	at := r.now()
	r.update(requestID, func(t *datatypes.Trace) {
		t.States = append(t.States, state)
		t.Events = append(t.Events, datatypes.TraceEvent{At: at, Stage: "runner", Message: "state " + state})
	})
}

// Event appends a free-form event.
func (r *Recorder) Event(requestID, stage, message string, attrs map[string]any) {
	at := r.now()
	attrs = maps.Clone(attrs)
	r.update(requestID, func(t *datatypes.Trace) {
		t.Events = append(t.Events, datatypes.TraceEvent{At: at, Stage: stage, Message: message, Attrs: attrs})
	})
}

// ToolCall appends a gateway audit entry.
func (r *Recorder) ToolCall(requestID string, call datatypes.ToolCall) {
	r.update(requestID, func(t *datatypes.Trace) {
		t.ToolCalls = append(t.ToolCalls, call)
	})
}

// Retrieved records the request's citation set.
func (r *Recorder) Retrieved(requestID string, cites []datatypes.Citation) {
	cites = append([]datatypes.Citation(nil), cites...)
	r.update(requestID, func(t *datatypes.Trace) {
		t.Retrieved = cites
	})
}

// Plan stores a copy of the plan as it stands.
func (r *Recorder) Plan(requestID string, plan *datatypes.Plan) {
	if plan == nil {
		return
	}
	cp := plan.Clone()
	r.update(requestID, func(t *datatypes.Trace) {
		t.Plan = cp
	})
}

// Validation appends one validator pass.
func (r *Recorder) Validation(requestID string, rec datatypes.ValidationRecord) {
	rec.Failures = append([]datatypes.FieldDiagnostic(nil), rec.Failures...)
	r.update(requestID, func(t *datatypes.Trace) {
		t.Validation = append(t.Validation, rec)
	})
}

// Injection notes a snippet that carried directives.
func (r *Recorder) Injection(requestID string, rec datatypes.InjectionRecord) {
	rec.Rules = append([]string(nil), rec.Rules...)
	r.update(requestID, func(t *datatypes.Trace) {
		t.Injections = append(t.Injections, rec)
	})
}

// Finish closes the trace and writes it through to the sink. Later
// appends for the same request are ignored.
func (r *Recorder) Finish(ctx context.Context, requestID string, status datatypes.ResponseStatus, usage datatypes.BudgetUsage, diagnostics []datatypes.FieldDiagnostic) {
	var snapshot *datatypes.Trace
	at := r.now()

	r.mu.Lock()
	if e, ok := r.index[requestID]; ok && !e.finished {
		e.finished = true
		e.trace.FinishedAt = at
		e.trace.Status = status
		e.trace.Budget = usage
		e.trace.Diagnostics = append([]datatypes.FieldDiagnostic(nil), diagnostics...)
		snapshot = clone(e.trace)
	}
	r.mu.Unlock()

	if snapshot == nil || r.sink == nil {
		return
	}
	if err := r.sink.Save(ctx, snapshot); err != nil {
		r.logger.Warn("Failed to persist trace", "request_id", requestID, "error", err)
	}
}

// Get returns a copy of the trace, falling back to the sink for evicted
// or pre-restart requests.
func (r *Recorder) Get(ctx context.Context, requestID string) (*datatypes.Trace, bool) {
	r.mu.RLock()
	e, ok := r.index[requestID]
	var cp *datatypes.Trace
	if ok {
		cp = clone(e.trace)
	}
	r.mu.RUnlock()
	if ok {
		return cp, true
	}

	if r.sink == nil {
		return nil, false
	}
	t, found, err := r.sink.Load(ctx, requestID)
	if err != nil {
		r.logger.Warn("Failed to load persisted trace", "request_id", requestID, "error", err)
		return nil, false
	}
	return t, found
}

// Len returns the number of traces in memory.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order.Len()
}

// Evicted returns how many traces have left memory.
func (r *Recorder) Evicted() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order.Evicted()
}

// clone deep-copies t. Event attribute values are scalars and are shared.
func clone(t *datatypes.Trace) *datatypes.Trace {
	cp := *t
	cp.States = append([]string{}, t.States...)
	cp.ToolCalls = append([]datatypes.ToolCall{}, t.ToolCalls...)
	cp.Retrieved = append([]datatypes.Citation{}, t.Retrieved...)
	cp.Diagnostics = append([]datatypes.FieldDiagnostic(nil), t.Diagnostics...)

	cp.Events = make([]datatypes.TraceEvent, len(t.Events))
	for i, ev := range t.Events {
		ev.Attrs = maps.Clone(ev.Attrs)
		cp.Events[i] = ev
	}
	cp.Validation = make([]datatypes.ValidationRecord, len(t.Validation))
	for i, v := range t.Validation {
		v.Failures = append([]datatypes.FieldDiagnostic(nil), v.Failures...)
		cp.Validation[i] = v
	}
	if t.Injections != nil {
		cp.Injections = make([]datatypes.InjectionRecord, len(t.Injections))
		for i, in := range t.Injections {
			in.Rules = append([]string(nil), in.Rules...)
			cp.Injections[i] = in
		}
	}
	if t.Plan != nil {
		cp.Plan = t.Plan.Clone()
	}
	return &cp
}
