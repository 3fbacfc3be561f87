// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/badgerdb"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/logging"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func request(id string) *datatypes.Request {
	return &datatypes.Request{RequestID: id, VendorID: "acme", ArrivedAt: t0}
}

func TestRecorder_RecordsLifecycle(t *testing.T) {
	r := NewRecorder(10, logging.Discard(), WithClock(func() time.Time { return t0 }))
	r.Begin(request("req-1"), "v0", "rules-1")

	r.State("req-1", "planning")
	r.Plan("req-1", &datatypes.Plan{RequestID: "req-1", Subgoals: []*datatypes.Subgoal{{Name: datatypes.SubgoalTerms, Status: datatypes.SubgoalResolved}}})
	r.ToolCall("req-1", datatypes.ToolCall{Tool: "contract_search", Outcome: datatypes.ToolOutcomeOK, Results: 3})
	r.Retrieved("req-1", []datatypes.Citation{datatypes.NewCitation("msa", 1, 0, 10)})
	r.Validation("req-1", datatypes.ValidationRecord{Attempt: 1, Outcome: "accepted"})
	r.Injection("req-1", datatypes.InjectionRecord{Citation: datatypes.NewCitation("msa", 2, 0, 5), Rules: []string{"IGNORE_PREVIOUS"}})
	r.Event("req-1", "synthesis", "attempt complete", map[string]any{"tokens": 42})
	r.Finish(context.Background(), "req-1", datatypes.ResponseOK, datatypes.BudgetUsage{ToolCalls: 1}, nil)

	got, ok := r.Get(context.Background(), "req-1")
	require.True(t, ok)
	assert.Equal(t, "acme", got.VendorID)
	assert.Equal(t, "v0", got.PromptVersion)
	assert.Equal(t, "rules-1", got.PolicyVersion)
	assert.Equal(t, []string{"planning"}, got.States)
	assert.Len(t, got.ToolCalls, 1)
	assert.Len(t, got.Retrieved, 1)
	assert.Len(t, got.Validation, 1)
	assert.Len(t, got.Injections, 1)
	assert.Len(t, got.Events, 2)
	assert.Equal(t, datatypes.ResponseOK, got.Status)
	assert.Equal(t, t0, got.FinishedAt)
	assert.Equal(t, int64(1), got.Budget.ToolCalls)
	require.NotNil(t, got.Plan)
}

func TestRecorder_ReadersGetCopies(t *testing.T) {
	r := NewRecorder(10, logging.Discard())
	r.Begin(request("req-1"), "v0", "p")
	r.Event("req-1", "runner", "hello", map[string]any{"k": "v"})
	r.Plan("req-1", &datatypes.Plan{Subgoals: []*datatypes.Subgoal{{Name: datatypes.SubgoalTerms}}})

	first, _ := r.Get(context.Background(), "req-1")
	first.Events[0].Attrs["k"] = "changed"
	first.Plan.Subgoals[0].Status = datatypes.SubgoalFailed
	first.States = append(first.States, "bogus")

	second, _ := r.Get(context.Background(), "req-1")
	assert.Equal(t, "v", second.Events[0].Attrs["k"])
	assert.Empty(t, second.Plan.Subgoals[0].Status)
	assert.Empty(t, second.States)
}

func TestRecorder_FIFOEviction(t *testing.T) {
	r := NewRecorder(2, logging.Discard())
	for _, id := range []string{"a", "b", "c"} {
		r.Begin(request(id), "v0", "p")
	}

	_, ok := r.Get(context.Background(), "a")
	assert.False(t, ok, "oldest trace evicted")
	for _, id := range []string{"b", "c"} {
		_, ok := r.Get(context.Background(), id)
		assert.True(t, ok, id)
	}
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, int64(1), r.Evicted())

	// Appends to an evicted trace are dropped silently.
	r.Event("a", "runner", "late", nil)
	assert.Equal(t, 2, r.Len())
}

func TestRecorder_IgnoresAppendsAfterFinish(t *testing.T) {
	r := NewRecorder(4, logging.Discard())
	r.Begin(request("req-1"), "v0", "p")
	r.Finish(context.Background(), "req-1", datatypes.ResponseBudgetExhausted, datatypes.BudgetUsage{}, nil)

	r.State("req-1", "synthesizing")
	r.ToolCall("req-1", datatypes.ToolCall{Tool: "usage_summary"})
	r.Finish(context.Background(), "req-1", datatypes.ResponseOK, datatypes.BudgetUsage{}, nil)

	got, ok := r.Get(context.Background(), "req-1")
	require.True(t, ok)
	assert.Empty(t, got.States)
	assert.Empty(t, got.ToolCalls)
	assert.Equal(t, datatypes.ResponseBudgetExhausted, got.Status)
}

func TestRecorder_DuplicateBeginKeepsFirst(t *testing.T) {
	r := NewRecorder(4, logging.Discard())
	r.Begin(request("req-1"), "v0", "p")
	r.State("req-1", "planning")
	r.Begin(request("req-1"), "v1", "p")

	got, _ := r.Get(context.Background(), "req-1")
	assert.Equal(t, "v0", got.PromptVersion)
	assert.Equal(t, []string{"planning"}, got.States)
	assert.Equal(t, 1, r.Len())
}

func TestRecorder_ConcurrentAppends(t *testing.T) {
	r := NewRecorder(DefaultCapacity, logging.Discard())
	r.Begin(request("req-1"), "v0", "p")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.ToolCall("req-1", datatypes.ToolCall{Tool: fmt.Sprintf("t%d", i)})
			_, _ = r.Get(context.Background(), "req-1")
		}(i)
	}
	wg.Wait()

	got, _ := r.Get(context.Background(), "req-1")
	assert.Len(t, got.ToolCalls, 50)
}

func TestRecorder_BadgerSinkSurvivesEviction(t *testing.T) {
	db, err := badgerdb.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sink := NewBadgerSink(db, time.Hour)
	r := NewRecorder(1, logging.Discard(), WithSink(sink))

	r.Begin(request("req-1"), "v0", "p")
	r.State("req-1", "done")
	r.Finish(context.Background(), "req-1", datatypes.ResponseOK, datatypes.BudgetUsage{Tokens: 10}, []datatypes.FieldDiagnostic{
		{Field: datatypes.FieldPricing, Reason: datatypes.ReasonInsufficientEvidence},
	})
	r.Begin(request("req-2"), "v0", "p")

	got, ok := r.Get(context.Background(), "req-1")
	require.True(t, ok, "evicted trace loads from the sink")
	assert.Equal(t, []string{"done"}, got.States)
	assert.Equal(t, int64(10), got.Budget.Tokens)
	require.Len(t, got.Diagnostics, 1)

	// A fresh recorder over the same sink still finds it.
	restarted := NewRecorder(1, logging.Discard(), WithSink(sink))
	_, ok = restarted.Get(context.Background(), "req-1")
	assert.True(t, ok)

	_, ok = restarted.Get(context.Background(), "missing")
	assert.False(t, ok)
}
