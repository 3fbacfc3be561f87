// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tracing

import (
	"context"
	"time"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/badgerdb"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

const tracePrefix = "trace/"

// DefaultTraceTTL is how long persisted traces are kept.
const DefaultTraceTTL = 7 * 24 * time.Hour

// BadgerSink persists traces in BadgerDB with a TTL.
type BadgerSink struct {
	db  *badgerdb.DB
	ttl time.Duration
}

// NewBadgerSink creates a sink. ttl <= 0 selects DefaultTraceTTL.
func NewBadgerSink(db *badgerdb.DB, ttl time.Duration) *BadgerSink {
	if ttl <= 0 {
		ttl = DefaultTraceTTL
	}
	return &BadgerSink{db: db, ttl: ttl}
}

// Save implements Sink.
func (s *BadgerSink) Save(ctx context.Context, t *datatypes.Trace) error {
	return s.db.PutJSON(ctx, tracePrefix+t.RequestID, t, s.ttl)
}

// Load implements Sink.
func (s *BadgerSink) Load(ctx context.Context, requestID string) (*datatypes.Trace, bool, error) {
	var t datatypes.Trace
	found, err := s.db.GetJSON(ctx, tracePrefix+requestID, &t)
	if err != nil || !found {
		return nil, false, err
	}
	return &t, true, nil
}

var _ Sink = (*BadgerSink)(nil)
