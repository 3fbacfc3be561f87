// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"sync"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

type vendorFacts struct {
	terms    map[string]datatypes.TermFact
	invoices map[string]datatypes.InvoiceRow
	usage    map[string]datatypes.UsageRow
}

// MemoryFactStore keeps rows in process memory.
type MemoryFactStore struct {
	mu      sync.RWMutex
	vendors map[string]*vendorFacts
}

// NewMemoryFactStore creates an empty store.
func NewMemoryFactStore() *MemoryFactStore {
	return &MemoryFactStore{vendors: make(map[string]*vendorFacts)}
}

func termKey(t datatypes.TermFact) string { return t.Citation.Key() + "#" + t.Key }

// PutFacts implements FactStore.
func (s *MemoryFactStore) PutFacts(ctx context.Context, vendorID string, facts datatypes.Facts) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vendors[vendorID]
	if !ok {
		v = &vendorFacts{
			terms:    map[string]datatypes.TermFact{},
			invoices: map[string]datatypes.InvoiceRow{},
			usage:    map[string]datatypes.UsageRow{},
		}
		s.vendors[vendorID] = v
	}
	for _, t := range facts.Terms {
		v.terms[termKey(t)] = t
	}
	for _, r := range facts.Invoices {
		v.invoices[r.Citation.Key()] = r
	}
	for _, r := range facts.Usage {
		v.usage[r.Citation.Key()] = r
	}
	return nil
}

// QueryTerms implements FactStore.
func (s *MemoryFactStore) QueryTerms(ctx context.Context, vendorID string) ([]datatypes.TermFact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[vendorID]
	if !ok {
		return nil, nil
	}
	out := make([]datatypes.TermFact, 0, len(v.terms))
	for _, t := range v.terms {
		out = append(out, t)
	}
	sortTerms(out)
	return out, nil
}

// QueryInvoices implements FactStore.
func (s *MemoryFactStore) QueryInvoices(ctx context.Context, vendorID string) ([]datatypes.InvoiceRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[vendorID]
	if !ok {
		return nil, nil
	}
	out := make([]datatypes.InvoiceRow, 0, len(v.invoices))
	for _, r := range v.invoices {
		out = append(out, r)
	}
	sortInvoices(out)
	return out, nil
}

// QueryUsage implements FactStore.
func (s *MemoryFactStore) QueryUsage(ctx context.Context, vendorID string) ([]datatypes.UsageRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vendors[vendorID]
	if !ok {
		return nil, nil
	}
	out := make([]datatypes.UsageRow, 0, len(v.usage))
	for _, r := range v.usage {
		out = append(out, r)
	}
	sortUsage(out)
	return out, nil
}

var _ FactStore = (*MemoryFactStore)(nil)
