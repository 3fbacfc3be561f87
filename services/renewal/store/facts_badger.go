// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/badgerdb"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// BadgerFactStore persists rows in BadgerDB under
// facts/<vendor>/<collection>/<citation key>.
type BadgerFactStore struct {
	db *badgerdb.DB
}

// NewBadgerFactStore wraps an open database. The caller owns db.
func NewBadgerFactStore(db *badgerdb.DB) *BadgerFactStore {
	return &BadgerFactStore{db: db}
}

func factKey(vendorID string, c datatypes.Collection, id string) string {
	return fmt.Sprintf("facts/%s/%s/%s", vendorID, c, id)
}

func factPrefix(vendorID string, c datatypes.Collection) string {
	return fmt.Sprintf("facts/%s/%s/", vendorID, c)
}

// PutFacts implements FactStore.
func (s *BadgerFactStore) PutFacts(ctx context.Context, vendorID string, facts datatypes.Facts) error {
	values := make(map[string]any, len(facts.Terms)+len(facts.Invoices)+len(facts.Usage))
	for _, t := range facts.Terms {
		values[factKey(vendorID, datatypes.CollectionTerms, termKey(t))] = t
	}
	for _, r := range facts.Invoices {
		values[factKey(vendorID, datatypes.CollectionInvoices, r.Citation.Key())] = r
	}
	for _, r := range facts.Usage {
		values[factKey(vendorID, datatypes.CollectionUsage, r.Citation.Key())] = r
	}
	if len(values) == 0 {
		return nil
	}
	if err := s.db.PutManyJSON(ctx, values); err != nil {
		return fmt.Errorf("store facts for %s: %w", vendorID, err)
	}
	return nil
}

func scanRows[T any](ctx context.Context, db *badgerdb.DB, prefix string) ([]T, error) {
	var out []T
	err := db.ScanPrefix(ctx, prefix, func(_ string, val []byte) error {
		var row T
		if err := json.Unmarshal(val, &row); err != nil {
			return err
		}
		out = append(out, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}

// QueryTerms implements FactStore.
func (s *BadgerFactStore) QueryTerms(ctx context.Context, vendorID string) ([]datatypes.TermFact, error) {
	rows, err := scanRows[datatypes.TermFact](ctx, s.db, factPrefix(vendorID, datatypes.CollectionTerms))
	if err != nil {
		return nil, err
	}
	sortTerms(rows)
	return rows, nil
}

// QueryInvoices implements FactStore.
func (s *BadgerFactStore) QueryInvoices(ctx context.Context, vendorID string) ([]datatypes.InvoiceRow, error) {
	rows, err := scanRows[datatypes.InvoiceRow](ctx, s.db, factPrefix(vendorID, datatypes.CollectionInvoices))
	if err != nil {
		return nil, err
	}
	sortInvoices(rows)
	return rows, nil
}

// QueryUsage implements FactStore.
func (s *BadgerFactStore) QueryUsage(ctx context.Context, vendorID string) ([]datatypes.UsageRow, error) {
	rows, err := scanRows[datatypes.UsageRow](ctx, s.db, factPrefix(vendorID, datatypes.CollectionUsage))
	if err != nil {
		return nil, err
	}
	sortUsage(rows)
	return rows, nil
}

var _ FactStore = (*BadgerFactStore)(nil)
