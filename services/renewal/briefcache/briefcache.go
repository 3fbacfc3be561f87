// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package briefcache stores finished briefs keyed by everything that can
// change their content.
//
// A key covers the vendor, the content hashes of every stored document,
// the prompt version, the injection policy version and the reasoner.
// Ingesting a new file changes the hashes and therefore the key, so the
// cache never needs explicit invalidation; stale entries expire by TTL.
package briefcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/pkg/badgerdb"
	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

const keyPrefix = "brief/"

// DefaultTTL is how long a cached brief is served.
const DefaultTTL = 24 * time.Hour

// Key identifies a brief.
type Key struct {
	TenantID      string   `json:"tenant_id"`
	VendorID      string   `json:"vendor_id"`
	ContentHashes []string `json:"content_hashes"`
	PromptVersion string   `json:"prompt_version"`
	PolicyVersion string   `json:"policy_version"`
	Reasoner      string   `json:"reasoner"`
}

// NewKey builds a key from the vendor's stored documents. Hash order does
// not matter.
func NewKey(tenantID, vendorID string, docs []datatypes.DocumentInfo, promptVersion, policyVersion, reasoner string) Key {
	hashes := make([]string, 0, len(docs))
	for _, d := range docs {
		hashes = append(hashes, d.ContentHash)
	}
	slices.Sort(hashes)
	return Key{
		TenantID:      tenantID,
		VendorID:      vendorID,
		ContentHashes: hashes,
		PromptVersion: promptVersion,
		PolicyVersion: policyVersion,
		Reasoner:      reasoner,
	}
}

// Digest is the hex SHA-256 of the key's RFC 8785 canonical JSON.
func (k Key) Digest() (string, error) {
	if k.ContentHashes == nil {
		k.ContentHashes = []string{}
	}
	raw, err := json.Marshal(k)
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize cache key: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Cache keeps briefs in BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use.
type Cache struct {
	db  *badgerdb.DB
	ttl time.Duration
}

// New creates a cache. ttl <= 0 selects DefaultTTL.
func New(db *badgerdb.DB, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{db: db, ttl: ttl}
}

// Get returns the cached response for key, marked Cached.
func (c *Cache) Get(ctx context.Context, key Key) (*datatypes.BriefResponse, bool, error) {
	digest, err := key.Digest()
	if err != nil {
		return nil, false, err
	}
	var resp datatypes.BriefResponse
	found, err := c.db.GetJSON(ctx, keyPrefix+digest, &resp)
	if err != nil || !found {
		return nil, false, err
	}
	resp.Cached = true
	return &resp, true, nil
}

// Put stores resp under key. Only ok responses are worth caching; the
// caller decides.
func (c *Cache) Put(ctx context.Context, key Key, resp *datatypes.BriefResponse) error {
	digest, err := key.Digest()
	if err != nil {
		return err
	}
	return c.db.PutJSON(ctx, keyPrefix+digest, resp, c.ttl)
}
