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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

const manifestName = "manifest.json"

// manifest maps doc id to metadata for one vendor.
type manifest map[string]datatypes.DocumentInfo

func (m manifest) sorted() []datatypes.DocumentInfo {
	out := make([]datatypes.DocumentInfo, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// LocalDocumentStore keeps files under root/<vendor>/<doc_id>/<name> with a
// manifest.json per vendor.
//
// # Thread Safety
//
// Safe for concurrent use within one process.
type LocalDocumentStore struct {
	root string
	now  func() time.Time
	mu   sync.Mutex
}

// NewLocalDocumentStore creates root if needed.
func NewLocalDocumentStore(root string) (*LocalDocumentStore, error) {
	if root == "" {
		return nil, errors.New("document store root is required")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create document root: %w", err)
	}
	return &LocalDocumentStore{root: root, now: time.Now}, nil
}

func safeSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("invalid path segment %q", s)
	}
	return nil
}

func (s *LocalDocumentStore) vendorDir(vendorID string) (string, error) {
	if err := safeSegment(vendorID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, vendorID), nil
}

func (s *LocalDocumentStore) loadManifest(dir string) (manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m := manifest{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Put implements DocumentStore.
func (s *LocalDocumentStore) Put(ctx context.Context, vendorID, name, kind string, content []byte) (datatypes.DocumentInfo, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.DocumentInfo{}, err
	}
	dir, err := s.vendorDir(vendorID)
	if err != nil {
		return datatypes.DocumentInfo{}, err
	}
	name = filepath.Base(name)
	if err := safeSegment(name); err != nil {
		return datatypes.DocumentInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadManifest(dir)
	if err != nil {
		return datatypes.DocumentInfo{}, err
	}
	docID := DocID(kind, content)
	if existing, ok := m[docID]; ok {
		return existing, nil
	}

	docDir := filepath.Join(dir, docID)
	if err := os.MkdirAll(docDir, 0750); err != nil {
		return datatypes.DocumentInfo{}, fmt.Errorf("create document dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(docDir, name), content, 0640); err != nil {
		return datatypes.DocumentInfo{}, fmt.Errorf("write document: %w", err)
	}

	info := datatypes.DocumentInfo{
		DocID:       docID,
		VendorID:    vendorID,
		Kind:        kind,
		Name:        name,
		ContentHash: ContentHash(content),
		Size:        int64(len(content)),
		StoredAt:    s.now().UTC(),
	}
	m[docID] = info

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return datatypes.DocumentInfo{}, fmt.Errorf("encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return datatypes.DocumentInfo{}, fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestName)); err != nil {
		return datatypes.DocumentInfo{}, fmt.Errorf("replace manifest: %w", err)
	}
	return info, nil
}

// Get implements DocumentStore.
func (s *LocalDocumentStore) Get(ctx context.Context, vendorID, docID string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.vendorDir(vendorID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	m, err := s.loadManifest(dir)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	info, ok := m[docID]
	if !ok {
		return nil, fmt.Errorf("document %s/%s: %w", vendorID, docID, ErrNotFound)
	}
	content, err := os.ReadFile(filepath.Join(dir, docID, info.Name))
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", docID, err)
	}
	return &Document{Info: info, Content: content}, nil
}

// List implements DocumentStore.
func (s *LocalDocumentStore) List(ctx context.Context, vendorID string) ([]datatypes.DocumentInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.vendorDir(vendorID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadManifest(dir)
	if err != nil {
		return nil, err
	}
	return m.sorted(), nil
}

var _ DocumentStore = (*LocalDocumentStore)(nil)
