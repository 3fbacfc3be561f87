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
	"io"
	"os"
	"path"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/ahmedbadawy4/llm-renewal-desk-agent/services/renewal/datatypes"
)

// GCSDocumentStore keeps files in a bucket under
// <prefix>/<vendor>/<doc_id>/<name> with <prefix>/<vendor>/manifest.json.
//
// The manifest is read-modify-written under a process-local lock, so a
// single writer process per bucket prefix is assumed.
type GCSDocumentStore struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
	mu     sync.Mutex
}

// NewGCSDocumentStore creates a client. An empty credentialsFile uses
// application default credentials.
func NewGCSDocumentStore(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSDocumentStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSDocumentStore{client: client, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

// Close releases the client.
func (s *GCSDocumentStore) Close() error { return s.client.Close() }

func (s *GCSDocumentStore) object(parts ...string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path.Join(append([]string{s.prefix}, parts...)...))
}

func (s *GCSDocumentStore) readManifest(ctx context.Context, vendorID string) (manifest, error) {
	if err := safeSegment(vendorID); err != nil {
		return nil, err
	}
	r, err := s.object(vendorID, manifestName).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer r.Close()
	m := manifest{}
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

func (s *GCSDocumentStore) write(ctx context.Context, obj *storage.ObjectHandle, contentType string, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", s.bucket, obj.ObjectName(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", obj.ObjectName(), err)
	}
	return nil
}

// Put implements DocumentStore.
func (s *GCSDocumentStore) Put(ctx context.Context, vendorID, name, kind string, content []byte) (datatypes.DocumentInfo, error) {
	if err := safeSegment(vendorID); err != nil {
		return datatypes.DocumentInfo{}, err
	}
	name = path.Base(name)
	if err := safeSegment(name); err != nil {
		return datatypes.DocumentInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readManifest(ctx, vendorID)
	if err != nil {
		return datatypes.DocumentInfo{}, err
	}
	docID := DocID(kind, content)
	if existing, ok := m[docID]; ok {
		return existing, nil
	}

	if err := s.write(ctx, s.object(vendorID, docID, name), "application/octet-stream", content); err != nil {
		return datatypes.DocumentInfo{}, err
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
	data, err := json.Marshal(m)
	if err != nil {
		return datatypes.DocumentInfo{}, fmt.Errorf("encode manifest: %w", err)
	}
	if err := s.write(ctx, s.object(vendorID, manifestName), "application/json", data); err != nil {
		return datatypes.DocumentInfo{}, err
	}
	return info, nil
}

// Get implements DocumentStore.
func (s *GCSDocumentStore) Get(ctx context.Context, vendorID, docID string) (*Document, error) {
	m, err := s.readManifest(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	info, ok := m[docID]
	if !ok {
		return nil, fmt.Errorf("document %s/%s: %w", vendorID, docID, ErrNotFound)
	}
	r, err := s.object(vendorID, docID, info.Name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", docID, err)
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", docID, err)
	}
	return &Document{Info: info, Content: content}, nil
}

// List implements DocumentStore.
func (s *GCSDocumentStore) List(ctx context.Context, vendorID string) ([]datatypes.DocumentInfo, error) {
	m, err := s.readManifest(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	return m.sorted(), nil
}

var _ DocumentStore = (*GCSDocumentStore)(nil)
