//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory vector store implementation backed
// by a map, for tests and small corpora.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/embedder"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore"
)

// Verify that VectorStore implements the vectorstore.VectorStore interface.
var _ vectorstore.VectorStore = (*VectorStore)(nil)

// Option configures the in-memory store.
type Option func(*VectorStore)

// WithEmbedder sets the embedder used to vectorize documents and query text.
// Without one the store only serves keyword and filter searches.
func WithEmbedder(e embedder.Embedder) Option {
	return func(vs *VectorStore) {
		vs.embedder = e
	}
}

// VectorStore stores embedded documents in a map guarded by a RWMutex.
type VectorStore struct {
	mu       sync.RWMutex
	records  map[string]*vectorstore.Record
	embedder embedder.Embedder
}

// New creates an empty in-memory vector store.
func New(opts ...Option) *VectorStore {
	vs := &VectorStore{
		records: make(map[string]*vectorstore.Record),
	}
	for _, opt := range opts {
		opt(vs)
	}
	return vs
}

// Add embeds and upserts the documents. Stored copies are detached from the
// caller's.
func (vs *VectorStore) Add(ctx context.Context, docs ...*document.Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			return errors.New("document is nil")
		}
		if doc.ID == "" {
			return errors.New("document ID is empty")
		}
		if doc.IsEmpty() {
			return fmt.Errorf("document %s has empty content", doc.ID)
		}
		texts = append(texts, doc.Content)
	}

	var vectors [][]float64
	if vs.embedder != nil {
		var err error
		vectors, err = vs.embedder.GetEmbeddings(ctx, texts)
		if err != nil {
			return vectorstore.NewStoreError("add", err)
		}
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()
	for i, doc := range docs {
		record := &vectorstore.Record{Document: doc.Clone()}
		if vectors != nil {
			record.Vector = vectors[i]
		}
		vs.records[doc.ID] = record
	}
	return nil
}

// Query returns the documents best matching the search query.
func (vs *VectorStore) Query(ctx context.Context, query *vectorstore.SearchQuery) (*vectorstore.SearchResult, error) {
	if query == nil {
		return nil, errors.New("search query is nil")
	}
	queryVector, err := vs.resolveQueryVector(ctx, query)
	if err != nil {
		return nil, err
	}

	vs.mu.RLock()
	candidates := make([]*vectorstore.Record, 0, len(vs.records))
	for _, record := range vs.records {
		ok, err := vectorstore.MatchFilter(record.Document, query.Filter)
		if err != nil {
			vs.mu.RUnlock()
			return nil, fmt.Errorf("evaluate filter: %w", err)
		}
		if !ok {
			continue
		}
		candidates = append(candidates, &vectorstore.Record{
			Document: record.Document.Clone(),
			Vector:   record.Vector,
		})
	}
	vs.mu.RUnlock()

	return vectorstore.Rank(candidates, queryVector, query), nil
}

// resolveQueryVector supplies the query embedding for vector-backed modes.
func (vs *VectorStore) resolveQueryVector(ctx context.Context, query *vectorstore.SearchQuery) ([]float64, error) {
	if query.Vector != nil {
		return query.Vector, nil
	}
	needsVector := query.SearchMode == vectorstore.SearchModeHybrid ||
		query.SearchMode == vectorstore.SearchModeVector
	if !needsVector {
		return nil, nil
	}
	if vs.embedder == nil {
		return nil, errors.New("no embedder configured for vector search")
	}
	if query.Text == "" {
		return nil, errors.New("query text is empty")
	}
	vector, err := vs.embedder.GetEmbedding(ctx, query.Text)
	if err != nil {
		return nil, vectorstore.NewStoreError("query", err)
	}
	return vector, nil
}

// GetMetadata returns document metadata keyed by ID, paginated in ID order.
func (vs *VectorStore) GetMetadata(ctx context.Context, opts ...vectorstore.GetMetadataOption) (map[string]vectorstore.DocumentMetadata, error) {
	config, err := vectorstore.ApplyGetMetadataOptions(opts...)
	if err != nil {
		return nil, err
	}
	filter := &vectorstore.SearchFilter{
		IDs:       config.IDs,
		Metadata:  config.Filter,
		Condition: config.FilterCondition,
	}

	vs.mu.RLock()
	defer vs.mu.RUnlock()

	ids := make([]string, 0, len(vs.records))
	for id, record := range vs.records {
		ok, err := vectorstore.MatchFilter(record.Document, filter)
		if err != nil {
			return nil, fmt.Errorf("evaluate filter: %w", err)
		}
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	if config.Offset > 0 {
		if config.Offset >= len(ids) {
			ids = nil
		} else {
			ids = ids[config.Offset:]
		}
	}
	if config.Limit > 0 && len(ids) > config.Limit {
		ids = ids[:config.Limit]
	}

	result := make(map[string]vectorstore.DocumentMetadata, len(ids))
	for _, id := range ids {
		doc := vs.records[id].Document
		metadata := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		result[id] = vectorstore.DocumentMetadata{Metadata: metadata}
	}
	return result, nil
}

// Delete removes documents by IDs, by filter, or all. Criteria combine as a
// union.
func (vs *VectorStore) Delete(ctx context.Context, opts ...vectorstore.DeleteOption) error {
	config := vectorstore.ApplyDeleteOptions(opts...)
	if !config.HasCriteria() {
		return errors.New("no delete criteria specified")
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()

	if config.DeleteAll {
		vs.records = make(map[string]*vectorstore.Record)
		return nil
	}
	for _, id := range config.DocumentIDs {
		delete(vs.records, id)
	}
	cond := vectorstore.MergeFilters(config.Filter, config.FilterCondition)
	if cond == nil {
		return nil
	}
	filter := &vectorstore.SearchFilter{Condition: cond}
	for id, record := range vs.records {
		ok, err := vectorstore.MatchFilter(record.Document, filter)
		if err != nil {
			return fmt.Errorf("evaluate filter: %w", err)
		}
		if ok {
			delete(vs.records, id)
		}
	}
	return nil
}

// Count returns the number of stored documents matching the filter.
func (vs *VectorStore) Count(ctx context.Context, opts ...vectorstore.CountOption) (int, error) {
	config := vectorstore.ApplyCountOptions(opts...)
	cond := vectorstore.MergeFilters(config.Filter, config.FilterCondition)

	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if cond == nil {
		return len(vs.records), nil
	}
	filter := &vectorstore.SearchFilter{Condition: cond}
	count := 0
	for _, record := range vs.records {
		ok, err := vectorstore.MatchFilter(record.Document, filter)
		if err != nil {
			return 0, fmt.Errorf("evaluate filter: %w", err)
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Close releases the store's resources.
func (vs *VectorStore) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.records = make(map[string]*vectorstore.Record)
	return nil
}
