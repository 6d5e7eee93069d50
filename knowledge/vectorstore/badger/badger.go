//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package badger provides a persistent vector store implementation backed by
// BadgerDB. Records survive restarts, which lets the indexer reconcile a
// watched folder against previously ingested chunks instead of re-embedding
// everything on boot.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	badgerdb "github.com/dgraph-io/badger/v4"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/embedder"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore"
)

// Verify that VectorStore implements the vectorstore.VectorStore interface.
var _ vectorstore.VectorStore = (*VectorStore)(nil)

// recordKeyPrefix namespaces document records inside the key space so other
// consumers of the same database directory stay out of the iterator's way.
const recordKeyPrefix = "rec:"

// Option configures the badger-backed store.
type Option func(*options)

type options struct {
	path     string
	inMemory bool
	embedder embedder.Embedder
}

// WithPath sets the database directory. Badger creates it when missing.
func WithPath(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

// WithInMemory keeps the whole database in memory. Useful for tests; the
// data is lost on Close.
func WithInMemory(inMemory bool) Option {
	return func(o *options) {
		o.inMemory = inMemory
	}
}

// WithEmbedder sets the embedder used to vectorize documents and query text.
// Without one the store only serves keyword and filter searches.
func WithEmbedder(e embedder.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// VectorStore stores embedded documents as JSON values in BadgerDB.
type VectorStore struct {
	db       *badgerdb.DB
	embedder embedder.Embedder
}

// storedRecord is the persisted form of a vectorstore.Record.
type storedRecord struct {
	Document *document.Document `json:"document"`
	Vector   []float64          `json:"vector,omitempty"`
}

// New opens (or creates) the database and returns the store.
func New(opts ...Option) (*VectorStore, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.path == "" && !o.inMemory {
		return nil, errors.New("badger vector store requires a path or in-memory mode")
	}

	dbOpts := badgerdb.DefaultOptions(o.path).WithInMemory(o.inMemory)
	// Badger's default logger writes to stderr; route everything through the
	// caller's logging instead of double-reporting.
	dbOpts.Logger = nil
	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, vectorstore.NewStoreError("open", err)
	}
	return &VectorStore{db: db, embedder: o.embedder}, nil
}

// Add embeds and upserts the documents in a single transaction.
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

	err := vs.db.Update(func(txn *badgerdb.Txn) error {
		for i, doc := range docs {
			record := storedRecord{Document: doc}
			if vectors != nil {
				record.Vector = vectors[i]
			}
			value, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("marshal record %s: %w", doc.ID, err)
			}
			if err := txn.Set(recordKey(doc.ID), value); err != nil {
				return fmt.Errorf("set record %s: %w", doc.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return vectorstore.NewStoreError("add", err)
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

	var candidates []*vectorstore.Record
	err = vs.scan(func(record *vectorstore.Record) error {
		ok, err := vectorstore.MatchFilter(record.Document, query.Filter)
		if err != nil {
			return fmt.Errorf("evaluate filter: %w", err)
		}
		if ok {
			candidates = append(candidates, record)
		}
		return nil
	})
	if err != nil {
		return nil, vectorstore.NewStoreError("query", err)
	}
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

	matched := make(map[string]map[string]any)
	err = vs.scan(func(record *vectorstore.Record) error {
		ok, err := vectorstore.MatchFilter(record.Document, filter)
		if err != nil {
			return fmt.Errorf("evaluate filter: %w", err)
		}
		if ok {
			matched[record.Document.ID] = record.Document.Metadata
		}
		return nil
	})
	if err != nil {
		return nil, vectorstore.NewStoreError("get metadata", err)
	}

	ids := make([]string, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
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
		result[id] = vectorstore.DocumentMetadata{Metadata: matched[id]}
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

	if config.DeleteAll {
		if err := vs.db.DropPrefix([]byte(recordKeyPrefix)); err != nil {
			return vectorstore.NewStoreError("delete", err)
		}
		return nil
	}

	victims := make([][]byte, 0, len(config.DocumentIDs))
	for _, id := range config.DocumentIDs {
		victims = append(victims, recordKey(id))
	}
	cond := vectorstore.MergeFilters(config.Filter, config.FilterCondition)
	if cond != nil {
		filter := &vectorstore.SearchFilter{Condition: cond}
		err := vs.scan(func(record *vectorstore.Record) error {
			ok, err := vectorstore.MatchFilter(record.Document, filter)
			if err != nil {
				return fmt.Errorf("evaluate filter: %w", err)
			}
			if ok {
				victims = append(victims, recordKey(record.Document.ID))
			}
			return nil
		})
		if err != nil {
			return vectorstore.NewStoreError("delete", err)
		}
	}

	err := vs.db.Update(func(txn *badgerdb.Txn) error {
		for _, key := range victims {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return vectorstore.NewStoreError("delete", err)
	}
	return nil
}

// Count returns the number of stored documents matching the filter.
func (vs *VectorStore) Count(ctx context.Context, opts ...vectorstore.CountOption) (int, error) {
	config := vectorstore.ApplyCountOptions(opts...)
	cond := vectorstore.MergeFilters(config.Filter, config.FilterCondition)

	count := 0
	var filter *vectorstore.SearchFilter
	if cond != nil {
		filter = &vectorstore.SearchFilter{Condition: cond}
	}
	err := vs.scan(func(record *vectorstore.Record) error {
		ok, err := vectorstore.MatchFilter(record.Document, filter)
		if err != nil {
			return fmt.Errorf("evaluate filter: %w", err)
		}
		if ok {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, vectorstore.NewStoreError("count", err)
	}
	return count, nil
}

// Close flushes and closes the underlying database.
func (vs *VectorStore) Close() error {
	if err := vs.db.Close(); err != nil {
		return vectorstore.NewStoreError("close", err)
	}
	return nil
}

// scan walks every stored record inside a read transaction.
func (vs *VectorStore) scan(fn func(*vectorstore.Record) error) error {
	return vs.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(value []byte) error {
				var stored storedRecord
				if err := json.Unmarshal(value, &stored); err != nil {
					return fmt.Errorf("unmarshal record %s: %w", it.Item().Key(), err)
				}
				return fn(&vectorstore.Record{
					Document: stored.Document,
					Vector:   stored.Vector,
				})
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func recordKey(id string) []byte {
	return []byte(recordKeyPrefix + id)
}
