//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package vectorstore defines the vector storage interface shared by the
// indexing, memory and retrieval layers, plus the scoring helpers its
// implementations have in common.
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/searchfilter"
)

// Search modes supported by Query.
const (
	// SearchModeHybrid blends vector similarity with a keyword bonus.
	SearchModeHybrid = iota
	// SearchModeVector ranks by cosine similarity only.
	SearchModeVector
	// SearchModeKeyword ranks by query term overlap only.
	SearchModeKeyword
	// SearchModeFilter returns filter matches ordered by recency.
	SearchModeFilter
)

// DefaultQueryLimit applies when a search query leaves Limit unset.
const DefaultQueryLimit = 10

// hybridKeywordWeight is the keyword bonus factor in hybrid mode.
const hybridKeywordWeight = 0.1

// VectorStore is the storage interface for embedded documents.
type VectorStore interface {
	// Add embeds (when the store holds an embedder) and upserts documents.
	Add(ctx context.Context, docs ...*document.Document) error

	// Query returns the documents best matching the search query, ordered
	// by descending score.
	Query(ctx context.Context, query *SearchQuery) (*SearchResult, error)

	// GetMetadata returns document metadata by ID without loading vectors,
	// keyed by document ID.
	GetMetadata(ctx context.Context, opts ...GetMetadataOption) (map[string]DocumentMetadata, error)

	// Delete removes documents by IDs, by filter, or all.
	Delete(ctx context.Context, opts ...DeleteOption) error

	// Count returns the number of stored documents matching the filter.
	Count(ctx context.Context, opts ...CountOption) (int, error)

	// Close releases the store's resources.
	Close() error
}

// SearchQuery describes one retrieval request.
type SearchQuery struct {
	// Text is the query text, embedded by the store when Vector is nil.
	Text string

	// Vector is the precomputed query embedding.
	Vector []float64

	// Limit caps the number of results. Non-positive means DefaultQueryLimit.
	Limit int

	// MinScore drops results scoring below it.
	MinScore float64

	// Filter restricts the candidate documents.
	Filter *SearchFilter

	// SearchMode selects the ranking strategy.
	SearchMode int
}

// SearchFilter restricts a query to documents matching IDs and metadata.
type SearchFilter struct {
	// IDs restricts candidates to the listed document IDs when non-empty.
	IDs []string

	// Metadata holds plain equality requirements, AND-ed together.
	Metadata map[string]any

	// Condition holds an operator tree for richer filters.
	Condition *searchfilter.UniversalFilterCondition
}

// ScoredDocument pairs a document with its query score.
type ScoredDocument struct {
	Document *document.Document
	Score    float64
}

// SearchResult is the outcome of a query.
type SearchResult struct {
	Results []*ScoredDocument
}

// DocumentMetadata carries the metadata of one stored document.
type DocumentMetadata struct {
	Metadata map[string]any
}

// StoreError wraps a vector store transport or I/O fault.
type StoreError struct {
	// Op names the failing operation.
	Op string
	// Err is the underlying fault.
	Err error
}

// NewStoreError wraps err as a StoreError for the named operation.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("vector store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying fault.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Record pairs a stored document with its embedding vector. Implementations
// persist and rank this shape.
type Record struct {
	Document *document.Document `json:"document"`
	Vector   []float64          `json:"vector,omitempty"`
}

// MergeFilters combines a plain equality map and a condition tree into one
// condition. Either side may be nil; both nil yields nil (match everything).
func MergeFilters(metadata map[string]any, condition *searchfilter.UniversalFilterCondition) *searchfilter.UniversalFilterCondition {
	mapCond := searchfilter.FromMap(metadata)
	switch {
	case mapCond == nil:
		return condition
	case condition == nil:
		return mapCond
	default:
		return searchfilter.And(mapCond, condition)
	}
}

// MatchFilter reports whether a document passes the search filter.
func MatchFilter(doc *document.Document, filter *SearchFilter) (bool, error) {
	if doc == nil {
		return false, nil
	}
	if filter == nil {
		return true, nil
	}
	if len(filter.IDs) > 0 {
		found := false
		for _, id := range filter.IDs {
			if id == doc.ID {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}
	return searchfilter.Evaluate(MergeFilters(filter.Metadata, filter.Condition), doc.Metadata)
}

// Rank scores candidate records per the query's search mode and returns the
// top results sorted by descending score. queryVector is required for vector
// and hybrid modes and ignored otherwise.
func Rank(records []*Record, queryVector []float64, query *SearchQuery) *SearchResult {
	limit := query.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	scored := make([]*ScoredDocument, 0, len(records))
	for _, record := range records {
		if record == nil || record.Document == nil {
			continue
		}
		var score float64
		switch query.SearchMode {
		case SearchModeFilter:
			score = 0
		case SearchModeKeyword:
			score = KeywordScore(query.Text, record.Document.Content)
			if score <= 0 {
				continue
			}
		case SearchModeVector:
			score = CosineSimilarity(queryVector, record.Vector)
		default:
			score = CosineSimilarity(queryVector, record.Vector) +
				hybridKeywordWeight*KeywordScore(query.Text, record.Document.Content)
		}
		if query.SearchMode != SearchModeFilter && score < query.MinScore {
			continue
		}
		scored = append(scored, &ScoredDocument{Document: record.Document, Score: score})
	}

	if query.SearchMode == SearchModeFilter {
		sort.Slice(scored, func(i, j int) bool {
			ti, tj := scored[i].Document.UpdatedAt, scored[j].Document.UpdatedAt
			if !ti.Equal(tj) {
				return ti.After(tj)
			}
			return scored[i].Document.ID < scored[j].Document.ID
		})
	} else {
		sort.Slice(scored, func(i, j int) bool {
			if scored[i].Score != scored[j].Score {
				return scored[i].Score > scored[j].Score
			}
			return scored[i].Document.ID < scored[j].Document.ID
		})
	}

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return &SearchResult{Results: scored}
}

// CosineSimilarity returns the cosine of the angle between two vectors, or 0
// when either is empty, zero, or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// KeywordScore returns the fraction of query terms found in the content,
// case-insensitive. Single-rune terms are ignored.
func KeywordScore(query, content string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || content == "" {
		return 0
	}
	body := strings.ToLower(content)
	hits, total := 0, 0
	for _, term := range terms {
		if utf8.RuneCountInString(term) < 2 {
			continue
		}
		total++
		if strings.Contains(body, term) {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
