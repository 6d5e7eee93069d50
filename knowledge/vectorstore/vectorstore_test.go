//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package vectorstore

import (
	"errors"
	"math"
	"testing"
	"time"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/searchfilter"
)

var errIteration = errors.New("iteration failed")

func TestDeleteConfigDefaults(t *testing.T) {
	config := ApplyDeleteOptions()

	if config == nil {
		t.Fatal("Expected non-nil config")
	}
	if config.DeleteAll {
		t.Error("Expected DeleteAll to be false by default")
	}
	if len(config.DocumentIDs) != 0 {
		t.Error("Expected empty DocumentIDs by default")
	}
	if config.Filter != nil {
		t.Error("Expected nil Filter by default")
	}
	if config.HasCriteria() {
		t.Error("Expected no criteria by default")
	}
}

func TestCountConfigDefaults(t *testing.T) {
	config := ApplyCountOptions()

	if config == nil {
		t.Fatal("Expected non-nil config")
	}
	if config.Filter != nil {
		t.Error("Expected nil Filter by default")
	}
}

func TestGetMetadataConfigDefaults(t *testing.T) {
	config, err := ApplyGetMetadataOptions()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if config.Limit != -1 {
		t.Errorf("Expected Limit -1, got %d", config.Limit)
	}
	if config.Offset != -1 {
		t.Errorf("Expected Offset -1, got %d", config.Offset)
	}
	if len(config.IDs) != 0 {
		t.Error("Expected empty IDs by default")
	}
	if config.Filter != nil {
		t.Error("Expected nil Filter by default")
	}
}

func TestApplyGetMetadataOptionsValidation(t *testing.T) {
	// Zero limit is invalid.
	_, err := ApplyGetMetadataOptions(WithGetMetadataLimit(0))
	if err == nil {
		t.Error("Expected error for zero limit")
	}

	// Offset without a positive limit is invalid.
	_, err = ApplyGetMetadataOptions(WithGetMetadataLimit(-1), WithGetMetadataOffset(10))
	if err == nil {
		t.Error("Expected error for negative limit with positive offset")
	}

	config, err := ApplyGetMetadataOptions(WithGetMetadataLimit(10), WithGetMetadataOffset(0))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if config.Offset != 0 {
		t.Errorf("Expected offset 0, got %d", config.Offset)
	}
}

func TestSearchQueryDefaults(t *testing.T) {
	query := &SearchQuery{}

	if query.Limit != 0 {
		t.Errorf("Expected Limit 0, got %d", query.Limit)
	}
	if query.MinScore != 0 {
		t.Errorf("Expected MinScore 0, got %f", query.MinScore)
	}
	if query.Vector != nil {
		t.Error("Expected nil Vector by default")
	}
	if query.Filter != nil {
		t.Error("Expected nil Filter by default")
	}
	if query.SearchMode != SearchModeHybrid {
		t.Errorf("Expected hybrid mode by default, got %d", query.SearchMode)
	}
}

func TestSearchModeConstants(t *testing.T) {
	if SearchModeHybrid != 0 {
		t.Errorf("Expected SearchModeHybrid 0, got %d", SearchModeHybrid)
	}
	if SearchModeVector != 1 {
		t.Errorf("Expected SearchModeVector 1, got %d", SearchModeVector)
	}
	if SearchModeKeyword != 2 {
		t.Errorf("Expected SearchModeKeyword 2, got %d", SearchModeKeyword)
	}
	if SearchModeFilter != 3 {
		t.Errorf("Expected SearchModeFilter 3, got %d", SearchModeFilter)
	}
}

func TestDeleteOptions(t *testing.T) {
	config := ApplyDeleteOptions(WithDeleteDocumentIDs([]string{"id1", "id2"}))
	if len(config.DocumentIDs) != 2 {
		t.Errorf("Expected 2 document IDs, got %d", len(config.DocumentIDs))
	}
	if !config.HasCriteria() {
		t.Error("Expected criteria with document IDs")
	}

	filter := map[string]any{"key": "value"}
	config = ApplyDeleteOptions(WithDeleteFilter(filter))
	if config.Filter["key"] != "value" {
		t.Error("Expected filter to contain key=value")
	}

	config = ApplyDeleteOptions(WithDeleteFilterCondition(searchfilter.Equal("source", "file")))
	if config.FilterCondition == nil {
		t.Error("Expected non-nil FilterCondition")
	}

	config = ApplyDeleteOptions(WithDeleteAll(true))
	if !config.DeleteAll {
		t.Error("Expected DeleteAll to be true")
	}
}

func TestCountOptions(t *testing.T) {
	filter := map[string]any{"test": "data"}
	config := ApplyCountOptions(WithCountFilter(filter))

	if config.Filter["test"] != "data" {
		t.Error("Expected filter to contain test=data")
	}

	config = ApplyCountOptions(WithCountFilterCondition(searchfilter.Equal("a", 1)))
	if config.FilterCondition == nil {
		t.Error("Expected non-nil FilterCondition")
	}
}

func TestGetMetadataOptions(t *testing.T) {
	config, err := ApplyGetMetadataOptions(WithGetMetadataIDs([]string{"id1", "id2"}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(config.IDs) != 2 {
		t.Errorf("Expected 2 IDs, got %d", len(config.IDs))
	}

	filter := map[string]any{"meta": "test"}
	config, err = ApplyGetMetadataOptions(WithGetMetadataFilter(filter))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if config.Filter["meta"] != "test" {
		t.Error("Expected filter to contain meta=test")
	}

	config, err = ApplyGetMetadataOptions(WithGetMetadataLimit(10), WithGetMetadataOffset(20))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if config.Limit != 10 || config.Offset != 20 {
		t.Errorf("Expected limit 10 offset 20, got %d, %d", config.Limit, config.Offset)
	}
}

func TestMergeFilters(t *testing.T) {
	if MergeFilters(nil, nil) != nil {
		t.Error("Expected nil for empty inputs")
	}

	cond := MergeFilters(map[string]any{"a": 1}, nil)
	if cond == nil || cond.Operator != searchfilter.OperatorEqual {
		t.Errorf("Expected equality condition, got %+v", cond)
	}

	tree := searchfilter.GreaterThan("b", 2)
	if got := MergeFilters(nil, tree); got != tree {
		t.Error("Expected condition passthrough")
	}

	combined := MergeFilters(map[string]any{"a": 1}, tree)
	if combined.Operator != searchfilter.OperatorAnd {
		t.Errorf("Expected AND combination, got %s", combined.Operator)
	}
}

func TestMatchFilter(t *testing.T) {
	doc := &document.Document{
		ID:       "d1",
		Content:  "hello",
		Metadata: map[string]any{"source": "file"},
	}

	ok, err := MatchFilter(doc, nil)
	if err != nil || !ok {
		t.Errorf("nil filter should match: %v, %v", ok, err)
	}

	ok, err = MatchFilter(doc, &SearchFilter{IDs: []string{"other"}})
	if err != nil || ok {
		t.Errorf("mismatched ID should not match: %v, %v", ok, err)
	}

	ok, err = MatchFilter(doc, &SearchFilter{
		IDs:      []string{"d1"},
		Metadata: map[string]any{"source": "file"},
	})
	if err != nil || !ok {
		t.Errorf("matching filter should match: %v, %v", ok, err)
	}

	ok, err = MatchFilter(doc, &SearchFilter{Metadata: map[string]any{"source": "memory"}})
	if err != nil || ok {
		t.Errorf("mismatched metadata should not match: %v, %v", ok, err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("identical vectors: got %f", got)
	}
	if got := CosineSimilarity([]float64{1, 0}, []float64{0, 1}); math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors: got %f", got)
	}
	if got := CosineSimilarity([]float64{1, 0}, []float64{-1, 0}); math.Abs(got+1) > 1e-9 {
		t.Errorf("opposite vectors: got %f", got)
	}
	if got := CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}); got != 0 {
		t.Errorf("length mismatch: got %f", got)
	}
	if got := CosineSimilarity(nil, nil); got != 0 {
		t.Errorf("empty vectors: got %f", got)
	}
	if got := CosineSimilarity([]float64{0, 0}, []float64{1, 0}); got != 0 {
		t.Errorf("zero vector: got %f", got)
	}
}

func TestKeywordScore(t *testing.T) {
	if got := KeywordScore("hello world", "Hello there, world!"); got != 1 {
		t.Errorf("all terms present: got %f", got)
	}
	if got := KeywordScore("hello mars", "hello there"); got != 0.5 {
		t.Errorf("half terms present: got %f", got)
	}
	if got := KeywordScore("", "content"); got != 0 {
		t.Errorf("empty query: got %f", got)
	}
	if got := KeywordScore("hello", ""); got != 0 {
		t.Errorf("empty content: got %f", got)
	}
}

func TestRank(t *testing.T) {
	now := time.Now()
	records := []*Record{
		{
			Document: &document.Document{ID: "a", Content: "alpha topic", UpdatedAt: now.Add(-time.Hour)},
			Vector:   []float64{1, 0},
		},
		{
			Document: &document.Document{ID: "b", Content: "beta topic", UpdatedAt: now},
			Vector:   []float64{0.6, 0.8},
		},
		{
			Document: &document.Document{ID: "c", Content: "gamma", UpdatedAt: now.Add(-2 * time.Hour)},
			Vector:   []float64{0, 1},
		},
	}

	// Vector mode ranks by cosine similarity.
	result := Rank(records, []float64{1, 0}, &SearchQuery{SearchMode: SearchModeVector, Limit: 2})
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Results))
	}
	if result.Results[0].Document.ID != "a" || result.Results[1].Document.ID != "b" {
		t.Errorf("unexpected vector order: %s, %s",
			result.Results[0].Document.ID, result.Results[1].Document.ID)
	}

	// MinScore drops weak matches.
	result = Rank(records, []float64{1, 0}, &SearchQuery{
		SearchMode: SearchModeVector,
		Limit:      10,
		MinScore:   0.5,
	})
	if len(result.Results) != 2 {
		t.Errorf("expected 2 results above 0.5, got %d", len(result.Results))
	}

	// Keyword mode ignores vectors.
	result = Rank(records, nil, &SearchQuery{SearchMode: SearchModeKeyword, Text: "beta", Limit: 10})
	if len(result.Results) != 1 || result.Results[0].Document.ID != "b" {
		t.Errorf("unexpected keyword results: %+v", result.Results)
	}

	// Filter mode orders by recency.
	result = Rank(records, nil, &SearchQuery{SearchMode: SearchModeFilter, Limit: 10})
	if len(result.Results) != 3 || result.Results[0].Document.ID != "b" {
		t.Errorf("unexpected filter order: %+v", result.Results)
	}

	// Hybrid mode boosts keyword hits.
	result = Rank(records, []float64{0.6, 0.8}, &SearchQuery{Text: "alpha", Limit: 1})
	if len(result.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(result.Results))
	}
}

func TestStoreError(t *testing.T) {
	inner := NewStoreError("query", errIteration)
	if inner.Error() == "" {
		t.Error("expected message")
	}
	if inner.Unwrap() != errIteration {
		t.Error("expected unwrap to return inner error")
	}
}
