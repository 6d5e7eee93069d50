//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package reranker provides result re-ranking for retrieval.
package reranker

import (
	"context"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
)

// Reranker re-scores search results against a query.
type Reranker interface {
	// Rerank re-orders search results by decreasing relevance to the query.
	Rerank(ctx context.Context, query *Query, results []*Result) ([]*Result, error)
}

// Query represents a search query for re-ranking.
type Query struct {
	// Text is the query the results are scored against.
	Text string
}

// Result represents a rankable search result.
type Result struct {
	// Document is the candidate document.
	Document *document.Document

	// Score is the relevance score. Higher is better.
	Score float64
}
