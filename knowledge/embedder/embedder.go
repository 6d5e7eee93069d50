//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package embedder defines the embedding interface used by indexing and
// retrieval.
package embedder

import "context"

// Embedder converts text into vector representations.
type Embedder interface {
	// GetEmbedding generates an embedding vector for a single text.
	GetEmbedding(ctx context.Context, text string) ([]float64, error)

	// GetEmbeddings generates one embedding vector per input text, in input
	// order. Implementations may split the work into batched API calls.
	GetEmbeddings(ctx context.Context, texts []string) ([][]float64, error)

	// GetDimensions returns the dimensionality of the produced vectors.
	GetDimensions() int
}
