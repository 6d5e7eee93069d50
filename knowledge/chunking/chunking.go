//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package chunking provides document chunking strategies and utilities.
package chunking

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
	"trpc.group/trpc-go/trpc-recall-go/token"
)

const (
	// DefaultChunkSize is the default maximum size of each chunk in tokens.
	DefaultChunkSize = 512

	// DefaultOverlap is the default number of tokens to overlap between chunks.
	DefaultOverlap = 64

	// ParagraphSeparator is the string used to separate paragraphs.
	ParagraphSeparator = "\n\n"
)

// Metadata keys attached to produced chunks.
const (
	// MetaChunkIndex is the 1-based position of the chunk within its document.
	MetaChunkIndex = "chunk_index"
	// MetaChunkTokens is the token count of the chunk content.
	MetaChunkTokens = "chunk_tokens"
	// MetaHeaderPath is the markdown header trail (e.g. "Guide > Setup").
	MetaHeaderPath = "header_path"
)

// Chunking errors.
var (
	// ErrNilDocument is returned when the document is nil.
	ErrNilDocument = errors.New("document is nil")
	// ErrEmptyDocument is returned when the document has no content.
	ErrEmptyDocument = errors.New("document content is empty")
	// ErrInvalidChunkSize is returned when the chunk size is not positive.
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	// ErrInvalidOverlap is returned when the overlap is negative or not
	// smaller than the chunk size.
	ErrInvalidOverlap = errors.New("overlap must be non-negative and smaller than chunk size")
)

// Strategy defines the interface for document chunking strategies.
type Strategy interface {
	// Chunk splits a document into smaller chunks based on the strategy's algorithm.
	Chunk(doc *document.Document) ([]*document.Document, error)
}

// TokenCounter reports the token count of a text. Strategies use it to size
// chunks; the default is the chars/4 estimate.
type TokenCounter func(text string) int

// Option represents a functional option for configuring chunking strategies.
type Option func(*options)

// options contains the configuration for chunking strategies.
type options struct {
	chunkSize int
	overlap   int
	counter   TokenCounter
}

// WithChunkSize sets the maximum size of each chunk in tokens.
func WithChunkSize(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// WithOverlap sets the number of tokens to overlap between chunks.
func WithOverlap(overlap int) Option {
	return func(o *options) {
		o.overlap = overlap
	}
}

// WithTokenCounter sets the token counter used to size chunks.
func WithTokenCounter(counter TokenCounter) Option {
	return func(o *options) {
		if counter != nil {
			o.counter = counter
		}
	}
}

// buildOptions creates options with defaults applied.
func buildOptions(opts ...Option) *options {
	o := &options{
		chunkSize: DefaultChunkSize,
		overlap:   DefaultOverlap,
		counter:   token.Estimate,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// validate validates the chunking options.
func (o *options) validate() error {
	if o.chunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if o.overlap < 0 || o.overlap >= o.chunkSize {
		return ErrInvalidOverlap
	}
	return nil
}

// cleanText normalizes whitespace in text content.
func cleanText(content string) string {
	// Trim leading and trailing whitespace.
	content = strings.TrimSpace(content)

	// Normalize line breaks.
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	// Remove excessive whitespace while preserving line breaks.
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}

// createChunk creates a new document chunk with appropriate metadata.
func createChunk(originalDoc *document.Document, content string, chunkNumber int, tokens int) *document.Document {
	metadata := make(map[string]any, len(originalDoc.Metadata)+2)
	for k, v := range originalDoc.Metadata {
		metadata[k] = v
	}
	metadata[MetaChunkIndex] = chunkNumber
	metadata[MetaChunkTokens] = tokens

	var chunkID string
	switch {
	case originalDoc.ID != "":
		chunkID = originalDoc.ID + "_" + strconv.Itoa(chunkNumber)
	case originalDoc.Name != "":
		chunkID = originalDoc.Name + "_" + strconv.Itoa(chunkNumber)
	default:
		chunkID = "chunk_" + strconv.Itoa(chunkNumber)
	}

	return &document.Document{
		ID:        chunkID,
		Name:      originalDoc.Name,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}
