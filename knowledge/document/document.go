//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package document provides the document type used by indexing and retrieval.
package document

import (
	"strings"
	"time"
)

// Document represents a chunk of text with associated metadata.
type Document struct {
	// ID is the unique identifier of the document.
	ID string `json:"id"`

	// Name is a human-readable name for the document.
	Name string `json:"name,omitempty"`

	// Content is the text content of the document.
	Content string `json:"content"`

	// Metadata carries additional key-value pairs (source path, chunk index,
	// file hash and similar bookkeeping).
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is the time when the document was created.
	CreatedAt time.Time `json:"created_at,omitempty"`

	// UpdatedAt is the time when the document was last updated.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// IsEmpty reports whether the document has no usable content.
func (d *Document) IsEmpty() bool {
	return d == nil || strings.TrimSpace(d.Content) == ""
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Metadata != nil {
		clone.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
