//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
)

func TestMarkdownChunking_NilAndEmpty(t *testing.T) {
	mc, err := NewMarkdownChunking()
	require.NoError(t, err)

	_, err = mc.Chunk(nil)
	assert.Equal(t, ErrNilDocument, err)

	_, err = mc.Chunk(&document.Document{ID: "e", Content: "   \n  "})
	assert.Equal(t, ErrEmptyDocument, err)
}

func TestMarkdownChunking_SmallDocSingleChunk(t *testing.T) {
	mc, err := NewMarkdownChunking(WithChunkSize(100), WithOverlap(10))
	require.NoError(t, err)

	md := "# Title\n\nShort body."
	chunks, err := mc.Chunk(&document.Document{ID: "md", Content: md})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "# Title\n\nShort body.", chunks[0].Content)
	assert.Equal(t, "md_1", chunks[0].ID)
}

func TestMarkdownChunking_SplitsByHeaders(t *testing.T) {
	var b strings.Builder
	b.WriteString("Intro paragraph before any header.\n\n")
	b.WriteString("# Setup\n\n")
	b.WriteString(strings.Repeat("Setup instructions here. ", 20))
	b.WriteString("\n\n# Usage\n\n")
	b.WriteString(strings.Repeat("Usage notes here. ", 20))

	mc, err := NewMarkdownChunking(WithChunkSize(80), WithOverlap(0))
	require.NoError(t, err)

	chunks, err := mc.Chunk(&document.Document{ID: "doc", Content: b.String()})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	// The preamble keeps no header trail.
	assert.NotContains(t, chunks[0].Metadata, MetaHeaderPath)
	assert.Contains(t, chunks[0].Content, "Intro paragraph")

	var sawSetup, sawUsage bool
	for _, c := range chunks {
		switch c.Metadata[MetaHeaderPath] {
		case "Setup":
			sawSetup = true
			assert.Contains(t, c.Content, "Setup instructions")
		case "Usage":
			sawUsage = true
			assert.Contains(t, c.Content, "Usage notes")
		}
	}
	assert.True(t, sawSetup, "expected chunks under Setup")
	assert.True(t, sawUsage, "expected chunks under Usage")
}

func TestMarkdownChunking_NestedHeaderTrail(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Guide\n\n")
	b.WriteString(strings.Repeat("Overview text. ", 30))
	b.WriteString("\n\n## Install\n\n")
	b.WriteString(strings.Repeat("Install steps. ", 30))
	b.WriteString("\n\n## Configure\n\n")
	b.WriteString(strings.Repeat("Config details. ", 30))

	mc, err := NewMarkdownChunking(WithChunkSize(60), WithOverlap(0))
	require.NoError(t, err)

	chunks, err := mc.Chunk(&document.Document{ID: "doc", Content: b.String()})
	require.NoError(t, err)

	var trails []string
	for _, c := range chunks {
		if trail, ok := c.Metadata[MetaHeaderPath].(string); ok {
			trails = append(trails, trail)
		}
	}
	assert.Contains(t, trails, "Guide > Install")
	assert.Contains(t, trails, "Guide > Configure")
}

func TestMarkdownChunking_FencedCodeNotSplit(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Code\n\n")
	b.WriteString("```\n# not a heading\nmore code\n```\n\n")
	b.WriteString(strings.Repeat("Explanatory prose follows the code block. ", 20))

	mc, err := NewMarkdownChunking(WithChunkSize(70), WithOverlap(0))
	require.NoError(t, err)

	chunks, err := mc.Chunk(&document.Document{ID: "doc", Content: b.String()})
	require.NoError(t, err)

	for _, c := range chunks {
		trail, _ := c.Metadata[MetaHeaderPath].(string)
		assert.NotContains(t, trail, "not a heading")
	}
}

func TestMarkdownChunking_ChunkIndexesAreSequential(t *testing.T) {
	var b strings.Builder
	b.WriteString("# A\n\n")
	b.WriteString(strings.Repeat("Alpha text. ", 40))
	b.WriteString("\n\n# B\n\n")
	b.WriteString(strings.Repeat("Beta text. ", 40))

	mc, err := NewMarkdownChunking(WithChunkSize(50), WithOverlap(0))
	require.NoError(t, err)

	chunks, err := mc.Chunk(&document.Document{ID: "doc", Content: b.String()})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, c := range chunks {
		assert.Equal(t, i+1, c.Metadata[MetaChunkIndex])
	}
}
