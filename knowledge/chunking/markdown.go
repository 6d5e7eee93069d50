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
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
)

// MarkdownChunking implements a chunking strategy optimized for markdown
// documents. It splits content by header sections (outermost level first,
// recursing into oversized sections) and delegates sections without headers
// to the text strategy. Each chunk records its header trail in metadata.
type MarkdownChunking struct {
	opts *options
	text *TextChunking
	md   goldmark.Markdown
}

// NewMarkdownChunking creates a new markdown chunking strategy.
func NewMarkdownChunking(opts ...Option) (*MarkdownChunking, error) {
	options := buildOptions(opts...)
	if err := options.validate(); err != nil {
		return nil, err
	}
	return &MarkdownChunking{
		opts: options,
		text: &TextChunking{opts: options},
		md:   goldmark.New(),
	}, nil
}

// Chunk splits the document using markdown-aware chunking.
func (m *MarkdownChunking) Chunk(doc *document.Document) ([]*document.Document, error) {
	if doc == nil {
		return nil, ErrNilDocument
	}
	if doc.IsEmpty() {
		return nil, ErrEmptyDocument
	}

	content := strings.ReplaceAll(doc.Content, "\r\n", "\n")

	var chunks []*document.Document
	nextIndex := 1
	m.chunkSection(content, nil, doc, &chunks, &nextIndex)
	return chunks, nil
}

// heading is an ATX heading located in a section's source.
type heading struct {
	level     int
	text      string
	lineStart int // byte offset of the heading line start
	bodyStart int // byte offset just after the heading line
}

// chunkSection emits chunks for one section of content, recursing into
// header subsections when the section exceeds the chunk size.
func (m *MarkdownChunking) chunkSection(
	content string,
	headerPath []string,
	originalDoc *document.Document,
	chunks *[]*document.Document,
	nextIndex *int,
) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return
	}

	// Section fits in a single chunk, sub-headings and all.
	if m.opts.counter(trimmed) <= m.opts.chunkSize {
		m.emit(trimmed, headerPath, originalDoc, chunks, nextIndex)
		return
	}

	headings := m.parseHeadings(content)
	if len(headings) == 0 {
		// No structure left to exploit; fall back to the text strategy.
		for _, part := range m.text.ChunkText(content) {
			m.emit(part, headerPath, originalDoc, chunks, nextIndex)
		}
		return
	}

	// Split at the outermost header level present.
	minLevel := headings[0].level
	for _, h := range headings[1:] {
		if h.level < minLevel {
			minLevel = h.level
		}
	}
	var splits []heading
	for _, h := range headings {
		if h.level == minLevel {
			splits = append(splits, h)
		}
	}

	// Content before the first split heading stays on the current path.
	if splits[0].lineStart > 0 {
		m.chunkSection(content[:splits[0].lineStart], headerPath, originalDoc, chunks, nextIndex)
	}

	for i, h := range splits {
		end := len(content)
		if i+1 < len(splits) {
			end = splits[i+1].lineStart
		}
		path := append(append([]string{}, headerPath...), h.text)
		m.chunkSection(content[h.bodyStart:end], path, originalDoc, chunks, nextIndex)
	}
}

// emit appends one chunk with header-trail metadata.
func (m *MarkdownChunking) emit(
	content string,
	headerPath []string,
	originalDoc *document.Document,
	chunks *[]*document.Document,
	nextIndex *int,
) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	chunk := createChunk(originalDoc, content, *nextIndex, m.opts.counter(content))
	*nextIndex++
	if len(headerPath) > 0 {
		chunk.Metadata[MetaHeaderPath] = strings.Join(headerPath, " > ")
	}
	*chunks = append(*chunks, chunk)
}

// parseHeadings returns the ATX headings of content in source order. Headings
// inside fenced code blocks never appear in the AST, so they are naturally
// excluded.
func (m *MarkdownChunking) parseHeadings(content string) []heading {
	source := []byte(content)
	root := m.md.Parser().Parse(text.NewReader(source))

	var headings []heading
	ast.Walk(root, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := node.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}

		lineStart := h.Lines().At(0).Start
		for lineStart > 0 && source[lineStart-1] != '\n' {
			lineStart--
		}
		// Only ATX headings split sections; setext underlines are left to the
		// text strategy.
		if !isATXHeadingLine(source[lineStart:], h.Level) {
			return ast.WalkContinue, nil
		}

		bodyStart := h.Lines().At(h.Lines().Len() - 1).Stop
		if bodyStart < len(source) && source[bodyStart] == '\n' {
			bodyStart++
		}

		headings = append(headings, heading{
			level:     h.Level,
			text:      extractText(h, source),
			lineStart: lineStart,
			bodyStart: bodyStart,
		})
		return ast.WalkContinue, nil
	})
	return headings
}

// isATXHeadingLine checks whether the line beginning at buf matches an ATX
// heading marker of the given level, allowing up to 3 leading spaces.
func isATXHeadingLine(buf []byte, level int) bool {
	trimmed := bytes.TrimLeft(buf, " ")
	if len(buf)-len(trimmed) > 3 || len(trimmed) < level {
		return false
	}
	for i := 0; i < level; i++ {
		if trimmed[i] != '#' {
			return false
		}
	}
	if len(trimmed) == level {
		return true
	}
	next := trimmed[level]
	return next == ' ' || next == '\t' || next == '\n'
}

// extractText extracts text content from an AST node.
func extractText(node ast.Node, source []byte) string {
	var buf bytes.Buffer
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			buf.Write(v.Text(source))
		case *ast.String:
			buf.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}
