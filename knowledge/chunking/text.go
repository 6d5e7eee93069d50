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
	"unicode"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
)

// TextChunking implements a token-budgeted chunking strategy for plain text.
// It keeps paragraphs intact where possible, resplits oversized paragraphs at
// sentence boundaries and seeds each chunk with a word-level overlap tail of
// its predecessor.
type TextChunking struct {
	opts *options
}

// NewTextChunking creates a new text chunking strategy.
func NewTextChunking(opts ...Option) (*TextChunking, error) {
	options := buildOptions(opts...)
	if err := options.validate(); err != nil {
		return nil, err
	}
	return &TextChunking{opts: options}, nil
}

// Chunk splits the document into token-budgeted chunks.
func (t *TextChunking) Chunk(doc *document.Document) ([]*document.Document, error) {
	if doc == nil {
		return nil, ErrNilDocument
	}
	if doc.IsEmpty() {
		return nil, ErrEmptyDocument
	}

	parts := t.ChunkText(doc.Content)
	chunks := make([]*document.Document, 0, len(parts))
	for i, part := range parts {
		chunks = append(chunks, createChunk(doc, part, i+1, t.opts.counter(part)))
	}
	return chunks, nil
}

// ChunkText splits raw text into chunk strings. Empty input yields no chunks;
// input within the chunk size is returned as a single chunk unchanged (modulo
// whitespace normalization).
func (t *TextChunking) ChunkText(text string) []string {
	content := cleanText(text)
	if content == "" {
		return nil
	}
	if t.opts.counter(content) <= t.opts.chunkSize {
		return []string{content}
	}
	return t.packUnits(t.splitUnits(content))
}

// unit is a packable piece of text: a paragraph, or a sentence when the
// paragraph alone exceeds the chunk size.
type unit struct {
	text      string
	separator string // separator preceding this unit within a chunk
	tokens    int
}

// splitUnits breaks content into paragraphs, resplitting any paragraph that
// exceeds the chunk size at sentence boundaries.
func (t *TextChunking) splitUnits(content string) []unit {
	paragraphs := strings.Split(content, ParagraphSeparator)

	var units []unit
	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		tokens := t.opts.counter(para)
		if tokens <= t.opts.chunkSize {
			units = append(units, unit{text: para, separator: ParagraphSeparator, tokens: tokens})
			continue
		}
		for _, sentence := range splitSentences(para) {
			units = append(units, unit{text: sentence, separator: " ", tokens: t.opts.counter(sentence)})
		}
	}
	return units
}

// splitSentences splits a paragraph at sentence boundaries: a period,
// question mark or exclamation mark followed by whitespace and an uppercase
// letter. Abbreviation-like sequences without a following uppercase letter do
// not split.
func splitSentences(paragraph string) []string {
	runes := []rune(paragraph)

	var sentences []string
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 || j >= len(runes) || !unicode.IsUpper(runes[j]) {
			continue
		}
		if sentence := strings.TrimSpace(string(runes[start : i+1])); sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = j
		i = j - 1
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// packUnits greedily packs units into chunks under the token budget. Each
// emitted chunk seeds the next with an overlap tail of its trailing words.
// A single unit larger than the chunk size is emitted as-is.
func (t *TextChunking) packUnits(units []unit) []string {
	var chunks []string
	var current strings.Builder
	currentTokens := 0
	seeded := false // current holds only an overlap tail

	emit := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, current.String())
		tail, tailTokens := t.overlapTail(current.String())
		current.Reset()
		currentTokens = 0
		seeded = false
		if tail != "" {
			current.WriteString(tail)
			currentTokens = tailTokens
			seeded = true
		}
	}

	dropSeed := func() {
		current.Reset()
		currentTokens = 0
		seeded = false
	}

	for _, u := range units {
		// Indivisible unit larger than the chunk size is emitted as-is.
		if u.tokens > t.opts.chunkSize {
			if !seeded {
				emit()
			}
			dropSeed()
			current.WriteString(u.text)
			currentTokens = u.tokens
			emit()
			continue
		}

		if current.Len() > 0 && currentTokens+1+u.tokens > t.opts.chunkSize {
			if seeded {
				// The overlap tail alone cannot host this unit; drop it
				// rather than emitting a chunk of pure overlap.
				dropSeed()
			} else {
				emit()
				if current.Len() > 0 && currentTokens+1+u.tokens > t.opts.chunkSize {
					dropSeed()
				}
			}
		}

		if current.Len() > 0 {
			current.WriteString(u.separator)
			currentTokens++
		}
		current.WriteString(u.text)
		currentTokens += u.tokens
		seeded = false
	}

	if current.Len() > 0 && !seeded {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// overlapTail returns the trailing words of chunk totalling at most the
// configured overlap tokens, with their token count.
func (t *TextChunking) overlapTail(chunk string) (string, int) {
	if t.opts.overlap <= 0 {
		return "", 0
	}
	words := strings.Fields(chunk)
	if len(words) == 0 {
		return "", 0
	}

	var tail string
	var tailTokens int
	for start := len(words); start > 0; start-- {
		candidate := strings.Join(words[start-1:], " ")
		tokens := t.opts.counter(candidate)
		if tokens > t.opts.overlap {
			break
		}
		tail = candidate
		tailTokens = tokens
	}
	return tail, tailTokens
}
