//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package conversation maintains per-conversation segment logs for long
// chats: every turn appends a segment, repeated pastes collapse into
// reference segments, and once the log outgrows its token target the older
// segments are summarized asymmetrically (gently for the user, aggressively
// for the assistant).
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-recall-go/model"
)

// Segment states.
const (
	// StateRaw marks an unmodified segment.
	StateRaw = "raw"
	// StateSummarized marks a segment replaced by its summary.
	StateSummarized = "summarized"
	// StateReference marks a deduplicated segment pointing at a prior one.
	StateReference = "reference"
)

// Segment is one turn in the conversation log.
type Segment struct {
	// ID uniquely identifies the segment.
	ID string `json:"id"`
	// Ordinal is the segment's position in the log, starting at 1.
	Ordinal int `json:"ordinal"`
	// Role is the author: user, assistant or system.
	Role model.Role `json:"role"`
	// Content is the original text, or the reference marker for
	// StateReference segments.
	Content string `json:"content"`
	// Timestamp is when the segment was appended.
	Timestamp time.Time `json:"timestamp"`
	// OriginalTokens is the token count of the original text.
	OriginalTokens int `json:"original_tokens"`
	// CurrentTokens is the token count of what the segment contributes now.
	CurrentTokens int `json:"current_tokens"`
	// State is raw, summarized or reference.
	State string `json:"state"`
	// Summary replaces Content in context once the segment is summarized.
	Summary string `json:"summary,omitempty"`
	// RefersTo is the id of the segment a reference segment duplicates.
	RefersTo string `json:"refers_to,omitempty"`
	// Diff lists the lines the duplicate added over the referenced segment.
	Diff string `json:"diff,omitempty"`
	// ContentHash fingerprints the original text for dedup lookups.
	ContentHash string `json:"content_hash"`
}

// Display returns what the segment contributes to a built context.
func (s *Segment) Display() string {
	if s.State == StateSummarized && s.Summary != "" {
		return s.Summary
	}
	return s.Content
}

// conversation is the append-only segment arena of one conversation, with
// id and hash side maps for reference dedup.
type conversation struct {
	id          string
	segments    []*Segment
	byID        map[string]int
	byHash      map[string][]int
	totalTokens int
}

func newConversation(id string) *conversation {
	return &conversation{
		id:     id,
		byID:   make(map[string]int),
		byHash: make(map[string][]int),
	}
}

// append adds a segment at the tail and indexes it.
func (c *conversation) append(seg *Segment) {
	seg.Ordinal = len(c.segments) + 1
	c.segments = append(c.segments, seg)
	idx := len(c.segments) - 1
	c.byID[seg.ID] = idx
	c.byHash[seg.ContentHash] = append(c.byHash[seg.ContentHash], idx)
	c.totalTokens += seg.CurrentTokens
}

// adjustTokens records a segment's token count change against the total.
func (c *conversation) adjustTokens(seg *Segment, newTokens int) {
	c.totalTokens += newTokens - seg.CurrentTokens
	seg.CurrentTokens = newTokens
}

// segmentByID returns a segment by id.
func (c *conversation) segmentByID(id string) (*Segment, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return c.segments[idx], true
}

// render returns what a segment contributes to a built context. A reference
// segment carries its marker plus the lines it added over the segment it
// points at; the diff is only attached while its base segment is still in
// the log, since added lines mean nothing without the text they extend.
func (c *conversation) render(seg *Segment) string {
	if seg.State != StateReference {
		return seg.Display()
	}
	out := seg.Content
	if _, ok := c.segmentByID(seg.RefersTo); ok && seg.Diff != "" {
		out += "\n" + seg.Diff
	}
	return out
}

// protectedFrom returns the index of the first segment inside the raw-recent
// window: the newest segments whose current tokens sum to at least
// rawRecentTokens are never compressed.
func (c *conversation) protectedFrom(rawRecentTokens int) int {
	tokens := 0
	for i := len(c.segments) - 1; i >= 0; i-- {
		tokens += c.segments[i].CurrentTokens
		if tokens >= rawRecentTokens {
			return i
		}
	}
	return 0
}

// hashContent fingerprints segment text.
func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// referenceMarker is the stored content of a reference segment.
func referenceMarker(ordinal int) string {
	return fmt.Sprintf("[Similar to segment %d]", ordinal)
}
