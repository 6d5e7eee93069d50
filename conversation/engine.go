//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package conversation

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-recall-go/internal/util"
	"trpc.group/trpc-go/trpc-recall-go/model"
	"trpc.group/trpc-go/trpc-recall-go/summarizer"
	"trpc.group/trpc-go/trpc-recall-go/token"
)

// Defaults.
const (
	// DefaultTargetContextTokens is the context size compression steers to.
	DefaultTargetContextTokens = 8192
	// DefaultCompressThreshold triggers compression at this fill ratio.
	DefaultCompressThreshold = 0.8
	// DefaultRawRecentTokens is the newest-token window never compressed.
	DefaultRawRecentTokens = 2048
	// DefaultDedupThreshold is the token-Jaccard similarity at which a
	// repeated paste becomes a reference segment.
	DefaultDedupThreshold = 0.7

	// dedupMinChars is the minimum chunk length considered for dedup.
	dedupMinChars = 200
)

// Engine errors.
var (
	// ErrModelRequired is returned by New when no model is configured.
	ErrModelRequired = errors.New("conversation engine requires a model")
	// ErrConversationIDRequired is returned when the conversation id is empty.
	ErrConversationIDRequired = errors.New("conversation id is required")
	// ErrEmptyContent is returned when appending empty content.
	ErrEmptyContent = errors.New("segment content is empty")
)

// Engine owns the segment logs of all conversations in the process.
type Engine struct {
	model          model.Model
	summarizer     *summarizer.Summarizer
	counter        *token.Counter
	targetTokens   int
	threshold      float64
	rawRecent      int
	dedupThreshold float64
	logRoot        string

	mu            sync.Mutex
	conversations map[string]*conversation
}

// Option configures the engine.
type Option func(*Engine)

// WithModel sets the model used for compression summaries. Required.
func WithModel(m model.Model) Option {
	return func(e *Engine) {
		e.model = m
	}
}

// WithSummarizer sets the adaptive summarizer used to compress segments too
// large for a single condensation prompt. Optional.
func WithSummarizer(s *summarizer.Summarizer) Option {
	return func(e *Engine) {
		e.summarizer = s
	}
}

// WithTokenCounter sets the counter used for all token accounting.
func WithTokenCounter(c *token.Counter) Option {
	return func(e *Engine) {
		if c != nil {
			e.counter = c
		}
	}
}

// WithTargetContextTokens sets the context size compression steers to.
func WithTargetContextTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.targetTokens = n
		}
	}
}

// WithCompressThreshold sets the fill ratio in [0, 1] that triggers
// compression.
func WithCompressThreshold(ratio float64) Option {
	return func(e *Engine) {
		if ratio > 0 && ratio <= 1 {
			e.threshold = ratio
		}
	}
}

// WithRawRecentTokens sets the newest-token window never compressed.
func WithRawRecentTokens(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.rawRecent = n
		}
	}
}

// WithDedupThreshold sets the token-Jaccard similarity at which repeated
// pastes become reference segments.
func WithDedupThreshold(ratio float64) Option {
	return func(e *Engine) {
		if ratio > 0 && ratio <= 1 {
			e.dedupThreshold = ratio
		}
	}
}

// WithLogRoot enables durable segment logs under root: every appended or
// compressed segment is written as one file, and a conversation is
// rehydrated from its log on first access. Without a root the segment log is
// process-local.
func WithLogRoot(root string) Option {
	return func(e *Engine) {
		e.logRoot = root
	}
}

// New builds a long-conversation engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		counter:        token.NewCounter(),
		targetTokens:   DefaultTargetContextTokens,
		threshold:      DefaultCompressThreshold,
		rawRecent:      DefaultRawRecentTokens,
		dedupThreshold: DefaultDedupThreshold,
		conversations:  make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.model == nil {
		return nil, ErrModelRequired
	}
	return e, nil
}

// Append records one turn. User messages containing a large chunk highly
// similar to a prior segment are stored as reference segments with a compact
// marker instead of the full text.
func (e *Engine) Append(conversationID string, role model.Role, content string) (*Segment, error) {
	if conversationID == "" {
		return nil, ErrConversationIDRequired
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conversation(conversationID)

	seg := &Segment{
		ID:          uuid.NewString(),
		Role:        role,
		Content:     content,
		Timestamp:   time.Now(),
		State:       StateRaw,
		ContentHash: hashContent(content),
	}
	seg.OriginalTokens = e.count(content)
	seg.CurrentTokens = seg.OriginalTokens

	if role == model.RoleUser {
		if prior, diff, ok := e.findDuplicate(conv, content); ok {
			marker := referenceMarker(prior.Ordinal)
			seg.State = StateReference
			seg.RefersTo = prior.ID
			seg.Diff = diff
			seg.Content = marker
			seg.CurrentTokens = e.count(marker)
		}
	}

	conv.append(seg)
	e.persistSegment(conversationID, seg)
	return seg, nil
}

// BuildContext assembles the upstream message list under tokenBudget. The
// system prompt and the new user segment are always included; the remaining
// budget is filled with the newest other segments, emitted in chronological
// order.
func (e *Engine) BuildContext(
	conversationID, systemPrompt string,
	newUserSegment *Segment,
	tokenBudget int,
) []model.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv := e.conversation(conversationID)

	budget := tokenBudget
	if systemPrompt != "" {
		budget -= e.count(systemPrompt)
	}
	userContent := ""
	if newUserSegment != nil {
		userContent = conv.render(newUserSegment)
		budget -= newUserSegment.CurrentTokens
	}

	var picked []*Segment
	for i := len(conv.segments) - 1; i >= 0 && budget > 0; i-- {
		seg := conv.segments[i]
		if newUserSegment != nil && seg.ID == newUserSegment.ID {
			continue
		}
		cost := seg.CurrentTokens
		if cost > budget {
			continue
		}
		picked = append(picked, seg)
		budget -= cost
	}
	sort.Slice(picked, func(i, j int) bool {
		return picked[i].Ordinal < picked[j].Ordinal
	})

	messages := make([]model.Message, 0, len(picked)+2)
	if systemPrompt != "" {
		messages = append(messages, model.NewSystemMessage(systemPrompt))
	}
	for _, seg := range picked {
		messages = append(messages, model.Message{Role: seg.Role, Content: conv.render(seg)})
	}
	if newUserSegment != nil {
		messages = append(messages, model.NewUserMessage(userContent))
	}
	return messages
}

// ContextFor assembles the upstream message list for a user turn that has
// not been appended yet. A tokenBudget of zero or less uses the engine's
// target context size.
func (e *Engine) ContextFor(conversationID, systemPrompt, userMessage string, tokenBudget int) []model.Message {
	if tokenBudget <= 0 {
		tokenBudget = e.targetTokens
	}
	seg := &Segment{
		ID:      uuid.NewString(),
		Role:    model.RoleUser,
		Content: userMessage,
		State:   StateRaw,
	}
	seg.CurrentTokens = e.count(userMessage)
	return e.BuildContext(conversationID, systemPrompt, seg, tokenBudget)
}

// TotalTokens returns the conversation's current token total.
func (e *Engine) TotalTokens(conversationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversation(conversationID).totalTokens
}

// Segments returns the conversation's segments in order.
func (e *Engine) Segments(conversationID string) []*Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Segment(nil), e.conversation(conversationID).segments...)
}

// NeedsCompression reports whether the conversation has crossed the
// compression threshold.
func (e *Engine) NeedsCompression(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.conversations[conversationID]
	if !ok || e.targetTokens <= 0 {
		return false
	}
	return float64(conv.totalTokens)/float64(e.targetTokens) >= e.threshold
}

// conversation returns the arena for id, creating it on first use and
// rehydrating it from the segment log when one is configured. Caller holds
// e.mu.
func (e *Engine) conversation(id string) *conversation {
	conv, ok := e.conversations[id]
	if !ok {
		conv = newConversation(id)
		e.loadSegments(id, conv)
		e.conversations[id] = conv
	}
	return conv
}

// findDuplicate looks for a prior segment highly similar to one of the
// message's large blank-line-delimited chunks. Caller holds e.mu.
func (e *Engine) findDuplicate(conv *conversation, content string) (*Segment, string, bool) {
	chunks := largeChunks(content)
	if len(chunks) == 0 {
		return nil, "", false
	}
	for _, chunk := range chunks {
		// Identical paste: hash lookup, no scan.
		if indices, ok := conv.byHash[hashContent(chunk)]; ok && len(indices) > 0 {
			return conv.segments[indices[0]], "", true
		}
	}
	chunkSets := make([]map[string]struct{}, len(chunks))
	for i, chunk := range chunks {
		chunkSets[i] = util.TokenSet(chunk)
	}
	for _, seg := range conv.segments {
		if seg.State == StateReference {
			continue
		}
		segTokens := util.TokenSet(seg.Content)
		for i, set := range chunkSets {
			if util.Jaccard(set, segTokens) >= e.dedupThreshold {
				return seg, lineDiff(seg.Content, chunks[i]), true
			}
		}
	}
	return nil, "", false
}

// largeChunks returns the blank-line-delimited chunks of at least
// dedupMinChars characters.
func largeChunks(content string) []string {
	if len(content) < dedupMinChars {
		return nil
	}
	var chunks []string
	for _, chunk := range strings.Split(content, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if len(chunk) >= dedupMinChars {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// lineDiff lists the lines present in the new text but not the old one,
// "+"-prefixed. Empty when nothing was added.
func lineDiff(old, new string) string {
	oldLines := make(map[string]struct{})
	for _, line := range strings.Split(old, "\n") {
		oldLines[strings.TrimSpace(line)] = struct{}{}
	}
	var added []string
	for _, line := range strings.Split(new, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if _, ok := oldLines[trimmed]; !ok {
			added = append(added, "+ "+trimmed)
		}
	}
	return strings.Join(added, "\n")
}

func (e *Engine) count(text string) int {
	return e.counter.Count(e.model.Info().Name, text)
}
