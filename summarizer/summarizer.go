//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package summarizer provides adaptive summarization: short inputs pass
// through untouched, medium inputs become a one-sentence brief, and long
// inputs go through a map-reduce pipeline that collapses intermediate
// summaries until they fit a token budget.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/chunking"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/model"
	"trpc.group/trpc-go/trpc-recall-go/telemetry"
	"trpc.group/trpc-go/trpc-recall-go/token"
)

// Level identifies how much work the input needed.
type Level string

// Summarization levels, selected by input token count.
const (
	// LevelNone means the input was too short to summarize.
	LevelNone Level = "NONE"
	// LevelBrief means the input got a single-sentence summary.
	LevelBrief Level = "BRIEF"
	// LevelMapReduce means the input went through chunked map-reduce.
	LevelMapReduce Level = "MAP_REDUCE"
)

// ContentType selects the system instructions used during summarization.
type ContentType string

// Content types with dedicated prompts. Brief summaries ignore the content
// type.
const (
	ContentGeneral      ContentType = "general"
	ContentConversation ContentType = "conversation"
	ContentJournal      ContentType = "journal"
	ContentDocument     ContentType = "document"
)

// Defaults.
const (
	// DefaultChunkSize is the map-phase chunk budget in tokens.
	DefaultChunkSize = 2048
	// DefaultOverlap is the map-phase chunk overlap in tokens.
	DefaultOverlap = 200
	// DefaultTokenMax is the reduce-phase target: collapsing repeats until
	// the combined summaries fit under it.
	DefaultTokenMax = 3000
	// DefaultMaxConcurrent bounds parallel LLM calls in both phases.
	DefaultMaxConcurrent = 4

	// briefThreshold is the minimum token count for a brief summary.
	briefThreshold = 100
	// mapReduceThreshold is the minimum token count for map-reduce.
	mapReduceThreshold = 500

	// maxCollapseIterations caps the reduce recursion; on hit, all survivors
	// are synthesized in one call regardless of size.
	maxCollapseIterations = 10

	// briefMaxWords is the word budget of a brief summary.
	briefMaxWords = 20
)

// Summarizer errors.
var (
	// ErrModelRequired is returned by New when no model is configured.
	ErrModelRequired = errors.New("summarizer requires a model")
	// ErrEmptySummary is returned when the model produced no usable text.
	ErrEmptySummary = errors.New("model produced an empty summary")
)

// Result describes one summarization outcome.
type Result struct {
	// Level records how much work the input needed.
	Level Level `json:"level"`
	// Summary is the produced text. Empty at LevelNone.
	Summary string `json:"summary,omitempty"`
	// InputTokens is the token count of the input content.
	InputTokens int `json:"input_tokens"`
	// OutputTokens is the token count of the summary.
	OutputTokens int `json:"output_tokens"`
	// CompressionRatio is OutputTokens / InputTokens; 1 at LevelNone.
	CompressionRatio float64 `json:"compression_ratio"`
	// CollapseDepth is the number of reduce iterations used.
	CollapseDepth int `json:"collapse_depth"`
	// CreatedAt is when the result was produced.
	CreatedAt time.Time `json:"created_at"`
}

// Summarizer runs the adaptive pipeline against one model.
type Summarizer struct {
	model         model.Model
	counter       *token.Counter
	chunkSize     int
	overlap       int
	tokenMax      int
	maxConcurrent int
}

// Option configures the summarizer.
type Option func(*Summarizer)

// WithModel sets the model used for all LLM calls. Required.
func WithModel(m model.Model) Option {
	return func(s *Summarizer) {
		s.model = m
	}
}

// WithTokenCounter sets the counter used to size chunks and budgets.
func WithTokenCounter(c *token.Counter) Option {
	return func(s *Summarizer) {
		if c != nil {
			s.counter = c
		}
	}
}

// WithChunkSize sets the map-phase chunk budget in tokens.
func WithChunkSize(size int) Option {
	return func(s *Summarizer) {
		if size > 0 {
			s.chunkSize = size
		}
	}
}

// WithOverlap sets the map-phase chunk overlap in tokens.
func WithOverlap(overlap int) Option {
	return func(s *Summarizer) {
		if overlap >= 0 {
			s.overlap = overlap
		}
	}
}

// WithTokenMax sets the reduce-phase collapse target in tokens.
func WithTokenMax(max int) Option {
	return func(s *Summarizer) {
		if max > 0 {
			s.tokenMax = max
		}
	}
}

// WithMaxConcurrent bounds parallel LLM calls.
func WithMaxConcurrent(n int) Option {
	return func(s *Summarizer) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// New builds a summarizer.
func New(opts ...Option) (*Summarizer, error) {
	s := &Summarizer{
		counter:       token.NewCounter(),
		chunkSize:     DefaultChunkSize,
		overlap:       DefaultOverlap,
		tokenMax:      DefaultTokenMax,
		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.model == nil {
		return nil, ErrModelRequired
	}
	return s, nil
}

// DetermineLevel maps an input token count to a summarization level.
func DetermineLevel(tokens int) Level {
	switch {
	case tokens < briefThreshold:
		return LevelNone
	case tokens < mapReduceThreshold:
		return LevelBrief
	default:
		return LevelMapReduce
	}
}

// Summarize runs the level appropriate for the content's size. prior, when
// non-empty, is a previous summary the new one should stay consistent with.
func (s *Summarizer) Summarize(
	ctx context.Context,
	content string,
	contentType ContentType,
	prior string,
) (*Result, error) {
	ctx, span := telemetry.Tracer.Start(ctx,
		telemetry.SpanName(telemetry.OperationSummarize, string(contentType)))
	defer span.End()

	inputTokens := s.count(content)
	result := &Result{
		Level:            DetermineLevel(inputTokens),
		InputTokens:      inputTokens,
		CompressionRatio: 1,
		CreatedAt:        time.Now(),
	}

	switch result.Level {
	case LevelNone:
		return result, nil
	case LevelBrief:
		summary, err := s.brief(ctx, content)
		if err != nil {
			return nil, err
		}
		result.Summary = summary
	default:
		summary, depth, err := s.mapReduce(ctx, content, contentType, prior)
		if err != nil {
			return nil, err
		}
		result.Summary = summary
		result.CollapseDepth = depth
	}

	result.OutputTokens = s.count(result.Summary)
	if inputTokens > 0 {
		result.CompressionRatio = float64(result.OutputTokens) / float64(inputTokens)
	}
	return result, nil
}

// brief produces a single sentence of at most briefMaxWords words.
func (s *Summarizer) brief(ctx context.Context, content string) (string, error) {
	summary, err := s.completeWith(ctx, briefSystemPrompt, content)
	if err != nil {
		return "", fmt.Errorf("brief summary: %w", err)
	}
	return clampWords(summary, briefMaxWords), nil
}

// mapReduce chunks the content, summarizes chunks in parallel, then collapses
// consecutive summaries until they fit under tokenMax. Returns the final
// summary and the collapse depth.
func (s *Summarizer) mapReduce(
	ctx context.Context,
	content string,
	contentType ContentType,
	prior string,
) (string, int, error) {
	chunker, err := chunking.NewTextChunking(
		chunking.WithChunkSize(s.chunkSize),
		chunking.WithOverlap(s.overlap),
		chunking.WithTokenCounter(s.count),
	)
	if err != nil {
		return "", 0, fmt.Errorf("map-reduce chunker: %w", err)
	}
	chunks := chunker.ChunkText(content)
	if len(chunks) == 0 {
		return "", 0, ErrEmptySummary
	}

	system := mapSystemPrompt(contentType, prior)
	summaries, err := s.mapPhase(ctx, system, chunks)
	if err != nil {
		return "", 0, err
	}

	depth := 0
	for s.totalTokens(summaries) > s.tokenMax && len(summaries) > 1 {
		if depth >= maxCollapseIterations {
			// Give up on fitting groups under the budget; one final
			// synthesis over everything that survived.
			merged, err := s.synthesize(ctx, contentType, prior, summaries)
			if err != nil {
				return "", depth, err
			}
			return merged, depth, nil
		}
		depth++
		summaries, err = s.reducePhase(ctx, contentType, prior, summaries)
		if err != nil {
			return "", depth, err
		}
	}

	if len(summaries) == 1 {
		return summaries[0], depth, nil
	}
	merged, err := s.synthesize(ctx, contentType, prior, summaries)
	if err != nil {
		return "", depth, err
	}
	return merged, depth, nil
}

// mapPhase summarizes chunks in parallel on an ants pool.
func (s *Summarizer) mapPhase(ctx context.Context, system string, chunks []string) ([]string, error) {
	pool, err := ants.NewPool(s.maxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to create map worker pool: %w", err)
	}
	defer pool.Release()

	summaries := make([]string, len(chunks))
	errs := make([]error, len(chunks))
	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		idx := i
		text := chunk
		if submitErr := pool.Submit(func() {
			defer wg.Done()
			summary, err := s.completeWith(ctx, system, text)
			if err != nil {
				errs[idx] = err
				return
			}
			summaries[idx] = summary
		}); submitErr != nil {
			wg.Done()
			errs[idx] = submitErr
		}
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("map chunk %d: %w", i+1, err)
		}
	}
	return summaries, nil
}

// reducePhase groups consecutive summaries whose combined size fits under
// tokenMax and synthesizes each group into one summary. Groups run in
// parallel bounded by a semaphore.
func (s *Summarizer) reducePhase(
	ctx context.Context,
	contentType ContentType,
	prior string,
	summaries []string,
) ([]string, error) {
	groups := s.groupUnderBudget(summaries)
	reduced := make([]string, len(groups))
	errs := make([]error, len(groups))

	sem := semaphore.NewWeighted(int64(s.maxConcurrent))
	var wg sync.WaitGroup
	for i, group := range groups {
		if len(group) == 1 {
			reduced[i] = group[0]
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("reduce phase: %w", err)
		}
		wg.Add(1)
		idx := i
		members := group
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			merged, err := s.synthesize(ctx, contentType, prior, members)
			if err != nil {
				errs[idx] = err
				return
			}
			reduced[idx] = merged
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("reduce group %d: %w", i+1, err)
		}
	}
	return reduced, nil
}

// groupUnderBudget packs consecutive summaries greedily into groups whose
// combined token count stays at or under tokenMax. An oversized lone summary
// forms its own group.
func (s *Summarizer) groupUnderBudget(summaries []string) [][]string {
	var groups [][]string
	var current []string
	currentTokens := 0
	for _, summary := range summaries {
		tokens := s.count(summary)
		if len(current) > 0 && currentTokens+tokens > s.tokenMax {
			groups = append(groups, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, summary)
		currentTokens += tokens
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// synthesize merges several summaries into one.
func (s *Summarizer) synthesize(
	ctx context.Context,
	contentType ContentType,
	prior string,
	summaries []string,
) (string, error) {
	input := strings.Join(summaries, "\n\n")
	merged, err := s.completeWith(ctx, synthesizeSystemPrompt(contentType, prior), input)
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	return merged, nil
}

// completeWith runs one model call and harvests the streamed responses into
// a single string.
func (s *Summarizer) completeWith(ctx context.Context, system, user string) (string, error) {
	request := &model.Request{
		Messages: []model.Message{
			model.NewSystemMessage(system),
			model.NewUserMessage(user),
		},
	}
	responseChan, err := s.model.GenerateContent(ctx, request)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	var builder strings.Builder
	for response := range responseChan {
		if response == nil {
			continue
		}
		if response.Error != nil {
			return "", fmt.Errorf("model error: %s", response.Error.Message)
		}
		if len(response.Choices) > 0 {
			builder.WriteString(response.Choices[0].Message.Content)
		}
		if response.Done {
			break
		}
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}

func (s *Summarizer) count(text string) int {
	return s.counter.Count(s.model.Info().Name, text)
}

func (s *Summarizer) totalTokens(summaries []string) int {
	total := 0
	for _, summary := range summaries {
		total += s.count(summary)
	}
	return total
}

// clampWords trims a summary to its first sentence and at most max words.
func clampWords(text string, max int) string {
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 {
		text = text[:idx+1]
	}
	words := strings.Fields(text)
	if len(words) <= max {
		return strings.Join(words, " ")
	}
	log.Debugf("summarizer: brief summary exceeded %d words, clamping", max)
	return strings.Join(words[:max], " ")
}
