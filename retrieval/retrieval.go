//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package retrieval turns a query into a ranked, diversified result list:
// candidate fetch from the vector store, cross-encoder rerank, score blending
// (distance, recency, salience, tag overlap), and MMR selection.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-recall-go/internal/util"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/reranker"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/reranker/topk"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/searchfilter"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/memory"
	"trpc.group/trpc-go/trpc-recall-go/telemetry"
)

// Scoring defaults. The blended score is
//
//	r + 0.1/(1+distance) + 0.2*recency + 0.1*salience + tagBoost*overlap
//
// where r is the rerank score (vector similarity when no cross-encoder is
// configured) and distance = 1 - similarity.
const (
	// DefaultMMRLambda balances relevance against redundancy during MMR.
	DefaultMMRLambda = 0.7
	// DefaultTagBoost scales the tag-overlap contribution.
	DefaultTagBoost = 1.0

	// candidateMultiplier oversizes the fetch so rerank and MMR have slack.
	candidateMultiplier = 3

	distanceWeight = 0.1
	recencyWeight  = 0.2
	salienceWeight = 0.1

	// recencyScaleDays is the age at which recency decays to one half.
	recencyScaleDays = 7.0

	// Tag overlap counts shared alphabetic tokens of at least four runes,
	// capped, each worth a fixed increment.
	overlapTokenMinRunes = 4
	overlapTokenCap      = 3
	overlapTokenScore    = 0.1
)

// Engine errors.
var (
	ErrNilRequest       = errors.New("retrieval request is nil")
	ErrStoreRequired    = errors.New("retrieval engine requires a vector store")
	ErrQueryTextMissing = errors.New("retrieval query text is empty")
)

// Request describes one retrieval.
type Request struct {
	// Query is the text to retrieve against.
	Query string
	// Scope restricts candidates to one conversation. Empty means unscoped.
	Scope string
	// TopK is the number of results to return. Zero disables retrieval.
	TopK int
	// Filter adds plain metadata equality requirements.
	Filter map[string]any
	// IncludeGlobal additionally fetches from the shared "global" scope when
	// the primary scope is distinct from it.
	IncludeGlobal bool
}

// Item is one retrieved result with its score breakdown.
type Item struct {
	Document *document.Document
	// Score is the blended score the final ordering is based on.
	Score float64
	// RerankScore is the raw cross-encoder score, or the vector similarity
	// when no cross-encoder contributed.
	RerankScore float64
	// Distance is 1 - similarity as reported by the vector store.
	Distance float64
}

// Result is an ordered retrieval result.
type Result struct {
	Items []*Item
}

// MemoryResult carries memory entries plus the conversation's rolling
// summaries as separate blocks.
type MemoryResult struct {
	Result
	SummaryShort *document.Document
	SummaryLong  *document.Document
}

// Engine is the retrieval pipeline over one vector store.
type Engine struct {
	store      vectorstore.VectorStore
	reranker   reranker.Reranker
	mmrLambda  float64
	tagBoost   float64
	threshold  float64
	scopeField string
}

// Option configures the engine.
type Option func(*Engine)

// WithVectorStore sets the candidate source. Required.
func WithVectorStore(store vectorstore.VectorStore) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithReranker sets the reranker. Defaults to the pass-through top-k
// reranker, which keeps similarity ordering.
func WithReranker(r reranker.Reranker) Option {
	return func(e *Engine) {
		e.reranker = r
	}
}

// WithMMRLambda sets the MMR relevance weight in [0, 1].
func WithMMRLambda(lambda float64) Option {
	return func(e *Engine) {
		e.mmrLambda = lambda
	}
}

// WithTagBoost scales the tag-overlap score contribution.
func WithTagBoost(boost float64) Option {
	return func(e *Engine) {
		e.tagBoost = boost
	}
}

// WithScoreThreshold drops blended scores below the threshold. Zero keeps
// everything.
func WithScoreThreshold(threshold float64) Option {
	return func(e *Engine) {
		e.threshold = threshold
	}
}

// WithScopeField overrides the metadata field scoping is matched against.
func WithScopeField(field string) Option {
	return func(e *Engine) {
		e.scopeField = field
	}
}

// New builds a retrieval engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		mmrLambda:  DefaultMMRLambda,
		tagBoost:   DefaultTagBoost,
		scopeField: memory.MetaKeyConversationID,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		return nil, ErrStoreRequired
	}
	if e.reranker == nil {
		e.reranker = topk.New()
	}
	return e, nil
}

// Retrieve runs the full pipeline: fetch, rerank, blend, threshold, MMR.
func (e *Engine) Retrieve(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if req.TopK <= 0 {
		return &Result{}, nil
	}
	if req.Query == "" {
		return nil, ErrQueryTextMissing
	}

	ctx, span := telemetry.Tracer.Start(ctx,
		telemetry.SpanName(telemetry.OperationRetrieve, req.Scope),
		trace.WithAttributes(
			attribute.String(telemetry.KeyRetrieveScope, req.Scope),
			attribute.Int(telemetry.KeyRetrieveTopK, req.TopK),
		))
	defer span.End()

	candidates, err := e.fetchCandidates(ctx, req, nil)
	if err != nil {
		span.SetAttributes(attribute.String(telemetry.KeyErrorMessage, err.Error()))
		return nil, err
	}
	items := e.selectTop(ctx, req, candidates)
	span.SetAttributes(attribute.Int(telemetry.KeyRetrieveHits, len(items)))
	return &Result{Items: items}, nil
}

// RetrieveMemory retrieves memory entries for a conversation, excluding
// rolling summaries from the ranked list and returning them separately.
func (e *Engine) RetrieveMemory(ctx context.Context, req *Request) (*MemoryResult, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if req.TopK <= 0 {
		return &MemoryResult{}, nil
	}
	if req.Query == "" {
		return nil, ErrQueryTextMissing
	}

	ctx, span := telemetry.Tracer.Start(ctx,
		telemetry.SpanName(telemetry.OperationRetrieve, req.Scope),
		trace.WithAttributes(
			attribute.String(telemetry.KeyRetrieveScope, req.Scope),
			attribute.Int(telemetry.KeyRetrieveTopK, req.TopK),
		))
	defer span.End()

	noSummaries := searchfilter.NotEqual(memory.MetaKeyRole, memory.RoleSummary)
	candidates, err := e.fetchCandidates(ctx, req, noSummaries)
	if err != nil {
		span.SetAttributes(attribute.String(telemetry.KeyErrorMessage, err.Error()))
		return nil, err
	}
	items := e.selectTop(ctx, req, candidates)
	span.SetAttributes(attribute.Int(telemetry.KeyRetrieveHits, len(items)))

	result := &MemoryResult{Result: Result{Items: items}}
	result.SummaryShort, result.SummaryLong = e.fetchSummaries(ctx, req.Scope)
	return result, nil
}

// candidate carries one fetched document through rerank and blending.
type candidate struct {
	doc        *document.Document
	similarity float64
	distance   float64
	rerank     float64
	score      float64
	tokens     map[string]struct{}
}

// fetchCandidates queries the primary scope, plus the global scope when
// requested, and dedupes by document id.
func (e *Engine) fetchCandidates(
	ctx context.Context,
	req *Request,
	condition *searchfilter.UniversalFilterCondition,
) ([]*candidate, error) {
	limit := candidateMultiplier * req.TopK

	scopes := []string{req.Scope}
	if req.IncludeGlobal && req.Scope != "" && req.Scope != memory.GlobalConversationID {
		scopes = append(scopes, memory.GlobalConversationID)
	}

	seen := make(map[string]struct{})
	var candidates []*candidate
	for _, scope := range scopes {
		metadata := make(map[string]any, len(req.Filter)+1)
		for k, v := range req.Filter {
			metadata[k] = v
		}
		if scope != "" {
			metadata[e.scopeField] = scope
		}
		result, err := e.store.Query(ctx, &vectorstore.SearchQuery{
			Text:  req.Query,
			Limit: limit,
			Filter: &vectorstore.SearchFilter{
				Metadata:  metadata,
				Condition: condition,
			},
			SearchMode: vectorstore.SearchModeVector,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch candidates: %w", err)
		}
		for _, scored := range result.Results {
			if scored == nil || scored.Document == nil {
				continue
			}
			if _, dup := seen[scored.Document.ID]; dup {
				continue
			}
			seen[scored.Document.ID] = struct{}{}
			candidates = append(candidates, &candidate{
				doc:        scored.Document,
				similarity: scored.Score,
				distance:   1 - scored.Score,
			})
		}
	}
	return candidates, nil
}

// selectTop reranks, blends scores, applies the threshold, and runs MMR.
func (e *Engine) selectTop(ctx context.Context, req *Request, candidates []*candidate) []*Item {
	if len(candidates) == 0 {
		return nil
	}

	ranked := e.rerank(ctx, req.Query, candidates)

	now := time.Now()
	queryTokens := overlapTokens(req.Query)
	for _, c := range ranked {
		c.tokens = util.TokenSet(c.doc.Content)
		c.score = c.rerank +
			distanceWeight/(1+c.distance) +
			recencyWeight*recencyScore(c.doc, now) +
			salienceWeight*salienceOf(c.doc) +
			e.tagBoost*e.overlapScore(queryTokens, c.doc)
	}

	if e.threshold > 0 {
		kept := ranked[:0]
		for _, c := range ranked {
			if c.score >= e.threshold {
				kept = append(kept, c)
			}
		}
		ranked = kept
	}
	if len(ranked) == 0 {
		return nil
	}

	// Stable sort keeps rerank order among equal scores.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	selected := e.mmrSelect(ranked, req.TopK)
	items := make([]*Item, 0, len(selected))
	for _, c := range selected {
		items = append(items, &Item{
			Document:    c.doc,
			Score:       c.score,
			RerankScore: c.rerank,
			Distance:    c.distance,
		})
	}
	return items
}

// rerank scores candidates through the configured reranker. On failure the
// vector similarities stand in, which degrades to distance ordering.
func (e *Engine) rerank(ctx context.Context, query string, candidates []*candidate) []*candidate {
	results := make([]*reranker.Result, 0, len(candidates))
	byID := make(map[string]*candidate, len(candidates))
	for _, c := range candidates {
		results = append(results, &reranker.Result{Document: c.doc, Score: c.similarity})
		byID[c.doc.ID] = c
	}

	reranked, err := e.reranker.Rerank(ctx, &reranker.Query{Text: query}, results)
	if err != nil || len(reranked) == 0 {
		if err != nil {
			log.Warnf("retrieval: rerank failed, falling back to similarity order: %v", err)
		}
		for _, c := range candidates {
			c.rerank = c.similarity
		}
		return candidates
	}

	ordered := make([]*candidate, 0, len(reranked))
	for _, r := range reranked {
		if r == nil || r.Document == nil {
			continue
		}
		c, ok := byID[r.Document.ID]
		if !ok {
			continue
		}
		c.rerank = r.Score
		ordered = append(ordered, c)
	}
	if len(ordered) == 0 {
		for _, c := range candidates {
			c.rerank = c.similarity
		}
		return candidates
	}
	return ordered
}

// mmrSelect emits up to topK candidates: the top-scored first, then whatever
// maximizes lambda*score - (1-lambda)*redundancy, where redundancy is the
// highest token-Jaccard similarity against anything already selected.
func (e *Engine) mmrSelect(ranked []*candidate, topK int) []*candidate {
	if len(ranked) == 0 {
		return nil
	}
	selected := []*candidate{ranked[0]}
	remaining := append([]*candidate(nil), ranked[1:]...)

	for len(selected) < topK && len(remaining) > 0 {
		bestIdx := 0
		bestVal := mmrValue(e.mmrLambda, remaining[0], selected)
		for i := 1; i < len(remaining); i++ {
			if v := mmrValue(e.mmrLambda, remaining[i], selected); v > bestVal {
				bestVal = v
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

func mmrValue(lambda float64, c *candidate, selected []*candidate) float64 {
	redundancy := 0.0
	for _, s := range selected {
		if j := util.Jaccard(c.tokens, s.tokens); j > redundancy {
			redundancy = j
		}
	}
	return lambda*c.score - (1-lambda)*redundancy
}

// fetchSummaries loads the short and long rolling summaries of a scope.
// Missing summaries and lookup errors both yield nils.
func (e *Engine) fetchSummaries(ctx context.Context, scope string) (short, long *document.Document) {
	if scope == "" {
		return nil, nil
	}
	ids := []string{
		memory.SummaryEntryID(scope, memory.SummaryKindShort),
		memory.SummaryEntryID(scope, memory.SummaryKindLong),
	}
	result, err := e.store.Query(ctx, &vectorstore.SearchQuery{
		Limit:      len(ids),
		Filter:     &vectorstore.SearchFilter{IDs: ids},
		SearchMode: vectorstore.SearchModeFilter,
	})
	if err != nil {
		log.Warnf("retrieval: summary lookup for %s failed: %v", scope, err)
		return nil, nil
	}
	for _, scored := range result.Results {
		if scored == nil || scored.Document == nil {
			continue
		}
		switch scored.Document.Metadata[memory.MetaKeySummaryKind] {
		case memory.SummaryKindShort:
			short = scored.Document
		case memory.SummaryKindLong:
			long = scored.Document
		}
	}
	return short, long
}

// recencyScore decays with document age: 1 today, 1/2 after a week. A zero
// creation time contributes nothing.
func recencyScore(doc *document.Document, now time.Time) float64 {
	if doc.CreatedAt.IsZero() {
		return 0
	}
	ageDays := now.Sub(doc.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays/recencyScaleDays)
}

func salienceOf(doc *document.Document) float64 {
	switch v := doc.Metadata[memory.MetaKeySalience].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// overlapScore counts query tokens shared with the document's tags.
func (e *Engine) overlapScore(queryTokens map[string]struct{}, doc *document.Document) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	tags := metaTags(doc.Metadata[memory.MetaKeyTags])
	if len(tags) == 0 {
		return 0
	}
	shared := 0
	counted := make(map[string]struct{})
	for _, tag := range tags {
		for token := range overlapTokens(tag) {
			if _, ok := queryTokens[token]; !ok {
				continue
			}
			if _, dup := counted[token]; dup {
				continue
			}
			counted[token] = struct{}{}
			shared++
		}
	}
	if shared > overlapTokenCap {
		shared = overlapTokenCap
	}
	return float64(shared) * overlapTokenScore
}

// overlapTokens extracts the alphabetic tokens of at least four runes that
// participate in tag-overlap scoring.
func overlapTokens(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for token := range util.TokenSet(text) {
		if utf8.RuneCountInString(token) < overlapTokenMinRunes {
			continue
		}
		if !isAlphabetic(token) {
			continue
		}
		tokens[token] = struct{}{}
	}
	return tokens
}

func isAlphabetic(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return s != ""
}

func metaTags(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	default:
		return nil
	}
}
