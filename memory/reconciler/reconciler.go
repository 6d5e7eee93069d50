//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package reconciler turns user messages into long-term memory: an LLM agent
// extracts candidate facts, a second agent reconciles them against the
// existing facts of the conversation (add, update, delete or ignore), and the
// results land in the memory service together with refreshed rolling
// summaries.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-recall-go/internal/util"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/memory"
	"trpc.group/trpc-go/trpc-recall-go/model"
	"trpc.group/trpc-go/trpc-recall-go/telemetry"
)

// Defaults.
const (
	// DefaultMaxExisting caps the existing facts shown to the decision agent.
	DefaultMaxExisting = 20
	// DefaultShortSummaryTokens is the rolling short summary budget.
	DefaultShortSummaryTokens = 256
	// DefaultLongSummaryTokens is the rolling long summary budget.
	DefaultLongSummaryTokens = 512

	// maxFactsPerTurn caps the facts extracted from one user message.
	maxFactsPerTurn = 3
)

// Reconciler errors.
var (
	// ErrModelRequired is returned by New when no model is configured.
	ErrModelRequired = errors.New("reconciler requires a model")
	// ErrServiceRequired is returned by New when no memory service is configured.
	ErrServiceRequired = errors.New("reconciler requires a memory service")
)

// Outcome reports what one reconciliation changed.
type Outcome struct {
	// Facts are the candidate facts extracted from the user message.
	Facts []string
	// Added are the entries written as live facts.
	Added []*memory.Entry
	// Deleted are the ids tombstoned by DELETE and UPDATE decisions.
	Deleted []string
	// ReplacementMap maps each tombstoned id to the id superseding it.
	ReplacementMap map[string]string
}

// Reconciler drives the extraction and decision agents for one memory
// service.
type Reconciler struct {
	model           model.Model
	service         memory.Service
	maxExisting     int
	maxEntries      int
	enableSummaries bool
	shortTokens     int
	longTokens      int
}

// Option configures the reconciler.
type Option func(*Reconciler)

// WithModel sets the model both agents run on. Required.
func WithModel(m model.Model) Option {
	return func(r *Reconciler) {
		r.model = m
	}
}

// WithService sets the memory service mutations land in. Required.
func WithService(s memory.Service) Option {
	return func(r *Reconciler) {
		r.service = s
	}
}

// WithMaxExisting caps the existing facts fetched for the decision agent.
func WithMaxExisting(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxExisting = n
		}
	}
}

// WithMaxEntries enables eviction: when a conversation's live non-summary
// entries exceed n, the oldest are tombstoned. Zero disables eviction.
func WithMaxEntries(n int) Option {
	return func(r *Reconciler) {
		r.maxEntries = n
	}
}

// WithSummaries toggles rolling summary maintenance.
func WithSummaries(enabled bool) Option {
	return func(r *Reconciler) {
		r.enableSummaries = enabled
	}
}

// WithSummaryBudgets overrides the short and long summary token budgets.
func WithSummaryBudgets(short, long int) Option {
	return func(r *Reconciler) {
		if short > 0 {
			r.shortTokens = short
		}
		if long > 0 {
			r.longTokens = long
		}
	}
}

// New builds a reconciler.
func New(opts ...Option) (*Reconciler, error) {
	r := &Reconciler{
		maxExisting:     DefaultMaxExisting,
		enableSummaries: true,
		shortTokens:     DefaultShortSummaryTokens,
		longTokens:      DefaultLongSummaryTokens,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.model == nil {
		return nil, ErrModelRequired
	}
	if r.service == nil {
		return nil, ErrServiceRequired
	}
	return r, nil
}

// Reconcile extracts facts from one user message and applies them to the
// conversation's memory. sourceID links the written facts back to the turn
// that produced them. Transient model failures degrade to no-ops; store
// failures propagate.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	conversationID, userMessage, sourceID string,
) (*Outcome, error) {
	if conversationID == "" {
		return nil, memory.ErrConversationIDRequired
	}

	ctx, span := telemetry.Tracer.Start(ctx,
		telemetry.SpanName(telemetry.OperationReconcile, conversationID))
	defer span.End()

	outcome := &Outcome{ReplacementMap: make(map[string]string)}

	facts := r.extractFacts(ctx, userMessage)
	outcome.Facts = facts
	if len(facts) == 0 {
		return outcome, nil
	}

	existing, err := r.service.List(ctx, conversationID, memory.RoleMemory, r.maxExisting)
	if err != nil {
		return nil, fmt.Errorf("list existing facts: %w", err)
	}

	decisions := r.decide(ctx, existing, facts)
	decisions = applySafeguard(decisions, facts)

	if err := r.apply(ctx, conversationID, sourceID, decisions, existing, outcome); err != nil {
		return nil, err
	}

	if r.enableSummaries && len(outcome.Added) > 0 {
		r.updateSummaries(ctx, conversationID, facts)
	}
	if r.maxEntries > 0 {
		r.evict(ctx, conversationID)
	}
	return outcome, nil
}

// apply executes the decision list. Each ADD or UPDATE is all-or-nothing for
// its own entry pair; failures of one decision do not roll back the others.
func (r *Reconciler) apply(
	ctx context.Context,
	conversationID, sourceID string,
	decisions []*Decision,
	existing []*memory.Entry,
	outcome *Outcome,
) error {
	byID := make(map[string]*memory.Entry, len(existing))
	for _, entry := range existing {
		byID[entry.ID] = entry
	}

	for _, decision := range decisions {
		switch decision.Event {
		case EventAdd:
			entry := r.newFactEntry(conversationID, sourceID, decision.Text, "")
			if err := r.service.Add(ctx, entry); err != nil {
				return fmt.Errorf("add fact: %w", err)
			}
			outcome.Added = append(outcome.Added, entry)

		case EventUpdate:
			old, ok := byID[decision.ID]
			if !ok {
				log.Warnf("reconciler: UPDATE names unknown id %q, treating as ADD", decision.ID)
				entry := r.newFactEntry(conversationID, sourceID, decision.Text, "")
				if err := r.service.Add(ctx, entry); err != nil {
					return fmt.Errorf("add fact: %w", err)
				}
				outcome.Added = append(outcome.Added, entry)
				continue
			}
			entry := r.newFactEntry(conversationID, sourceID, decision.Text, old.FactKey)
			if err := r.service.Add(ctx, entry); err != nil {
				return fmt.Errorf("add replacement fact: %w", err)
			}
			if err := r.service.Delete(ctx, conversationID, old.ID, entry.ID); err != nil {
				return fmt.Errorf("tombstone replaced fact: %w", err)
			}
			outcome.Added = append(outcome.Added, entry)
			outcome.Deleted = append(outcome.Deleted, old.ID)
			outcome.ReplacementMap[old.ID] = entry.ID

		case EventDelete:
			if _, ok := byID[decision.ID]; !ok {
				log.Warnf("reconciler: DELETE names unknown id %q, skipping", decision.ID)
				continue
			}
			if err := r.service.Delete(ctx, conversationID, decision.ID, ""); err != nil {
				return fmt.Errorf("delete fact: %w", err)
			}
			outcome.Deleted = append(outcome.Deleted, decision.ID)

		case EventNone:
			// Exact duplicate of an existing fact; nothing to do.
		}
	}
	return nil
}

// newFactEntry builds a live fact entry. The fact key groups successive
// versions of one fact; absent an inherited key a stable hash of the
// normalized text serves.
func (r *Reconciler) newFactEntry(conversationID, sourceID, text, factKey string) *memory.Entry {
	if factKey == "" {
		normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
		factKey = "fact-" + util.StableHashHex(normalized)
	}
	now := time.Now()
	return &memory.Entry{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           memory.RoleMemory,
		Content:        text,
		CreatedAt:      now,
		UpdatedAt:      now,
		FactKey:        factKey,
		SourceID:       sourceID,
	}
}

// updateSummaries regenerates the rolling short and long summaries from the
// prior versions and the new facts. Summary failures are logged and skipped;
// the next turn retries.
func (r *Reconciler) updateSummaries(ctx context.Context, conversationID string, facts []string) {
	kinds := []struct {
		kind   string
		budget int
	}{
		{memory.SummaryKindShort, r.shortTokens},
		{memory.SummaryKindLong, r.longTokens},
	}
	for _, k := range kinds {
		prior := ""
		id := memory.SummaryEntryID(conversationID, k.kind)
		if entry, err := r.service.Get(ctx, conversationID, id); err == nil && entry != nil {
			prior = entry.Content
		}
		summary, err := r.generateSummary(ctx, prior, facts, k.budget)
		if err != nil {
			log.Warnf("reconciler: %s summary for %s failed: %v", k.kind, conversationID, err)
			continue
		}
		now := time.Now()
		entry := &memory.Entry{
			ID:             id,
			ConversationID: conversationID,
			Role:           memory.RoleSummary,
			Content:        summary,
			CreatedAt:      now,
			UpdatedAt:      now,
			SummaryKind:    k.kind,
		}
		if err := r.service.Add(ctx, entry); err != nil {
			log.Warnf("reconciler: persist %s summary for %s failed: %v", k.kind, conversationID, err)
		}
	}
}

// evict tombstones the oldest non-summary entries past maxEntries.
func (r *Reconciler) evict(ctx context.Context, conversationID string) {
	entries, err := r.service.List(ctx, conversationID, "", 0)
	if err != nil {
		log.Warnf("reconciler: eviction list for %s failed: %v", conversationID, err)
		return
	}
	var evictable []*memory.Entry
	for _, entry := range entries {
		if entry.Role == memory.RoleSummary {
			continue
		}
		evictable = append(evictable, entry)
	}
	excess := len(evictable) - r.maxEntries
	if excess <= 0 {
		return
	}
	// Oldest first.
	sort.Slice(evictable, func(i, j int) bool {
		return evictable[i].CreatedAt.Before(evictable[j].CreatedAt)
	})
	for _, entry := range evictable[:excess] {
		if err := r.service.Delete(ctx, conversationID, entry.ID, ""); err != nil {
			log.Warnf("reconciler: evict %s from %s failed: %v", entry.ID, conversationID, err)
		}
	}
}

// generateSummary regenerates one rolling summary from its prior version
// and the turn's new facts, bounded by the token budget.
func (r *Reconciler) generateSummary(
	ctx context.Context,
	prior string,
	facts []string,
	budget int,
) (string, error) {
	input, err := json.Marshal(struct {
		PriorSummary string   `json:"prior_summary"`
		NewFacts     []string `json:"new_facts"`
	}{PriorSummary: prior, NewFacts: facts})
	if err != nil {
		return "", fmt.Errorf("marshal summary input: %w", err)
	}
	summary, err := r.complete(ctx, fmt.Sprintf(summaryPrompt, budget), string(input), budget)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "", errors.New("model produced an empty summary")
	}
	return summary, nil
}

// complete runs one model call and harvests the streamed text.
func (r *Reconciler) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	request := &model.Request{
		Messages: []model.Message{
			model.NewSystemMessage(system),
			model.NewUserMessage(user),
		},
	}
	if maxTokens > 0 {
		request.MaxTokens = &maxTokens
	}
	responseChan, err := r.model.GenerateContent(ctx, request)
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
	return strings.TrimSpace(builder.String()), nil
}
