//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package memory defines the memory entry model and the service interface
// shared by the reconciler, the retrieval engine and the gateway.
package memory

import (
	"context"
	"errors"
	"time"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
)

// Entry roles.
const (
	// RoleUser marks a stored user turn.
	RoleUser = "user"
	// RoleAssistant marks a stored assistant turn.
	RoleAssistant = "assistant"
	// RoleMemory marks an extracted fact.
	RoleMemory = "memory"
	// RoleSummary marks a rolling conversation summary.
	RoleSummary = "summary"
)

// Rolling summary kinds.
const (
	// SummaryKindShort is the compact rolling summary (~256 tokens).
	SummaryKindShort = "short"
	// SummaryKindLong is the extended rolling summary (~512 tokens).
	SummaryKindLong = "long"
)

// GlobalConversationID is the reserved scope whose entries are visible to
// every conversation.
const GlobalConversationID = "global"

// Metadata keys of the vector mirror of an entry.
const (
	MetaKeyConversationID = "conversation_id"
	MetaKeyRole           = "role"
	MetaKeySalience       = "salience"
	MetaKeyTags           = "tags"
	MetaKeyFactKey        = "fact_key"
	MetaKeySummaryKind    = "summary_kind"
	MetaKeySourceID       = "source_id"
)

var (
	// ErrConversationIDRequired is returned when the conversation id is empty.
	ErrConversationIDRequired = errors.New("conversationID is required")
	// ErrEntryIDRequired is returned when the entry id is empty.
	ErrEntryIDRequired = errors.New("entryID is required")
	// ErrContentRequired is returned when the entry content is empty.
	ErrContentRequired = errors.New("content is required")
	// ErrEntryNotFound is returned when no live entry has the requested id.
	ErrEntryNotFound = errors.New("memory entry not found")
)

// Service defines the memory service operations.
type Service interface {
	// Add upserts a memory entry. Adding an existing id replaces the live
	// version (rolling summaries rely on this).
	Add(ctx context.Context, entry *Entry) error

	// Get returns a live entry by id.
	Get(ctx context.Context, conversationID, entryID string) (*Entry, error)

	// Delete soft-deletes a live entry. A non-empty replacedBy records the
	// id of the entry superseding it on the tombstone.
	Delete(ctx context.Context, conversationID, entryID, replacedBy string) error

	// List returns live entries for a conversation, newest first. An empty
	// role matches all roles; limit <= 0 returns everything.
	List(ctx context.Context, conversationID, role string, limit int) ([]*Entry, error)

	// Search returns live entries relevant to the query, best first.
	Search(ctx context.Context, conversationID, query string, limit int) ([]*Entry, error)

	// Clear removes all entries of a conversation, tombstones included.
	Clear(ctx context.Context, conversationID string) error
}

// Entry represents a memory entry stored in the system.
type Entry struct {
	// ID uniquely identifies the entry.
	ID string `json:"id"`
	// ConversationID scopes the entry.
	ConversationID string `json:"conversation_id"`
	// Role is one of RoleUser, RoleAssistant, RoleMemory, RoleSummary.
	Role string `json:"role"`
	// Content is the entry body.
	Content string `json:"content"`
	// CreatedAt is the creation time.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	// Salience weighs the entry during retrieval, in [0, 1].
	Salience float64 `json:"salience,omitempty"`
	// Tags label the entry for retrieval boosts.
	Tags []string `json:"tags,omitempty"`
	// FactKey names the fact a RoleMemory entry asserts; at most one live
	// entry per (conversation, fact key).
	FactKey string `json:"fact_key,omitempty"`
	// SummaryKind distinguishes rolling summaries (short or long).
	SummaryKind string `json:"summary_kind,omitempty"`
	// SourceID links a fact to the turn that produced it.
	SourceID string `json:"source_id,omitempty"`
	// ReplacedBy is set on tombstones superseded by a newer entry.
	ReplacedBy string `json:"replaced_by,omitempty"`
}

// SummaryEntryID returns the stable id of a conversation's rolling summary,
// e.g. "chat-1::summary-short". Re-adding under the same id replaces the
// prior version.
func SummaryEntryID(conversationID, kind string) string {
	return conversationID + "::summary-" + kind
}

// Validate checks the fields every entry must carry.
func (e *Entry) Validate() error {
	if e == nil || e.ConversationID == "" {
		return ErrConversationIDRequired
	}
	if e.ID == "" {
		return ErrEntryIDRequired
	}
	if e.Content == "" {
		return ErrContentRequired
	}
	return nil
}

// Document returns the vector mirror of the entry.
func (e *Entry) Document() *document.Document {
	meta := map[string]any{
		MetaKeyConversationID: e.ConversationID,
		MetaKeyRole:           e.Role,
	}
	if e.Salience > 0 {
		meta[MetaKeySalience] = e.Salience
	}
	if len(e.Tags) > 0 {
		meta[MetaKeyTags] = append([]string(nil), e.Tags...)
	}
	if e.FactKey != "" {
		meta[MetaKeyFactKey] = e.FactKey
	}
	if e.SummaryKind != "" {
		meta[MetaKeySummaryKind] = e.SummaryKind
	}
	if e.SourceID != "" {
		meta[MetaKeySourceID] = e.SourceID
	}
	return &document.Document{
		ID:        e.ID,
		Content:   e.Content,
		Metadata:  meta,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

// EntryFromDocument rebuilds an entry from its vector mirror.
func EntryFromDocument(doc *document.Document) *Entry {
	if doc == nil {
		return nil
	}
	entry := &Entry{
		ID:        doc.ID,
		Content:   doc.Content,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	meta := doc.Metadata
	if meta == nil {
		return entry
	}
	if v, ok := meta[MetaKeyConversationID].(string); ok {
		entry.ConversationID = v
	}
	if v, ok := meta[MetaKeyRole].(string); ok {
		entry.Role = v
	}
	if v, ok := toFloat(meta[MetaKeySalience]); ok {
		entry.Salience = v
	}
	entry.Tags = toStrings(meta[MetaKeyTags])
	if v, ok := meta[MetaKeyFactKey].(string); ok {
		entry.FactKey = v
	}
	if v, ok := meta[MetaKeySummaryKind].(string); ok {
		entry.SummaryKind = v
	}
	if v, ok := meta[MetaKeySourceID].(string); ok {
		entry.SourceID = v
	}
	return entry
}

// toFloat widens the numeric types a JSON or YAML round-trip may produce.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// toStrings accepts the slice shapes a JSON or YAML round-trip may produce.
func toStrings(value any) []string {
	switch v := value.(type) {
	case []string:
		if len(v) == 0 {
			return nil
		}
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}
