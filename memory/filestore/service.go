//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package filestore

import (
	"context"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/memory"
)

// ErrVectorStoreRequired is returned when the service is built without a
// vector store to mirror into.
var ErrVectorStoreRequired = errors.New("filestore service requires a vector store")

// Service implements memory.Service by writing every durable mutation to
// both owners of state: the file store and the vector store. A mutation
// that cannot land in both lands in neither.
type Service struct {
	store  *Store
	vector vectorstore.VectorStore
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithVectorStore sets the vector store mirror.
func WithVectorStore(vs vectorstore.VectorStore) ServiceOption {
	return func(s *Service) {
		s.vector = vs
	}
}

// NewService builds a dual-write memory service over an opened store.
func NewService(store *Store, opts ...ServiceOption) (*Service, error) {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		return nil, ErrRootRequired
	}
	if s.vector == nil {
		return nil, ErrVectorStoreRequired
	}
	return s, nil
}

// Store exposes the underlying file store.
func (s *Service) Store() *Store {
	return s.store
}

// Add upserts an entry into both stores. If the vector write fails after the
// file write succeeded, the file write is undone so the stores stay aligned.
func (s *Service) Add(ctx context.Context, entry *memory.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	prior, hadPrior := s.store.Get(entry.ID)
	if err := s.store.Put(entry); err != nil {
		return fmt.Errorf("file write: %w", err)
	}
	if err := s.vector.Add(ctx, entry.Document()); err != nil {
		s.rollbackPut(entry.ID, prior, hadPrior)
		return fmt.Errorf("vector write: %w", err)
	}
	return nil
}

// rollbackPut restores the pre-Add state of an entry after a failed vector
// write: the prior version is re-written, or the fresh file is removed.
func (s *Service) rollbackPut(entryID string, prior *memory.Entry, hadPrior bool) {
	if hadPrior {
		if err := s.store.Put(prior); err != nil {
			logRollback(entryID, err)
		}
		return
	}
	if err := s.store.hardRemove(entryID); err != nil {
		logRollback(entryID, err)
	}
}

// Get returns a live entry by id.
func (s *Service) Get(ctx context.Context, conversationID, entryID string) (*memory.Entry, error) {
	if conversationID == "" {
		return nil, memory.ErrConversationIDRequired
	}
	if entryID == "" {
		return nil, memory.ErrEntryIDRequired
	}
	entry, ok := s.store.Get(entryID)
	if !ok || entry.ConversationID != conversationID {
		return nil, memory.ErrEntryNotFound
	}
	return entry, nil
}

// Delete tombstones an entry in the file store and removes it from the
// vector store. replacedBy, when non-empty, is recorded on the tombstone.
func (s *Service) Delete(ctx context.Context, conversationID, entryID, replacedBy string) error {
	if conversationID == "" {
		return memory.ErrConversationIDRequired
	}
	if entryID == "" {
		return memory.ErrEntryIDRequired
	}
	entry, ok := s.store.Get(entryID)
	if !ok || entry.ConversationID != conversationID {
		return memory.ErrEntryNotFound
	}
	if err := s.store.SoftDelete(entryID, replacedBy); err != nil {
		return fmt.Errorf("file delete: %w", err)
	}
	if err := s.vector.Delete(ctx, vectorstore.WithDeleteDocumentIDs([]string{entryID})); err != nil {
		return fmt.Errorf("vector delete: %w", err)
	}
	return nil
}

// List returns live entries of a conversation, newest first.
func (s *Service) List(ctx context.Context, conversationID, role string, limit int) ([]*memory.Entry, error) {
	if conversationID == "" {
		return nil, memory.ErrConversationIDRequired
	}
	return s.store.List(conversationID, role, limit), nil
}

// Search runs a hybrid keyword and vector query scoped to one conversation.
func (s *Service) Search(ctx context.Context, conversationID, query string, limit int) ([]*memory.Entry, error) {
	if conversationID == "" {
		return nil, memory.ErrConversationIDRequired
	}
	if limit <= 0 {
		limit = vectorstore.DefaultQueryLimit
	}
	result, err := s.vector.Query(ctx, &vectorstore.SearchQuery{
		Text:  query,
		Limit: limit,
		Filter: &vectorstore.SearchFilter{
			Metadata: map[string]any{memory.MetaKeyConversationID: conversationID},
		},
		SearchMode: vectorstore.SearchModeHybrid,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	entries := make([]*memory.Entry, 0, len(result.Results))
	for _, scored := range result.Results {
		if scored == nil || scored.Document == nil {
			continue
		}
		// The file store holds the authoritative copy when both have one.
		if entry, ok := s.store.Get(scored.Document.ID); ok {
			entries = append(entries, entry)
			continue
		}
		entries = append(entries, memory.EntryFromDocument(scored.Document))
	}
	return entries, nil
}

// Clear removes a conversation from both stores, tombstones included.
func (s *Service) Clear(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return memory.ErrConversationIDRequired
	}
	ids := make([]string, 0)
	for _, entry := range s.store.List(conversationID, "", 0) {
		ids = append(ids, entry.ID)
	}
	if err := s.store.Clear(conversationID); err != nil {
		return fmt.Errorf("file clear: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.vector.Delete(ctx, vectorstore.WithDeleteDocumentIDs(ids)); err != nil {
		return fmt.Errorf("vector clear: %w", err)
	}
	return nil
}

func logRollback(entryID string, err error) {
	// A failed rollback leaves the file store ahead of the vector store
	// until the next write to the same id.
	log.Warnf("filestore: rollback of entry %s failed: %v", entryID, err)
}

var _ memory.Service = (*Service)(nil)
