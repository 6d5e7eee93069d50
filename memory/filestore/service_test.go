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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore/inmemory"
	"trpc.group/trpc-go/trpc-recall-go/memory"
)

type stubEmbedder struct{}

func (stubEmbedder) GetEmbedding(_ context.Context, text string) ([]float64, error) {
	if strings.Contains(strings.ToLower(text), "tea") {
		return []float64{1, 0}, nil
	}
	return []float64{0, 1}, nil
}

func (s stubEmbedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for _, t := range texts {
		v, err := s.GetEmbedding(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (stubEmbedder) GetDimensions() int { return 2 }

// failingVectorStore rejects every mutation so rollback paths can be tested.
type failingVectorStore struct {
	vectorstore.VectorStore
}

func (failingVectorStore) Add(context.Context, ...*document.Document) error {
	return errors.New("vector store down")
}

func newTestService(t *testing.T) (*Service, *inmemory.VectorStore) {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	vs := inmemory.New(inmemory.WithEmbedder(stubEmbedder{}))
	svc, err := NewService(store, WithVectorStore(vs))
	require.NoError(t, err)
	return svc, vs
}

func TestNewServiceRequiresVectorStore(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = NewService(store)
	require.ErrorIs(t, err, ErrVectorStoreRequired)

	_, err = NewService(nil, WithVectorStore(inmemory.New()))
	require.ErrorIs(t, err, ErrRootRequired)
}

func TestServiceAddWritesBothStores(t *testing.T) {
	svc, vs := newTestService(t)
	ctx := context.Background()

	entry := &memory.Entry{
		ID:             "f1",
		ConversationID: "conv-1",
		Role:           memory.RoleMemory,
		Content:        "User prefers tea.",
		FactKey:        "beverage",
	}
	require.NoError(t, svc.Add(ctx, entry))

	got, err := svc.Get(ctx, "conv-1", "f1")
	require.NoError(t, err)
	assert.Equal(t, "User prefers tea.", got.Content)

	count, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	meta, err := vs.GetMetadata(ctx, vectorstore.WithGetMetadataIDs([]string{"f1"}))
	require.NoError(t, err)
	require.Contains(t, meta, "f1")
	assert.Equal(t, "conv-1", meta["f1"].Metadata[memory.MetaKeyConversationID])
	assert.Equal(t, memory.RoleMemory, meta["f1"].Metadata[memory.MetaKeyRole])
}

func TestServiceAddRollsBackFileOnVectorFailure(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	svc, err := NewService(store, WithVectorStore(failingVectorStore{}))
	require.NoError(t, err)

	entry := &memory.Entry{
		ID:             "f1",
		ConversationID: "conv-1",
		Role:           memory.RoleMemory,
		Content:        "never lands",
	}
	err = svc.Add(context.Background(), entry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector write")

	_, ok := store.Get("f1")
	assert.False(t, ok, "file write should have been rolled back")
}

func TestServiceGetValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Get(ctx, "", "id")
	require.ErrorIs(t, err, memory.ErrConversationIDRequired)
	_, err = svc.Get(ctx, "conv", "")
	require.ErrorIs(t, err, memory.ErrEntryIDRequired)
	_, err = svc.Get(ctx, "conv", "missing")
	require.ErrorIs(t, err, memory.ErrEntryNotFound)

	// An entry from another conversation is invisible.
	require.NoError(t, svc.Add(ctx, &memory.Entry{
		ID: "e1", ConversationID: "a", Role: memory.RoleUser, Content: "hi",
	}))
	_, err = svc.Get(ctx, "b", "e1")
	require.ErrorIs(t, err, memory.ErrEntryNotFound)
}

func TestServiceDeleteRemovesFromBothStores(t *testing.T) {
	svc, vs := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Add(ctx, &memory.Entry{
		ID: "old", ConversationID: "c", Role: memory.RoleMemory, Content: "stale fact",
	}))
	require.NoError(t, svc.Delete(ctx, "c", "old", "new"))

	_, err := svc.Get(ctx, "c", "old")
	require.ErrorIs(t, err, memory.ErrEntryNotFound)

	count, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.ErrorIs(t, svc.Delete(ctx, "c", "old", ""), memory.ErrEntryNotFound)
}

func TestServiceSearchScopedToConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Add(ctx, &memory.Entry{
		ID: "t1", ConversationID: "c1", Role: memory.RoleMemory, Content: "User prefers tea.",
	}))
	require.NoError(t, svc.Add(ctx, &memory.Entry{
		ID: "t2", ConversationID: "c2", Role: memory.RoleMemory, Content: "User prefers tea as well.",
	}))
	require.NoError(t, svc.Add(ctx, &memory.Entry{
		ID: "o1", ConversationID: "c1", Role: memory.RoleMemory, Content: "User dislikes noise.",
	}))

	entries, err := svc.Search(ctx, "c1", "tea", 5)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "t1", entries[0].ID)
	for _, e := range entries {
		assert.Equal(t, "c1", e.ConversationID)
	}
}

func TestServiceListAndClear(t *testing.T) {
	svc, vs := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Add(ctx, &memory.Entry{
		ID: "a", ConversationID: "c", Role: memory.RoleUser, Content: "one",
	}))
	require.NoError(t, svc.Add(ctx, &memory.Entry{
		ID: "b", ConversationID: "c", Role: memory.RoleMemory, Content: "two",
	}))
	require.NoError(t, svc.Add(ctx, &memory.Entry{
		ID: "z", ConversationID: "other", Role: memory.RoleUser, Content: "kept",
	}))

	entries, err := svc.List(ctx, "c", "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, svc.Clear(ctx, "c"))
	entries, err = svc.List(ctx, "c", "", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The other conversation's vector record survives.
	count, err := vs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
