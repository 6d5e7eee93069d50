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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-recall-go/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New("")
	require.ErrorIs(t, err, ErrRootRequired)
}

func TestPutAndGet(t *testing.T) {
	s := newTestStore(t)

	entry := &memory.Entry{
		ID:             "e1",
		ConversationID: "conv-1",
		Role:           memory.RoleUser,
		Content:        "I moved to Lisbon last spring.",
		Tags:           []string{"location"},
	}
	require.NoError(t, s.Put(entry))
	assert.False(t, entry.CreatedAt.IsZero())
	assert.False(t, entry.UpdatedAt.IsZero())

	got, ok := s.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "I moved to Lisbon last spring.", got.Content)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, []string{"location"}, got.Tags)

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestPutWritesMarkdownWithFrontmatter(t *testing.T) {
	s := newTestStore(t)

	entry := &memory.Entry{
		ID:             "fact-1",
		ConversationID: "Conv One",
		Role:           memory.RoleMemory,
		Content:        "User prefers tea over coffee.",
		FactKey:        "beverage_preference",
	}
	require.NoError(t, s.Put(entry))

	factsDir := filepath.Join(s.Root(), "entries", "conv-one", "facts")
	names, err := os.ReadDir(factsDir)
	require.NoError(t, err)
	require.Len(t, names, 1)

	data, err := os.ReadFile(filepath.Join(factsDir, names[0].Name()))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "---\n")
	assert.Contains(t, text, "id: fact-1")
	assert.Contains(t, text, "fact_key: beverage_preference")
	assert.Contains(t, text, "User prefers tea over coffee.")
}

func TestPutUpsertReplacesFile(t *testing.T) {
	s := newTestStore(t)

	first := &memory.Entry{
		ID:             "conv-1::summary-short",
		ConversationID: "conv-1",
		Role:           memory.RoleSummary,
		SummaryKind:    memory.SummaryKindShort,
		Content:        "version one",
	}
	require.NoError(t, s.Put(first))

	second := &memory.Entry{
		ID:             "conv-1::summary-short",
		ConversationID: "conv-1",
		Role:           memory.RoleSummary,
		SummaryKind:    memory.SummaryKindShort,
		Content:        "version two",
	}
	require.NoError(t, s.Put(second))

	got, ok := s.Get("conv-1::summary-short")
	require.True(t, ok)
	assert.Equal(t, "version two", got.Content)

	// Only one live file survives the replacement.
	shortDir := filepath.Join(s.Root(), "entries", "conv-1", "summaries", "short")
	names, err := os.ReadDir(shortDir)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestListOrderAndFilters(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, e := range []*memory.Entry{
		{ID: "a", ConversationID: "c", Role: memory.RoleUser, Content: "one"},
		{ID: "b", ConversationID: "c", Role: memory.RoleAssistant, Content: "two"},
		{ID: "m", ConversationID: "c", Role: memory.RoleMemory, Content: "three"},
		{ID: "x", ConversationID: "other", Role: memory.RoleUser, Content: "four"},
	} {
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Put(e))
	}

	all := s.List("c", "", 0)
	require.Len(t, all, 3)
	assert.Equal(t, "m", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
	assert.Equal(t, "a", all[2].ID)

	facts := s.List("c", memory.RoleMemory, 0)
	require.Len(t, facts, 1)
	assert.Equal(t, "m", facts[0].ID)

	limited := s.List("c", "", 2)
	assert.Len(t, limited, 2)

	assert.Empty(t, s.List("unknown", "", 0))
}

func TestSoftDeleteLeavesTombstone(t *testing.T) {
	s := newTestStore(t)

	entry := &memory.Entry{
		ID:             "old",
		ConversationID: "conv-1",
		Role:           memory.RoleMemory,
		Content:        "User lives in Paris.",
	}
	require.NoError(t, s.Put(entry))
	require.NoError(t, s.SoftDelete("old", "new"))

	_, ok := s.Get("old")
	assert.False(t, ok)

	tombDir := filepath.Join(s.Root(), "entries", "deleted", "conv-1", "facts")
	names, err := os.ReadDir(tombDir)
	require.NoError(t, err)
	require.Len(t, names, 1)

	data, err := os.ReadFile(filepath.Join(tombDir, names[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "replaced_by: new")

	// The live file is gone.
	liveDir := filepath.Join(s.Root(), "entries", "conv-1", "facts")
	live, err := os.ReadDir(liveDir)
	require.NoError(t, err)
	assert.Empty(t, live)

	require.ErrorIs(t, s.SoftDelete("old", ""), memory.ErrEntryNotFound)
}

func TestClearRemovesTombstonesToo(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Put(&memory.Entry{
		ID: "keep", ConversationID: "other", Role: memory.RoleUser, Content: "kept",
	}))
	require.NoError(t, s.Put(&memory.Entry{
		ID: "a", ConversationID: "gone", Role: memory.RoleUser, Content: "a",
	}))
	require.NoError(t, s.Put(&memory.Entry{
		ID: "b", ConversationID: "gone", Role: memory.RoleMemory, Content: "b",
	}))
	require.NoError(t, s.SoftDelete("b", ""))

	require.NoError(t, s.Clear("gone"))
	assert.Empty(t, s.List("gone", "", 0))
	_, err := os.Stat(filepath.Join(s.Root(), "entries", "gone"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.Root(), "entries", "deleted", "gone"))
	assert.True(t, os.IsNotExist(err))

	kept := s.List("other", "", 0)
	require.Len(t, kept, 1)
	assert.Equal(t, "keep", kept[0].ID)
}

func TestSnapshotReload(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	require.NoError(t, s.Put(&memory.Entry{
		ID: "e1", ConversationID: "c", Role: memory.RoleUser, Content: "hello",
	}))

	// A second store over the same root reads the snapshot, not the tree.
	reopened, err := New(root)
	require.NoError(t, err)
	got, ok := reopened.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)
}

func TestRebuildFromCorruptSnapshot(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	require.NoError(t, s.Put(&memory.Entry{
		ID: "e1", ConversationID: "c", Role: memory.RoleUser, Content: "survives",
	}))
	require.NoError(t, s.Put(&memory.Entry{
		ID: "e2", ConversationID: "c", Role: memory.RoleMemory, Content: "also survives",
	}))
	require.NoError(t, s.SoftDelete("e2", ""))

	require.NoError(t, os.WriteFile(filepath.Join(root, "snapshot.json"), []byte("{broken"), 0o644))

	reopened, err := New(root)
	require.NoError(t, err)
	got, ok := reopened.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "survives", got.Content)
	// Tombstoned entries stay out of the rebuilt index.
	_, ok = reopened.Get("e2")
	assert.False(t, ok)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	entry := &memory.Entry{
		ID:             "e1",
		ConversationID: "c",
		Role:           memory.RoleMemory,
		Content:        "Line one.\n\nLine two with `code`.\n",
		CreatedAt:      time.Date(2025, 5, 1, 8, 30, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC),
		Salience:       0.8,
		Tags:           []string{"alpha", "beta"},
		FactKey:        "k",
		SourceID:       "msg-9",
	}
	data, err := encodeEntry(entry)
	require.NoError(t, err)

	decoded, err := decodeEntry(data)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, decoded.ID)
	assert.Equal(t, entry.Content, decoded.Content)
	assert.Equal(t, entry.Salience, decoded.Salience)
	assert.Equal(t, entry.Tags, decoded.Tags)
	assert.Equal(t, entry.FactKey, decoded.FactKey)
	assert.Equal(t, entry.SourceID, decoded.SourceID)
	assert.True(t, entry.CreatedAt.Equal(decoded.CreatedAt))
}

func TestDecodeEntryRejectsMalformed(t *testing.T) {
	_, err := decodeEntry([]byte("no frontmatter here"))
	require.Error(t, err)

	_, err = decodeEntry([]byte("---\nid: x\n"))
	require.Error(t, err)

	_, err = decodeEntry([]byte("---\nrole: user\n---\n\nbody\n"))
	require.Error(t, err)
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Conv One", "conv-one"},
		{"café_Crème", "cafe-creme"},
		{"a//b..c", "a-b-c"},
		{"--trim--", "trim"},
		{"", "conversation"},
		{"项目", "conversation"},
		{"user@example.com", "user-example-com"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), "slug of %q", tt.in)
	}
}
