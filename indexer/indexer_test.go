//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore/inmemory"
)

type stubEmbedder struct{}

func (stubEmbedder) GetEmbedding(_ context.Context, text string) ([]float64, error) {
	v := make([]float64, 4)
	for i, r := range text {
		v[i%4] += float64(r % 13)
	}
	return v, nil
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

func (stubEmbedder) GetDimensions() int { return 4 }

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	writeRawFile(t, root, rel, []byte(content))
}

func writeRawFile(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, content, 0o644))
}

// countingStore counts the writes an indexer issues against the store.
type countingStore struct {
	*inmemory.VectorStore
	mu      sync.Mutex
	adds    int
	deletes int
}

func (c *countingStore) Add(ctx context.Context, docs ...*document.Document) error {
	c.mu.Lock()
	c.adds++
	c.mu.Unlock()
	return c.VectorStore.Add(ctx, docs...)
}

func (c *countingStore) Delete(ctx context.Context, opts ...vectorstore.DeleteOption) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.VectorStore.Delete(ctx, opts...)
}

func (c *countingStore) writes() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adds, c.deletes
}

func newTestIndexer(t *testing.T, root string, opts ...Option) (*Indexer, *inmemory.VectorStore) {
	t.Helper()
	vs := inmemory.New(inmemory.WithEmbedder(stubEmbedder{}))
	ix, err := New(append([]Option{WithVectorStore(vs), WithRoot(root)}, opts...)...)
	require.NoError(t, err)
	return ix, vs
}

func storedChunks(t *testing.T, vs *inmemory.VectorStore) map[string]vectorstore.DocumentMetadata {
	t.Helper()
	metadata, err := vs.GetMetadata(context.Background(),
		vectorstore.WithGetMetadataFilter(map[string]any{MetaSource: SourceDocs}))
	require.NoError(t, err)
	return metadata
}

func TestNewValidation(t *testing.T) {
	_, err := New(WithRoot(t.TempDir()))
	assert.ErrorIs(t, err, ErrStoreRequired)
	_, err = New(WithVectorStore(inmemory.New()))
	assert.ErrorIs(t, err, ErrRootRequired)
}

func TestSyncIndexesFolder(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "notes.txt", "Tea ceremonies begin at dawn.")
	writeFile(t, root, "guide/setup.md", "# Setup\n\nInstall everything first.")
	writeFile(t, root, ".hidden.txt", "never indexed")
	writeFile(t, root, "draft.txt~", "never indexed either")

	ix, vs := newTestIndexer(t, root)
	total, err := ix.Sync(context.Background())
	require.NoError(t, err)
	require.Positive(t, total)

	catalog := ix.Catalog()
	require.Len(t, catalog, 2)
	assert.Equal(t, "guide/setup.md", catalog[0].Path)
	assert.Equal(t, "md", catalog[0].Type)
	assert.Equal(t, "notes.txt", catalog[1].Path)

	chunks := storedChunks(t, vs)
	assert.Len(t, chunks, total)
	for id, doc := range chunks {
		assert.Contains(t, id, "::")
		assert.Equal(t, SourceDocs, doc.Metadata[MetaSource])
		assert.NotEmpty(t, doc.Metadata[MetaFileHash])
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "alpha content here")
	writeFile(t, root, "b.txt", "beta content here")
	// Files whose decoded text differs from their raw bytes must not be
	// mistaken for changed files on the next pass.
	writeRawFile(t, root, "bom.txt",
		append([]byte{0xEF, 0xBB, 0xBF}, []byte("gamma content here")...))
	utf16le := []byte{0xFF, 0xFE}
	for _, r := range "delta content here" {
		utf16le = append(utf16le, byte(r), 0)
	}
	writeRawFile(t, root, "utf16.txt", utf16le)

	store := &countingStore{VectorStore: inmemory.New(inmemory.WithEmbedder(stubEmbedder{}))}
	ix, err := New(WithVectorStore(store), WithRoot(root))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := ix.Sync(ctx)
	require.NoError(t, err)
	before := storedChunks(t, store.VectorStore)
	addsAfterFirst, deletesAfterFirst := store.writes()
	require.Positive(t, addsAfterFirst)

	second, err := ix.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A second pass over an unchanged folder issues no store writes at all.
	adds, deletes := store.writes()
	assert.Equal(t, addsAfterFirst, adds)
	assert.Equal(t, deletesAfterFirst, deletes)

	after := storedChunks(t, store.VectorStore)
	require.Len(t, after, len(before))
	for id, doc := range before {
		// Unchanged files keep their chunk ids and index timestamps.
		assert.Equal(t, doc.Metadata[MetaIndexedAt], after[id].Metadata[MetaIndexedAt], id)
	}
}

func TestSyncReplacesChangedFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "original words")
	ix, vs := newTestIndexer(t, root)
	ctx := context.Background()
	_, err := ix.Sync(ctx)
	require.NoError(t, err)
	oldHash := ix.Catalog()[0].FileHash

	writeFile(t, root, "a.txt", "entirely different words now")
	_, err = ix.Sync(ctx)
	require.NoError(t, err)

	catalog := ix.Catalog()
	require.Len(t, catalog, 1)
	assert.NotEqual(t, oldHash, catalog[0].FileHash)

	for _, doc := range storedChunks(t, vs) {
		assert.Equal(t, catalog[0].FileHash, doc.Metadata[MetaFileHash])
	}
}

func TestSyncRemovesDeletedFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "this file stays")
	writeFile(t, root, "gone.txt", "this file goes away")
	ix, vs := newTestIndexer(t, root)
	ctx := context.Background()
	_, err := ix.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "gone.txt")))
	_, err = ix.Sync(ctx)
	require.NoError(t, err)

	catalog := ix.Catalog()
	require.Len(t, catalog, 1)
	assert.Equal(t, "keep.txt", catalog[0].Path)
	for _, doc := range storedChunks(t, vs) {
		assert.Equal(t, "keep.txt", doc.Metadata[MetaFilePath])
	}
}

func TestSyncReconcilesAfterRestart(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "stable.txt", "unchanged across restarts")
	writeFile(t, root, "edited.txt", "the first version")
	writeFile(t, root, "removed.txt", "will be deleted while down")

	vs := inmemory.New(inmemory.WithEmbedder(stubEmbedder{}))
	ctx := context.Background()
	first, err := New(WithVectorStore(vs), WithRoot(root))
	require.NoError(t, err)
	_, err = first.Sync(ctx)
	require.NoError(t, err)

	// Folder changes while no indexer is running.
	writeFile(t, root, "edited.txt", "the second version")
	writeFile(t, root, "added.txt", "created while down")
	require.NoError(t, os.Remove(filepath.Join(root, "removed.txt")))

	// A fresh indexer over the same store converges on the folder state.
	second, err := New(WithVectorStore(vs), WithRoot(root))
	require.NoError(t, err)
	_, err = second.Sync(ctx)
	require.NoError(t, err)

	paths := make(map[string]bool)
	for _, entry := range second.Catalog() {
		paths[entry.Path] = true
	}
	assert.Equal(t, map[string]bool{"stable.txt": true, "edited.txt": true, "added.txt": true}, paths)

	for _, doc := range storedChunks(t, vs) {
		assert.NotEqual(t, "removed.txt", doc.Metadata[MetaFilePath])
	}
}

func TestIncludeExcludePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "# Included")
	writeFile(t, root, "notes.txt", "also markdown only")
	writeFile(t, root, "skip/ignored.md", "# Excluded by pattern")

	ix, _ := newTestIndexer(t, root,
		WithIncludePatterns("**/*.md"),
		WithExcludePatterns("skip/**"))
	_, err := ix.Sync(context.Background())
	require.NoError(t, err)

	catalog := ix.Catalog()
	require.Len(t, catalog, 1)
	assert.Equal(t, "doc.md", catalog[0].Path)
}

func TestDecodeText(t *testing.T) {
	utf16le := []byte{0xFF, 0xFE, 'h', 0, 'i', 0}
	got, err := decodeText(utf16le)
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	bom := append([]byte{0xEF, 0xBB, 0xBF}, []byte("plain")...)
	got, err = decodeText(bom)
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	got, err = decodeText([]byte("caf\xe9")) // Latin-1 é
	require.NoError(t, err)
	assert.Equal(t, "café", got)
}

func TestChunkIDStability(t *testing.T) {
	assert.Equal(t, "dir/file.txt::0", chunkID("dir/file.txt", 0))
	assert.Equal(t, "dir/file.txt::3", chunkID("dir/file.txt", 3))
}

func TestEligibleHiddenPathElements(t *testing.T) {
	ix, _ := newTestIndexer(t, t.TempDir())
	assert.True(t, ix.eligible("docs/readme.md"))
	assert.False(t, ix.eligible(".git/config"))
	assert.False(t, ix.eligible("docs/.secret/notes.txt"))
	assert.False(t, ix.eligible("docs/backup.txt~"))
}

func TestMarkdownFilesUseHeaderChunking(t *testing.T) {
	root := t.TempDir()
	var b strings.Builder
	b.WriteString("# First Section\n\n")
	for i := 0; i < 120; i++ {
		b.WriteString("Sentence about the first topic with plenty of words to fill tokens. ")
	}
	b.WriteString("\n\n# Second Section\n\n")
	for i := 0; i < 120; i++ {
		b.WriteString("Sentence about the second topic with plenty of words to fill tokens. ")
	}
	writeFile(t, root, "big.md", b.String())

	ix, _ := newTestIndexer(t, root, WithChunkSize(256), WithOverlap(16))
	total, err := ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Greater(t, total, 1)
}
