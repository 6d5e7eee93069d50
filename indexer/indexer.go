//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package indexer keeps a vector store in step with a documents folder: a
// startup sync chunks and upserts new or changed files and removes entries
// whose files vanished, and a filesystem watcher applies the same policy to
// changes at runtime. On-disk content is the source of truth throughout.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"

	"trpc.group/trpc-go/trpc-recall-go/knowledge/chunking"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/document"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/telemetry"
	"trpc.group/trpc-go/trpc-recall-go/token"
)

// Chunk metadata keys.
const (
	// MetaSource tags every indexed chunk; retrieval filters on it.
	MetaSource = "source"
	// MetaFilePath is the slash-separated path relative to the docs folder.
	MetaFilePath = "file_path"
	// MetaFileName is the file's base name.
	MetaFileName = "file_name"
	// MetaFileType is the lowercase extension without the dot.
	MetaFileType = "file_type"
	// MetaChunkID is the chunk's zero-based ordinal within its file.
	MetaChunkID = "chunk_id"
	// MetaTotalChunks is the file's chunk count at index time.
	MetaTotalChunks = "total_chunks"
	// MetaIndexedAt is the RFC3339 index timestamp.
	MetaIndexedAt = "indexed_at"
	// MetaFileHash is the SHA-256 of the file content.
	MetaFileHash = "file_hash"
)

// SourceDocs is the MetaSource value of folder-indexed chunks.
const SourceDocs = "docs"

// Defaults.
const (
	// DefaultChunkSize is the per-chunk token budget.
	DefaultChunkSize = 512
	// DefaultOverlap is the inter-chunk token overlap.
	DefaultOverlap = 64
	// DefaultWorkers sizes the indexing worker pool.
	DefaultWorkers = 4
	// DefaultSettleDelay is how long a modified file may keep changing
	// before it is re-read.
	DefaultSettleDelay = 500 * time.Millisecond
)

// Indexer errors.
var (
	// ErrStoreRequired is returned by New when no vector store is configured.
	ErrStoreRequired = errors.New("indexer requires a vector store")
	// ErrRootRequired is returned by New when no docs folder is configured.
	ErrRootRequired = errors.New("indexer requires a docs folder")
)

// CatalogEntry aggregates one indexed file.
type CatalogEntry struct {
	// Path is the slash-separated path relative to the docs folder.
	Path string `json:"path"`
	// Name is the file's base name.
	Name string `json:"name"`
	// Type is the lowercase extension without the dot.
	Type string `json:"type"`
	// FileHash is the SHA-256 of the content last indexed.
	FileHash string `json:"file_hash"`
	// ChunkCount is the number of chunks the file produced.
	ChunkCount int `json:"chunks"`
	// IndexedAt is when the file was last indexed.
	IndexedAt time.Time `json:"indexed_at"`
}

// Indexer drives the watched-folder pipeline for one docs folder and one
// vector store.
type Indexer struct {
	store       vectorstore.VectorStore
	root        string
	include     []string
	exclude     []string
	chunkSize   int
	overlap     int
	counter     *token.Counter
	counterName string
	workers     int
	settleDelay time.Duration

	mu      sync.Mutex
	catalog map[string]*CatalogEntry

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	watch *watcher
}

// Option configures the indexer.
type Option func(*Indexer)

// WithVectorStore sets the destination store. Required.
func WithVectorStore(store vectorstore.VectorStore) Option {
	return func(ix *Indexer) {
		ix.store = store
	}
}

// WithRoot sets the watched docs folder. Required.
func WithRoot(root string) Option {
	return func(ix *Indexer) {
		ix.root = root
	}
}

// WithIncludePatterns restricts indexing to paths matching any of the
// doublestar patterns, relative to the root. Default: every file.
func WithIncludePatterns(patterns ...string) Option {
	return func(ix *Indexer) {
		ix.include = patterns
	}
}

// WithExcludePatterns skips paths matching any of the doublestar patterns.
func WithExcludePatterns(patterns ...string) Option {
	return func(ix *Indexer) {
		ix.exclude = patterns
	}
}

// WithChunkSize sets the per-chunk token budget.
func WithChunkSize(size int) Option {
	return func(ix *Indexer) {
		if size > 0 {
			ix.chunkSize = size
		}
	}
}

// WithOverlap sets the inter-chunk token overlap.
func WithOverlap(overlap int) Option {
	return func(ix *Indexer) {
		if overlap >= 0 {
			ix.overlap = overlap
		}
	}
}

// WithTokenCounter sets the counter chunk sizes are measured with.
func WithTokenCounter(counter *token.Counter, modelName string) Option {
	return func(ix *Indexer) {
		if counter != nil {
			ix.counter = counter
			ix.counterName = modelName
		}
	}
}

// WithWorkers sizes the indexing worker pool.
func WithWorkers(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.workers = n
		}
	}
}

// WithSettleDelay sets the wait after a modification before re-reading.
func WithSettleDelay(d time.Duration) Option {
	return func(ix *Indexer) {
		if d >= 0 {
			ix.settleDelay = d
		}
	}
}

// New builds an indexer.
func New(opts ...Option) (*Indexer, error) {
	ix := &Indexer{
		chunkSize:   DefaultChunkSize,
		overlap:     DefaultOverlap,
		counter:     token.NewCounter(),
		workers:     DefaultWorkers,
		settleDelay: DefaultSettleDelay,
		catalog:     make(map[string]*CatalogEntry),
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.store == nil {
		return nil, ErrStoreRequired
	}
	if ix.root == "" {
		return nil, ErrRootRequired
	}
	abs, err := filepath.Abs(ix.root)
	if err != nil {
		return nil, fmt.Errorf("resolve docs folder: %w", err)
	}
	ix.root = abs
	return ix, nil
}

// Start reconciles the folder against the store and begins watching it.
func (ix *Indexer) Start(ctx context.Context) error {
	if _, err := ix.Sync(ctx); err != nil {
		return err
	}
	watch, err := newWatcher(ix)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	ix.watch = watch
	return nil
}

// Stop shuts the watcher down.
func (ix *Indexer) Stop() error {
	if ix.watch != nil {
		return ix.watch.close()
	}
	return nil
}

// Sync makes the store match the folder: new or changed files are
// re-chunked and upserted, catalog entries without a file are removed.
// Returns the total chunk count after the sync. Per-file failures are
// logged and skipped.
func (ix *Indexer) Sync(ctx context.Context) (int, error) {
	ctx, span := telemetry.Tracer.Start(ctx,
		telemetry.SpanName(telemetry.OperationIndex, filepath.Base(ix.root)))
	defer span.End()

	if err := ix.loadCatalog(ctx); err != nil {
		return 0, err
	}

	files, err := ix.enumerate()
	if err != nil {
		return 0, err
	}

	pool, err := ants.NewPool(ix.workers)
	if err != nil {
		return 0, fmt.Errorf("failed to create indexing worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, path := range files {
		rel := path
		ix.mu.Lock()
		entry, known := ix.catalog[rel]
		ix.mu.Unlock()

		abs := filepath.Join(ix.root, filepath.FromSlash(rel))
		hash, err := hashFile(abs)
		if err != nil {
			log.Warnf("indexer: hash %s failed: %v", rel, err)
			continue
		}
		if known && entry.FileHash == hash {
			continue
		}

		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := ix.indexFile(ctx, rel); err != nil {
				log.Warnf("indexer: index %s failed: %v", rel, err)
			}
		}); err != nil {
			wg.Done()
			log.Warnf("indexer: submit %s failed: %v", rel, err)
		}
	}
	wg.Wait()

	// Catalog paths with no file left on disk lose their chunks.
	onDisk := make(map[string]struct{}, len(files))
	for _, rel := range files {
		onDisk[rel] = struct{}{}
	}
	ix.mu.Lock()
	var stale []string
	for rel := range ix.catalog {
		if _, ok := onDisk[rel]; !ok {
			stale = append(stale, rel)
		}
	}
	ix.mu.Unlock()
	for _, rel := range stale {
		if err := ix.deletePath(ctx, rel); err != nil {
			log.Warnf("indexer: remove stale %s failed: %v", rel, err)
		}
	}

	total := ix.TotalChunks()
	span.SetAttributes(attribute.Int(telemetry.KeyChunkCount, total))
	log.Infof("indexer: sync of %s complete, %d file(s), %d chunk(s)", ix.root, len(files), total)
	return total, nil
}

// Reindex re-runs the full sync.
func (ix *Indexer) Reindex(ctx context.Context) (int, error) {
	return ix.Sync(ctx)
}

// Catalog returns the indexed files sorted by path.
func (ix *Indexer) Catalog() []*CatalogEntry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	entries := make([]*CatalogEntry, 0, len(ix.catalog))
	for _, entry := range ix.catalog {
		clone := *entry
		entries = append(entries, &clone)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// TotalChunks returns the chunk count across the catalog.
func (ix *Indexer) TotalChunks() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	total := 0
	for _, entry := range ix.catalog {
		total += entry.ChunkCount
	}
	return total
}

// loadCatalog rebuilds the in-memory catalog from store metadata.
func (ix *Indexer) loadCatalog(ctx context.Context) error {
	metadata, err := ix.store.GetMetadata(ctx,
		vectorstore.WithGetMetadataFilter(map[string]any{MetaSource: SourceDocs}))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	catalog := make(map[string]*CatalogEntry)
	for _, doc := range metadata {
		meta := doc.Metadata
		if meta == nil {
			continue
		}
		rel, _ := meta[MetaFilePath].(string)
		if rel == "" {
			continue
		}
		entry, ok := catalog[rel]
		if !ok {
			entry = &CatalogEntry{Path: rel}
			entry.Name, _ = meta[MetaFileName].(string)
			entry.Type, _ = meta[MetaFileType].(string)
			entry.FileHash, _ = meta[MetaFileHash].(string)
			if ts, ok := meta[MetaIndexedAt].(string); ok {
				entry.IndexedAt, _ = time.Parse(time.RFC3339, ts)
			}
			catalog[rel] = entry
		}
		entry.ChunkCount++
	}

	ix.mu.Lock()
	ix.catalog = catalog
	ix.mu.Unlock()
	return nil
}

// enumerate lists the eligible files under root, slash-relative and sorted.
func (ix *Indexer) enumerate() ([]string, error) {
	var files []string
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("indexer: walk %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if path != ix.root && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(ix.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ix.eligible(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", ix.root, err)
	}
	sort.Strings(files)
	return files, nil
}

// eligible applies the hidden-file rule and the include/exclude patterns to
// a slash-relative path.
func (ix *Indexer) eligible(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if isHidden(part) {
			return false
		}
	}
	for _, pattern := range ix.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	if len(ix.include) == 0 {
		return true
	}
	for _, pattern := range ix.include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// isHidden reports whether a path element names a hidden or temp file.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~")
}

// indexFile replaces a file's chunks: read, chunk, delete-by-path, upsert.
func (ix *Indexer) indexFile(ctx context.Context, rel string) error {
	abs := filepath.Join(ix.root, filepath.FromSlash(rel))
	raw, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	// The recorded hash covers the raw bytes, the same digest the change
	// checks in Sync and the watcher compute.
	hash := hashBytes(raw)
	content, err := decodeText(raw)
	if err != nil {
		return err
	}

	name := filepath.Base(rel)
	fileType := strings.TrimPrefix(strings.ToLower(filepath.Ext(rel)), ".")
	indexedAt := time.Now()

	chunks, err := ix.chunk(rel, fileType, content)
	if err != nil {
		return err
	}

	docs := make([]*document.Document, 0, len(chunks))
	for i, chunk := range chunks {
		docs = append(docs, &document.Document{
			ID:      chunkID(rel, i),
			Name:    name,
			Content: chunk,
			Metadata: map[string]any{
				MetaSource:      SourceDocs,
				MetaFilePath:    rel,
				MetaFileName:    name,
				MetaFileType:    fileType,
				MetaChunkID:     i,
				MetaTotalChunks: len(chunks),
				MetaIndexedAt:   indexedAt.Format(time.RFC3339),
				MetaFileHash:    hash,
			},
			CreatedAt: indexedAt,
			UpdatedAt: indexedAt,
		})
	}

	// Full replacement: the old chunk set goes before the new one lands.
	if err := ix.store.Delete(ctx, vectorstore.WithDeleteFilter(map[string]any{
		MetaSource:   SourceDocs,
		MetaFilePath: rel,
	})); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}
	if len(docs) > 0 {
		if err := ix.store.Add(ctx, docs...); err != nil {
			return fmt.Errorf("upsert chunks: %w", err)
		}
	}

	ix.mu.Lock()
	ix.catalog[rel] = &CatalogEntry{
		Path:       rel,
		Name:       name,
		Type:       fileType,
		FileHash:   hash,
		ChunkCount: len(docs),
		IndexedAt:  indexedAt,
	}
	ix.mu.Unlock()

	log.Debugf("indexer: indexed %s (%d chunk(s))", rel, len(docs))
	return nil
}

// deletePath removes a file's chunks and catalog entry.
func (ix *Indexer) deletePath(ctx context.Context, rel string) error {
	if err := ix.store.Delete(ctx, vectorstore.WithDeleteFilter(map[string]any{
		MetaSource:   SourceDocs,
		MetaFilePath: rel,
	})); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", rel, err)
	}
	ix.mu.Lock()
	delete(ix.catalog, rel)
	ix.mu.Unlock()
	log.Debugf("indexer: removed %s", rel)
	return nil
}

// chunk splits file content with the strategy matching its type: markdown
// splits by header sections first, everything else is plain text chunking.
func (ix *Indexer) chunk(rel, fileType, content string) ([]string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	opts := []chunking.Option{
		chunking.WithChunkSize(ix.chunkSize),
		chunking.WithOverlap(ix.overlap),
		chunking.WithTokenCounter(ix.countTokens),
	}

	doc := &document.Document{ID: rel, Name: filepath.Base(rel), Content: content}
	var strategy chunking.Strategy
	var err error
	switch fileType {
	case "md", "markdown":
		strategy, err = chunking.NewMarkdownChunking(opts...)
	default:
		strategy, err = chunking.NewTextChunking(opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("build chunking strategy: %w", err)
	}

	parts, err := strategy.Chunk(doc)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", rel, err)
	}
	chunks := make([]string, 0, len(parts))
	for _, part := range parts {
		chunks = append(chunks, part.Content)
	}
	return chunks, nil
}

func (ix *Indexer) countTokens(text string) int {
	return ix.counter.Count(ix.counterName, text)
}

// chunkID derives the stable id of one chunk.
func chunkID(rel string, ordinal int) string {
	return fmt.Sprintf("%s::%d", rel, ordinal)
}

// hashFile returns the SHA-256 hex digest of a file's bytes.
func hashFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return hashBytes(raw), nil
}

// hashBytes returns the SHA-256 hex digest of raw.
func hashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
