//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package filestore persists memory entries as Markdown files with YAML
// frontmatter, mirrored by a snapshot.json for O(1) lookup by id. Deleted
// entries move to a parallel tombstone subtree instead of disappearing.
package filestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/memory"
)

const (
	entriesDir   = "entries"
	deletedDir   = "deleted"
	turnsDir     = "turns"
	factsDir     = "facts"
	summariesDir = "summaries"

	snapshotFile = "snapshot.json"

	// fileTimeLayout makes entry filenames sort chronologically.
	fileTimeLayout = "20060102T150405.000000000"

	frontmatterFence = "---"
)

// ErrRootRequired is returned when no root directory is configured.
var ErrRootRequired = errors.New("filestore root is required")

// Store is the on-disk entry store rooted at a memory directory.
type Store struct {
	root string

	mu    sync.RWMutex
	index map[string]*snapshotRecord

	snapMu sync.Mutex

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// frontmatter mirrors the YAML header of an entry file. The same shape is
// reused as the metadata half of a snapshot record.
type frontmatter struct {
	ID             string    `yaml:"id" json:"id"`
	ConversationID string    `yaml:"conversation_id" json:"conversation_id"`
	Role           string    `yaml:"role" json:"role"`
	CreatedAt      time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt      time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
	Salience       float64   `yaml:"salience,omitempty" json:"salience,omitempty"`
	Tags           []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
	FactKey        string    `yaml:"fact_key,omitempty" json:"fact_key,omitempty"`
	SummaryKind    string    `yaml:"summary_kind,omitempty" json:"summary_kind,omitempty"`
	SourceID       string    `yaml:"source_id,omitempty" json:"source_id,omitempty"`
	ReplacedBy     string    `yaml:"replaced_by,omitempty" json:"replaced_by,omitempty"`
}

// snapshotRecord is one value of snapshot.json: where the entry file lives,
// its metadata, and its body.
type snapshotRecord struct {
	Path     string       `json:"path"`
	Metadata *frontmatter `json:"metadata"`
	Content  string       `json:"content"`
}

// New opens (or creates) the store rooted at root. A readable snapshot.json
// seeds the in-memory index; otherwise the index is rebuilt by walking the
// entry tree.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, ErrRootRequired
	}
	if err := os.MkdirAll(filepath.Join(root, entriesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create entries dir: %w", err)
	}
	s := &Store{
		root:  root,
		index: make(map[string]*snapshotRecord),
		locks: make(map[string]*sync.Mutex),
	}
	if err := s.loadSnapshot(); err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("filestore: snapshot unreadable, rebuilding: %v", err)
		}
		if err := s.Rebuild(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Put writes the entry file atomically, replacing any live entry with the
// same id, and rewrites the snapshot. Zero timestamps are filled in and
// written back to the caller's entry.
func (s *Store) Put(entry *memory.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	e := *entry
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	unlock := s.lockConversation(e.ConversationID)
	defer unlock()

	rel := entryRelPath(&e)
	abs := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create entry dir: %w", err)
	}
	data, err := encodeEntry(&e)
	if err != nil {
		return err
	}
	if err := atomicWrite(abs, data); err != nil {
		return fmt.Errorf("write entry %s: %w", e.ID, err)
	}

	s.mu.Lock()
	if old, ok := s.index[e.ID]; ok && old.Path != rel {
		// Replaced in place: the superseded file is removed, not tombstoned.
		_ = os.Remove(filepath.Join(s.root, old.Path))
	}
	s.index[e.ID] = &snapshotRecord{
		Path:     rel,
		Metadata: frontmatterOf(&e),
		Content:  e.Content,
	}
	s.mu.Unlock()

	*entry = e
	return s.rewriteSnapshot()
}

// Get returns a live entry by id.
func (s *Store) Get(entryID string) (*memory.Entry, bool) {
	s.mu.RLock()
	rec, ok := s.index[entryID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.Metadata.entry(rec.Content), true
}

// List returns live entries for a conversation, newest first. An empty role
// matches all roles; limit <= 0 returns everything.
func (s *Store) List(conversationID, role string, limit int) []*memory.Entry {
	s.mu.RLock()
	entries := make([]*memory.Entry, 0)
	for _, rec := range s.index {
		if rec.Metadata.ConversationID != conversationID {
			continue
		}
		if role != "" && rec.Metadata.Role != role {
			continue
		}
		entries = append(entries, rec.Metadata.entry(rec.Content))
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// SoftDelete moves a live entry to the tombstone subtree, recording the id
// of the replacing entry when there is one, and rewrites the snapshot.
func (s *Store) SoftDelete(entryID, replacedBy string) error {
	s.mu.RLock()
	rec, ok := s.index[entryID]
	s.mu.RUnlock()
	if !ok {
		return memory.ErrEntryNotFound
	}

	unlock := s.lockConversation(rec.Metadata.ConversationID)
	defer unlock()

	entry := rec.Metadata.entry(rec.Content)
	entry.ReplacedBy = replacedBy
	entry.UpdatedAt = time.Now().UTC()

	relWithin := strings.TrimPrefix(rec.Path, entriesDir+string(filepath.Separator))
	tombRel := filepath.Join(entriesDir, deletedDir, relWithin)
	tombAbs := filepath.Join(s.root, tombRel)
	if err := os.MkdirAll(filepath.Dir(tombAbs), 0o755); err != nil {
		return fmt.Errorf("create tombstone dir: %w", err)
	}
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := atomicWrite(tombAbs, data); err != nil {
		return fmt.Errorf("write tombstone %s: %w", entryID, err)
	}
	_ = os.Remove(filepath.Join(s.root, rec.Path))

	s.mu.Lock()
	delete(s.index, entryID)
	s.mu.Unlock()
	return s.rewriteSnapshot()
}

// Clear removes all files of a conversation, tombstones included.
func (s *Store) Clear(conversationID string) error {
	unlock := s.lockConversation(conversationID)
	defer unlock()

	slug := Slug(conversationID)
	if err := os.RemoveAll(filepath.Join(s.root, entriesDir, slug)); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(s.root, entriesDir, deletedDir, slug)); err != nil {
		return fmt.Errorf("clear tombstones: %w", err)
	}

	s.mu.Lock()
	for id, rec := range s.index {
		if rec.Metadata.ConversationID == conversationID {
			delete(s.index, id)
		}
	}
	s.mu.Unlock()
	return s.rewriteSnapshot()
}

// hardRemove deletes a live entry file without leaving a tombstone. It backs
// out a Put whose paired vector write failed.
func (s *Store) hardRemove(entryID string) error {
	s.mu.RLock()
	rec, ok := s.index[entryID]
	s.mu.RUnlock()
	if !ok {
		return memory.ErrEntryNotFound
	}

	unlock := s.lockConversation(rec.Metadata.ConversationID)
	defer unlock()

	if err := os.Remove(filepath.Join(s.root, rec.Path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove entry %s: %w", entryID, err)
	}
	s.mu.Lock()
	delete(s.index, entryID)
	s.mu.Unlock()
	return s.rewriteSnapshot()
}

// Rebuild reconstructs the index and snapshot by walking the entry tree.
// Tombstones are skipped; unparseable files are logged and ignored.
func (s *Store) Rebuild() error {
	entriesRoot := filepath.Join(s.root, entriesDir)
	deletedRoot := filepath.Join(entriesRoot, deletedDir)
	index := make(map[string]*snapshotRecord)

	err := filepath.WalkDir(entriesRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p == deletedRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read entry %s: %w", p, err)
		}
		entry, err := decodeEntry(data)
		if err != nil {
			log.Warnf("filestore: skipping unparseable entry %s: %v", p, err)
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		index[entry.ID] = &snapshotRecord{
			Path:     rel,
			Metadata: frontmatterOf(entry),
			Content:  entry.Content,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk entries: %w", err)
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return s.rewriteSnapshot()
}

func (s *Store) loadSnapshot() error {
	data, err := os.ReadFile(filepath.Join(s.root, snapshotFile))
	if err != nil {
		return err
	}
	var snap map[string]*snapshotRecord
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	index := make(map[string]*snapshotRecord, len(snap))
	for id, rec := range snap {
		if rec == nil || rec.Metadata == nil || rec.Metadata.ID == "" {
			return fmt.Errorf("snapshot record %s is malformed", id)
		}
		index[id] = rec
	}
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

func (s *Store) rewriteSnapshot() error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	s.mu.RLock()
	snap := make(map[string]*snapshotRecord, len(s.index))
	for id, rec := range s.index {
		snap[id] = rec
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.root, snapshotFile), data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// lockConversation serializes mutations within one conversation.
func (s *Store) lockConversation(conversationID string) func() {
	s.lockMu.Lock()
	l, ok := s.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[conversationID] = l
	}
	s.lockMu.Unlock()
	l.Lock()
	return l.Unlock
}

func entryRelPath(e *memory.Entry) string {
	name := e.CreatedAt.UTC().Format(fileTimeLayout) + "_" + Slug(e.ID) + ".md"
	return filepath.Join(entriesDir, Slug(e.ConversationID), roleSubdir(e), name)
}

func roleSubdir(e *memory.Entry) string {
	switch e.Role {
	case memory.RoleMemory:
		return factsDir
	case memory.RoleSummary:
		kind := e.SummaryKind
		if kind == "" {
			kind = memory.SummaryKindShort
		}
		return filepath.Join(summariesDir, kind)
	default:
		return turnsDir
	}
}

func frontmatterOf(e *memory.Entry) *frontmatter {
	return &frontmatter{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Role:           e.Role,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		Salience:       e.Salience,
		Tags:           e.Tags,
		FactKey:        e.FactKey,
		SummaryKind:    e.SummaryKind,
		SourceID:       e.SourceID,
		ReplacedBy:     e.ReplacedBy,
	}
}

func (fm *frontmatter) entry(content string) *memory.Entry {
	return &memory.Entry{
		ID:             fm.ID,
		ConversationID: fm.ConversationID,
		Role:           fm.Role,
		Content:        content,
		CreatedAt:      fm.CreatedAt,
		UpdatedAt:      fm.UpdatedAt,
		Salience:       fm.Salience,
		Tags:           append([]string(nil), fm.Tags...),
		FactKey:        fm.FactKey,
		SummaryKind:    fm.SummaryKind,
		SourceID:       fm.SourceID,
		ReplacedBy:     fm.ReplacedBy,
	}
}

func encodeEntry(e *memory.Entry) ([]byte, error) {
	header, err := yaml.Marshal(frontmatterOf(e))
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(frontmatterFence + "\n")
	b.Write(header)
	b.WriteString(frontmatterFence + "\n\n")
	b.WriteString(e.Content)
	b.WriteString("\n")
	return b.Bytes(), nil
}

func decodeEntry(data []byte) (*memory.Entry, error) {
	text := string(data)
	if !strings.HasPrefix(text, frontmatterFence+"\n") {
		return nil, errors.New("missing frontmatter fence")
	}
	rest := text[len(frontmatterFence)+1:]
	end := strings.Index(rest, "\n"+frontmatterFence+"\n")
	if end < 0 {
		return nil, errors.New("unterminated frontmatter")
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.ID == "" {
		return nil, errors.New("frontmatter has no id")
	}

	body := rest[end+len(frontmatterFence)+2:]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimSuffix(body, "\n")
	return fm.entry(body), nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var slugTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug normalizes an identifier for use in a file path: lowercase,
// diacritics stripped, anything outside [a-z0-9] collapsed to single dashes.
func Slug(s string) string {
	if stripped, _, err := transform.String(slugTransformer, s); err == nil {
		s = stripped
	}
	s = strings.ToLower(s)
	var b strings.Builder
	pendingDash := false
	for _, r := range s {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !isAlnum {
			pendingDash = b.Len() > 0
			continue
		}
		if pendingDash {
			b.WriteByte('-')
			pendingDash = false
		}
		b.WriteRune(r)
	}
	out := b.String()
	if out == "" {
		return "conversation"
	}
	return out
}
