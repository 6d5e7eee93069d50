//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/memory/filestore"
)

// segmentTimeLayout makes segment filenames sort chronologically.
const segmentTimeLayout = "20060102T150405.000000000"

const segmentFileExt = ".json"

// segmentDir returns a conversation's segment log directory.
func (e *Engine) segmentDir(conversationID string) string {
	return filepath.Join(e.logRoot, filestore.Slug(conversationID))
}

// segmentFileName derives a segment's file name. The timestamp prefix keeps
// a directory listing in chronological segment order.
func segmentFileName(seg *Segment) string {
	return seg.Timestamp.UTC().Format(segmentTimeLayout) + "_" + filestore.Slug(seg.ID) + segmentFileExt
}

// persistSegment writes one segment to the conversation's log directory,
// creating it on first use. A state change rewrites the same file, so the
// log always holds each segment's latest form. Write failures are logged,
// not fatal: the in-memory log stays authoritative for the running process.
// Caller holds e.mu.
func (e *Engine) persistSegment(conversationID string, seg *Segment) {
	if e.logRoot == "" {
		return
	}
	dir := e.segmentDir(conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf("conversation: create segment dir %s: %v", dir, err)
		return
	}
	data, err := json.MarshalIndent(seg, "", "  ")
	if err != nil {
		log.Warnf("conversation: marshal segment %s: %v", seg.ID, err)
		return
	}
	path := filepath.Join(dir, segmentFileName(seg))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warnf("conversation: write segment %s: %v", path, err)
	}
}

// loadSegments rehydrates a conversation from its segment log. ReadDir
// returns names sorted, which is chronological order by construction.
// Unreadable files are skipped. Caller holds e.mu.
func (e *Engine) loadSegments(conversationID string, conv *conversation) {
	if e.logRoot == "" {
		return
	}
	dir := e.segmentDir(conversationID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("conversation: read segment dir %s: %v", dir, err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), segmentFileExt) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Warnf("conversation: read segment %s: %v", entry.Name(), err)
			continue
		}
		seg := &Segment{}
		if err := json.Unmarshal(raw, seg); err != nil {
			log.Warnf("conversation: parse segment %s: %v", entry.Name(), err)
			continue
		}
		conv.append(seg)
	}
	if len(conv.segments) > 0 {
		log.Debugf("conversation: restored %d segment(s) for %s", len(conv.segments), conversationID)
	}
}
