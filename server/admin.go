//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"trpc.group/trpc-go/trpc-recall-go/log"
)

type fileInfo struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Type      string `json:"type"`
	Chunks    int    `json:"chunks"`
	IndexedAt string `json:"indexed_at"`
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.ix == nil {
		writeError(w, http.StatusNotFound, "indexing is not configured")
		return
	}
	total, err := s.ix.Reindex(r.Context())
	if err != nil {
		log.Errorf("server: reindex failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"status":       "ok",
		"total_chunks": total,
	})
}

func (s *Server) handleFiles(w http.ResponseWriter, _ *http.Request) {
	if s.ix == nil {
		writeError(w, http.StatusNotFound, "indexing is not configured")
		return
	}
	entries := s.ix.Catalog()
	files := make([]fileInfo, 0, len(entries))
	for _, entry := range entries {
		files = append(files, fileInfo{
			Name:      entry.Name,
			Path:      entry.Path,
			Type:      entry.Type,
			Chunks:    entry.ChunkCount,
			IndexedAt: entry.IndexedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, map[string]any{
		"files": files,
		"total": len(files),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "ok",
		"memory_root": s.memoryRoot,
		"docs_folder": s.docsFolder,
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set(headerContentType, contentTypeJSON)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warnf("server: write response: %v", err)
	}
}
