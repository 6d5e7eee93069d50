//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package server is the proxy gateway: an OpenAI-compatible chat-completions
// endpoint augmented with document retrieval and conversation memory, plus
// the admin endpoints for the document catalog.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-recall-go/conversation"
	"trpc.group/trpc-go/trpc-recall-go/forwarder"
	"trpc.group/trpc-go/trpc-recall-go/indexer"
	"trpc.group/trpc-go/trpc-recall-go/internal/taskqueue"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/memory/reconciler"
	"trpc.group/trpc-go/trpc-recall-go/retrieval"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	reindexPath         = "/reindex"
	filesPath           = "/files"
	healthPath          = "/health"

	headerContentType      = "Content-Type"
	headerCacheControl     = "Cache-Control"
	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
	cacheControlNoCache    = "no-cache"

	// DefaultShutdownWait bounds how long Shutdown waits for background
	// post-processing before cancelling it.
	DefaultShutdownWait = 2 * time.Second
)

// ErrForwarderRequired is returned by New when no forwarder is configured.
var ErrForwarderRequired = errors.New("server requires a forwarder")

// Server is the gateway.
type Server struct {
	fwd         *forwarder.Forwarder
	engine      *retrieval.Engine
	rec         *reconciler.Reconciler
	conv        *conversation.Engine
	ix          *indexer.Indexer
	queue       *taskqueue.Queue
	handler     http.Handler
	defaultTopK int
	memory      bool
	memoryRoot  string
	docsFolder  string
}

// Option configures the server.
type Option func(*Server)

// WithForwarder sets the upstream forwarder. Required.
func WithForwarder(f *forwarder.Forwarder) Option {
	return func(s *Server) {
		s.fwd = f
	}
}

// WithRetrieval sets the retrieval engine. Without one the gateway is a pure
// proxy.
func WithRetrieval(e *retrieval.Engine) Option {
	return func(s *Server) {
		s.engine = e
	}
}

// WithReconciler sets the memory reconciler used by post-processing.
func WithReconciler(r *reconciler.Reconciler) Option {
	return func(s *Server) {
		s.rec = r
	}
}

// WithConversation sets the long-conversation engine used by post-processing.
func WithConversation(c *conversation.Engine) Option {
	return func(s *Server) {
		s.conv = c
	}
}

// WithIndexer sets the indexer backing /reindex and /files.
func WithIndexer(ix *indexer.Indexer) Option {
	return func(s *Server) {
		s.ix = ix
	}
}

// WithDefaultTopK sets the top-k used when a request carries no extension.
func WithDefaultTopK(k int) Option {
	return func(s *Server) {
		if k >= 0 {
			s.defaultTopK = k
		}
	}
}

// WithMemoryEnabled toggles the memory side of the pipeline.
func WithMemoryEnabled(enabled bool) Option {
	return func(s *Server) {
		s.memory = enabled
	}
}

// WithPaths records the data roots reported by /health.
func WithPaths(memoryRoot, docsFolder string) Option {
	return func(s *Server) {
		s.memoryRoot = memoryRoot
		s.docsFolder = docsFolder
	}
}

// New builds the gateway.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		queue:       taskqueue.New(),
		defaultTopK: 5,
		memory:      true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fwd == nil {
		return nil, ErrForwarderRequired
	}
	s.setupHandler()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Shutdown waits for tracked background tasks with a bounded timeout, then
// stops the watcher.
func (s *Server) Shutdown() {
	s.queue.Shutdown(DefaultShutdownWait)
	if s.ix != nil {
		if err := s.ix.Stop(); err != nil {
			log.Warnf("server: stop indexer: %v", err)
		}
	}
}

func (s *Server) setupHandler() {
	router := mux.NewRouter()
	router.HandleFunc(chatCompletionsPath, s.handleChatCompletions).Methods(http.MethodPost)
	router.HandleFunc(reindexPath, s.handleReindex).Methods(http.MethodPost)
	router.HandleFunc(filesPath, s.handleFiles).Methods(http.MethodGet)
	router.HandleFunc(healthPath, s.handleHealth).Methods(http.MethodGet)

	s.handler = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(router)
}
