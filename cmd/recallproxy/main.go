//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Command recallproxy runs the retrieval/memory proxy: an OpenAI-compatible
// gateway that augments chat completions with document retrieval and
// long-term conversation memory.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"trpc.group/trpc-go/trpc-recall-go/config"
	"trpc.group/trpc-go/trpc-recall-go/conversation"
	"trpc.group/trpc-go/trpc-recall-go/forwarder"
	"trpc.group/trpc-go/trpc-recall-go/indexer"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/embedder/openai"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/reranker"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/reranker/infinity"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore"
	"trpc.group/trpc-go/trpc-recall-go/knowledge/vectorstore/badger"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/memory/filestore"
	"trpc.group/trpc-go/trpc-recall-go/memory/reconciler"
	openaimodel "trpc.group/trpc-go/trpc-recall-go/model/openai"
	"trpc.group/trpc-go/trpc-recall-go/retrieval"
	"trpc.group/trpc-go/trpc-recall-go/server"
	"trpc.group/trpc-go/trpc-recall-go/summarizer"
)

func main() {
	configPath := flag.String("config", "recall.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	log.SetLevel(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatalf("recallproxy: %v", err)
	}
}

func run(cfg config.Config) error {
	embed := openai.New(
		openai.WithModel(cfg.Upstream.EmbeddingModel),
		openai.WithAPIKey(cfg.Upstream.EmbeddingAPIKey),
		openai.WithBaseURL(cfg.Upstream.BaseURL),
	)

	store, err := badger.New(
		badger.WithPath(cfg.Paths.VectorPath),
		badger.WithInMemory(cfg.Paths.VectorPath == ""),
		badger.WithEmbedder(embed),
	)
	if err != nil {
		return err
	}
	defer closeStore(store)

	chatModel := openaimodel.New(cfg.Upstream.ChatModel,
		openaimodel.WithAPIKey(cfg.Upstream.ChatAPIKey),
		openaimodel.WithBaseURL(cfg.Upstream.BaseURL),
	)

	var rr reranker.Reranker
	if cfg.Upstream.RerankURL != "" {
		rr = infinity.New(infinity.WithEndpoint(cfg.Upstream.RerankURL))
	}

	engine, err := retrieval.New(
		retrieval.WithVectorStore(store),
		retrieval.WithReranker(rr),
		retrieval.WithMMRLambda(cfg.Retrieval.MMRLambda),
		retrieval.WithTagBoost(cfg.Retrieval.TagBoost),
		retrieval.WithScoreThreshold(cfg.Retrieval.ScoreThreshold),
	)
	if err != nil {
		return err
	}

	memStore, err := filestore.New(cfg.Paths.MemoryRoot)
	if err != nil {
		return err
	}
	memService, err := filestore.NewService(memStore, filestore.WithVectorStore(store))
	if err != nil {
		return err
	}

	rec, err := reconciler.New(
		reconciler.WithModel(chatModel),
		reconciler.WithService(memService),
		reconciler.WithMaxEntries(cfg.Memory.MaxEntries),
		reconciler.WithSummaries(cfg.Memory.EnableSummarization),
	)
	if err != nil {
		return err
	}

	sum, err := summarizer.New(summarizer.WithModel(chatModel))
	if err != nil {
		return err
	}

	conv, err := conversation.New(
		conversation.WithModel(chatModel),
		conversation.WithSummarizer(sum),
		conversation.WithLogRoot(filepath.Join(cfg.Paths.MemoryRoot, "conversations")),
		conversation.WithTargetContextTokens(cfg.Conversation.TargetContextTokens),
		conversation.WithCompressThreshold(cfg.Conversation.CompressThreshold),
		conversation.WithRawRecentTokens(cfg.Conversation.RawRecentTokens),
		conversation.WithDedupThreshold(cfg.Conversation.DedupThreshold),
	)
	if err != nil {
		return err
	}

	ix, err := indexer.New(
		indexer.WithVectorStore(store),
		indexer.WithRoot(cfg.Paths.DocsFolder),
		indexer.WithIncludePatterns(cfg.Indexing.IncludePatterns...),
		indexer.WithExcludePatterns(cfg.Indexing.ExcludePatterns...),
		indexer.WithSettleDelay(cfg.Indexing.SettleDelay),
	)
	if err != nil {
		return err
	}
	if err := ix.Start(context.Background()); err != nil {
		return err
	}

	fwd, err := forwarder.New(
		forwarder.WithBaseURL(cfg.Upstream.BaseURL),
		forwarder.WithAPIKey(cfg.Upstream.ChatAPIKey),
	)
	if err != nil {
		return err
	}

	gateway, err := server.New(
		server.WithForwarder(fwd),
		server.WithRetrieval(engine),
		server.WithReconciler(rec),
		server.WithConversation(conv),
		server.WithIndexer(ix),
		server.WithDefaultTopK(cfg.Retrieval.DefaultTopK),
		server.WithMemoryEnabled(true),
		server.WithPaths(cfg.Paths.MemoryRoot, cfg.Paths.DocsFolder),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gateway.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("recallproxy: listening on %s", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-stop:
		log.Infof("recallproxy: received %v, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("recallproxy: http shutdown: %v", err)
	}
	gateway.Shutdown()
	return nil
}

func closeStore(store vectorstore.VectorStore) {
	if err := store.Close(); err != nil {
		log.Warnf("recallproxy: close vector store: %v", err)
	}
}
