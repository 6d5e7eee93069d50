//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the tracer handle and span attribute keys used
// across trpc-recall-go. The default tracer is a noop; hosts enable tracing
// by installing a real provider via SetTracerProvider.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Service identity constants.
const (
	ServiceName    = "trpc-recall-go"
	ServiceVersion = "v0.1.0"
	InstrumentName = "trpc.recall.go"
)

// Operation names used as span-name prefixes.
const (
	OperationChat      = "chat"
	OperationRetrieve  = "retrieve"
	OperationForward   = "forward"
	OperationReconcile = "reconcile_memory"
	OperationIndex     = "index_documents"
	OperationSummarize = "summarize"
	OperationEmbed     = "embeddings"
)

// Span attribute keys.
const (
	KeyConversationID = "recall.conversation_id"
	KeyRequestModel   = "recall.request.model"
	KeyRequestStream  = "recall.request.stream"
	KeyRetrieveScope  = "recall.retrieve.scope"
	KeyRetrieveTopK   = "recall.retrieve.top_k"
	KeyRetrieveHits   = "recall.retrieve.hits"
	KeyUpstreamStatus = "recall.upstream.status"
	KeyDocumentPath   = "recall.document.path"
	KeyChunkCount     = "recall.document.chunks"
	KeyEmbedBatchSize = "recall.embed.batch_size"
	KeyErrorMessage   = "error.message"
)

// TracerProvider is the provider backing Tracer. Defaults to noop.
var TracerProvider trace.TracerProvider = noop.NewTracerProvider()

// Tracer is the tracer used to start spans across the module.
var Tracer = TracerProvider.Tracer(InstrumentName)

// SetTracerProvider installs a tracer provider and refreshes Tracer.
func SetTracerProvider(tp trace.TracerProvider) {
	if tp == nil {
		return
	}
	TracerProvider = tp
	Tracer = TracerProvider.Tracer(InstrumentName)
}

// SpanName composes an operation span name, e.g. "chat gpt-4o-mini".
func SpanName(operation, detail string) string {
	if detail == "" {
		return operation
	}
	return fmt.Sprintf("%s %s", operation, detail)
}
