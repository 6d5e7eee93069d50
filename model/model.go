//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package model provides the request/response types and the Model interface
// used for internal LLM calls (fact extraction, reconciliation decisions and
// summarization).
package model

import "context"

// Model is the interface for a chat model backend.
type Model interface {
	// GenerateContent generates content from the model. The returned channel
	// yields partial responses while streaming and is closed after the final
	// response. Function-level errors (invalid request, transport failure
	// before any response) are returned directly; API-level errors arrive in
	// Response.Error.
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)

	// Info returns basic information about the model.
	Info() Info
}

// Info describes a model instance.
type Info struct {
	// Name is the model name, e.g. "gpt-4o-mini".
	Name string `json:"name"`
}
