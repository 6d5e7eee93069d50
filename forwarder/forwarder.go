//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package forwarder relays chat-completion requests to an upstream
// OpenAI-compatible endpoint. It works on raw JSON payloads rather than
// typed structs so that fields this gateway does not know about round-trip
// untouched, and streams SSE bytes through without reframing them.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"trpc.group/trpc-go/trpc-recall-go/internal/httpclient"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/telemetry"
)

// DefaultTimeout bounds one upstream call, streaming included.
const DefaultTimeout = 120 * time.Second

// gatewayFields are the extension fields this gateway consumes; they are
// stripped before the payload goes upstream.
var gatewayFields = []string{"memory_id", "memory_top_k", "rag_top_k"}

// ErrBaseURLRequired is returned by New when no upstream base URL is set.
var ErrBaseURLRequired = errors.New("forwarder requires an upstream base url")

// UpstreamError carries a non-2xx upstream reply, status and body verbatim.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, string(e.Body))
}

// Forwarder posts payloads to one upstream base URL.
type Forwarder struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures the forwarder.
type Option func(*Forwarder)

// WithBaseURL sets the upstream base URL, e.g. "https://api.openai.com/v1".
// Required.
func WithBaseURL(baseURL string) Option {
	return func(f *Forwarder) {
		f.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithAPIKey sets the bearer token sent upstream. Optional.
func WithAPIKey(key string) Option {
	return func(f *Forwarder) {
		f.apiKey = key
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Forwarder) {
		if client != nil {
			f.client = client
		}
	}
}

// New builds a forwarder.
func New(opts ...Option) (*Forwarder, error) {
	f := &Forwarder{
		client: httpclient.New(httpclient.WithTimeout(DefaultTimeout)),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	return f, nil
}

// Complete posts a non-streaming chat completion and returns the upstream
// body verbatim. Non-2xx replies become *UpstreamError.
func (f *Forwarder) Complete(ctx context.Context, payload map[string]any) ([]byte, error) {
	ctx, span := telemetry.Tracer.Start(ctx,
		telemetry.SpanName(telemetry.OperationForward, "chat_completions"))
	defer span.End()

	resp, err := f.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	span.SetAttributes(attribute.Int(telemetry.KeyUpstreamStatus, resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

// Stream posts a streaming chat completion and copies the upstream SSE bytes
// to w as they arrive, flushing after every read when w supports it. A
// non-2xx upstream reply writes a single error frame to w and returns the
// *UpstreamError. Client cancellation propagates through ctx.
func (f *Forwarder) Stream(ctx context.Context, payload map[string]any, w io.Writer) error {
	ctx, span := telemetry.Tracer.Start(ctx,
		telemetry.SpanName(telemetry.OperationForward, "chat_completions_stream"))
	defer span.End()

	resp, err := f.post(ctx, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int(telemetry.KeyUpstreamStatus, resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		upErr := &UpstreamError{StatusCode: resp.StatusCode, Body: body}
		writeErrorFrame(w, upErr)
		return upErr
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write to client: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				log.Debugf("forwarder: client went away mid-stream: %v", ctx.Err())
				return ctx.Err()
			}
			return fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

// post marshals the payload minus the gateway's own fields and issues the
// upstream request.
func (f *Forwarder) post(ctx context.Context, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(stripGatewayFields(payload))
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		f.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call upstream: %w", err)
	}
	return resp, nil
}

// stripGatewayFields returns a shallow copy without the extension fields.
func stripGatewayFields(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, field := range gatewayFields {
		delete(out, field)
	}
	return out
}

// writeErrorFrame emits one SSE error frame in the OpenAI error shape.
func writeErrorFrame(w io.Writer, upErr *UpstreamError) {
	frame := map[string]any{
		"error": map[string]any{
			"message": string(upErr.Body),
			"type":    "upstream_error",
			"code":    upErr.StatusCode,
		},
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
