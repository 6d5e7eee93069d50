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
	"bufio"
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

	"trpc.group/trpc-go/trpc-recall-go/forwarder"
	"trpc.group/trpc-go/trpc-recall-go/indexer"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/memory"
	"trpc.group/trpc-go/trpc-recall-go/model"
	"trpc.group/trpc-go/trpc-recall-go/retrieval"
	"trpc.group/trpc-go/trpc-recall-go/telemetry"
)

// chatRequest is the parsed view of one inbound request. The raw payload is
// kept so unknown fields survive the round trip.
type chatRequest struct {
	payload    map[string]any
	messages   []map[string]any
	lastUser   string
	stream     bool
	memoryID   string
	memoryTopK int
	ragTopK    int
}

// ragSource decorates a non-streaming response with one document hit.
type ragSource struct {
	Source  string  `json:"source"`
	Path    string  `json:"path"`
	ChunkID int     `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// memoryHit decorates a non-streaming response with one memory hit.
type memoryHit struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at,omitempty"`
	Score     float64 `json:"score"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer.Start(r.Context(),
		telemetry.SpanName(telemetry.OperationChat, chatCompletionsPath))
	defer span.End()

	req, err := s.parseChatRequest(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String(telemetry.KeyConversationID, req.memoryID),
		attribute.Bool(telemetry.KeyRequestStream, req.stream),
	)
	if modelName, ok := req.payload["model"].(string); ok {
		span.SetAttributes(attribute.String(telemetry.KeyRequestModel, modelName))
	}

	s.rebuildHistory(req)
	sources, hits := s.augment(ctx, req)

	if req.stream {
		s.streamChat(ctx, w, req)
		return
	}
	s.completeChat(ctx, w, req, sources, hits)
}

// parseChatRequest decodes the body preserving unknown fields and validates
// the gateway extensions.
func (s *Server) parseChatRequest(body io.Reader) (*chatRequest, error) {
	var payload map[string]any
	decoder := json.NewDecoder(body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("malformed request body: %v", err)
	}

	req := &chatRequest{
		payload:    payload,
		memoryTopK: s.defaultTopK,
		ragTopK:    s.defaultTopK,
	}

	rawMessages, ok := payload["messages"].([]any)
	if !ok || len(rawMessages) == 0 {
		return nil, errors.New("messages must be a non-empty array")
	}
	for _, raw := range rawMessages {
		msg, ok := raw.(map[string]any)
		if !ok {
			return nil, errors.New("messages must be objects")
		}
		req.messages = append(req.messages, msg)
	}
	for i := len(req.messages) - 1; i >= 0; i-- {
		if role, _ := req.messages[i]["role"].(string); role == "user" {
			req.lastUser, _ = req.messages[i]["content"].(string)
			break
		}
	}
	if strings.TrimSpace(req.lastUser) == "" {
		return nil, errors.New("request has no user message content")
	}

	if v, ok := payload["stream"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, errors.New("stream must be a boolean")
		}
		req.stream = b
	}
	if v, ok := payload["memory_id"]; ok {
		id, ok := v.(string)
		if !ok {
			return nil, errors.New("memory_id must be a string")
		}
		req.memoryID = id
	}
	var err error
	if req.memoryTopK, err = intExtension(payload, "memory_top_k", req.memoryTopK); err != nil {
		return nil, err
	}
	if req.ragTopK, err = intExtension(payload, "rag_top_k", req.ragTopK); err != nil {
		return nil, err
	}
	return req, nil
}

func intExtension(payload map[string]any, key string, fallback int) (int, error) {
	v, ok := payload[key]
	if !ok {
		return fallback, nil
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	n, err := num.Int64()
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return int(n), nil
}

// rebuildHistory replaces the client's transcript with the conversation
// engine's token-budgeted context once the conversation has recorded
// segments: the client's system messages survive as the system prompt, the
// history comes from the segment log, and the new user turn closes the list.
// Without recorded segments the client's messages forward untouched.
func (s *Server) rebuildHistory(req *chatRequest) {
	if s.conv == nil || req.memoryID == "" || s.conv.TotalTokens(req.memoryID) == 0 {
		return
	}

	var systemPrompt strings.Builder
	for _, msg := range req.messages {
		if role, _ := msg["role"].(string); role != string(model.RoleSystem) {
			continue
		}
		if content, _ := msg["content"].(string); content != "" {
			if systemPrompt.Len() > 0 {
				systemPrompt.WriteString("\n")
			}
			systemPrompt.WriteString(content)
		}
	}

	built := s.conv.ContextFor(req.memoryID, systemPrompt.String(), req.lastUser, 0)
	rebuilt := make([]map[string]any, 0, len(built))
	for _, msg := range built {
		rebuilt = append(rebuilt, map[string]any{
			"role":    string(msg.Role),
			"content": msg.Content,
		})
	}
	req.messages = rebuilt
	asAny := make([]any, 0, len(rebuilt))
	for _, msg := range rebuilt {
		asAny = append(asAny, msg)
	}
	req.payload["messages"] = asAny
}

// augment runs document and memory retrieval and prepends the results as
// system context blocks. Retrieval failures degrade to forwarding untouched.
func (s *Server) augment(ctx context.Context, req *chatRequest) ([]ragSource, []memoryHit) {
	if s.engine == nil {
		return nil, nil
	}

	var blocks []string
	var sources []ragSource
	var hits []memoryHit

	if req.ragTopK > 0 {
		result, err := s.engine.Retrieve(ctx, &retrieval.Request{
			Query:  req.lastUser,
			TopK:   req.ragTopK,
			Filter: map[string]any{indexer.MetaSource: indexer.SourceDocs},
		})
		switch {
		case err != nil:
			log.Warnf("server: document retrieval failed: %v", err)
		case len(result.Items) > 0:
			blocks = append(blocks, docsBlock(result.Items))
			sources = ragSources(result.Items)
		}
	}

	if s.memory && req.memoryID != "" && req.memoryTopK > 0 {
		result, err := s.engine.RetrieveMemory(ctx, &retrieval.Request{
			Query:         req.lastUser,
			Scope:         req.memoryID,
			TopK:          req.memoryTopK,
			IncludeGlobal: true,
		})
		switch {
		case err != nil:
			log.Warnf("server: memory retrieval failed: %v", err)
		default:
			if block := memoryBlock(result); block != "" {
				blocks = append(blocks, block)
			}
			hits = memoryHits(result.Items)
		}
	}

	if len(blocks) > 0 {
		req.prependSystemBlocks(blocks)
	}
	return sources, hits
}

// prependSystemBlocks injects context blocks as system messages ahead of the
// client's own messages.
func (r *chatRequest) prependSystemBlocks(blocks []string) {
	injected := make([]any, 0, len(blocks)+len(r.messages))
	for _, block := range blocks {
		injected = append(injected, map[string]any{
			"role":    model.RoleSystem,
			"content": block,
		})
	}
	for _, msg := range r.messages {
		injected = append(injected, msg)
	}
	r.payload["messages"] = injected
}

func docsBlock(items []*retrieval.Item) string {
	var b strings.Builder
	b.WriteString("Relevant excerpts from the user's documents:\n")
	for _, item := range items {
		path, _ := item.Document.Metadata[indexer.MetaFilePath].(string)
		fmt.Fprintf(&b, "\n[Source: %s]\n%s\n", path, item.Document.Content)
	}
	return b.String()
}

func memoryBlock(result *retrieval.MemoryResult) string {
	var b strings.Builder
	if result.SummaryShort != nil || result.SummaryLong != nil {
		b.WriteString("Conversation summary:\n")
		if result.SummaryShort != nil {
			b.WriteString(result.SummaryShort.Content + "\n")
		}
		if result.SummaryLong != nil {
			b.WriteString(result.SummaryLong.Content + "\n")
		}
	}
	if len(result.Items) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Known facts about the user:\n")
		for _, item := range result.Items {
			fmt.Fprintf(&b, "- %s\n", item.Document.Content)
		}
	}
	return b.String()
}

func ragSources(items []*retrieval.Item) []ragSource {
	out := make([]ragSource, 0, len(items))
	for _, item := range items {
		src := ragSource{Score: item.Score}
		src.Source, _ = item.Document.Metadata[indexer.MetaSource].(string)
		src.Path, _ = item.Document.Metadata[indexer.MetaFilePath].(string)
		if v, ok := item.Document.Metadata[indexer.MetaChunkID].(int); ok {
			src.ChunkID = v
		} else if v, ok := item.Document.Metadata[indexer.MetaChunkID].(float64); ok {
			src.ChunkID = int(v)
		}
		out = append(out, src)
	}
	return out
}

func memoryHits(items []*retrieval.Item) []memoryHit {
	out := make([]memoryHit, 0, len(items))
	for _, item := range items {
		hit := memoryHit{Content: item.Document.Content, Score: item.Score}
		hit.Role, _ = item.Document.Metadata[memory.MetaKeyRole].(string)
		if !item.Document.CreatedAt.IsZero() {
			hit.CreatedAt = item.Document.CreatedAt.Format(time.RFC3339)
		}
		out = append(out, hit)
	}
	return out
}

// streamChat forwards the request in streaming mode, passing SSE bytes
// through untouched. The frames are teed into a buffer so the assistant's
// reply can feed post-processing once the stream closes.
func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, req *chatRequest) {
	w.Header().Set(headerContentType, contentTypeEventStream)
	w.Header().Set(headerCacheControl, cacheControlNoCache)

	rec := &streamRecorder{w: w}
	if err := s.fwd.Stream(ctx, req.payload, rec); err != nil {
		// The error frame is already on the wire; nothing else to send.
		log.Warnf("server: stream forward failed: %v", err)
		return
	}
	responseID, assistant := streamedReply(rec.buf.Bytes())
	s.schedulePostProcessing(req, responseID, assistant)
}

// streamRecorder tees streamed bytes into a buffer while passing writes and
// flushes through to the client.
type streamRecorder struct {
	w   http.ResponseWriter
	buf bytes.Buffer
}

func (r *streamRecorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	return r.w.Write(p)
}

// Flush implements http.Flusher so the forwarder keeps flushing per read.
func (r *streamRecorder) Flush() {
	if flusher, ok := r.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// streamedReply reassembles the response id and assistant text from the SSE
// frames of a completed stream. Frames that do not parse are skipped.
func streamedReply(raw []byte) (id, content string) {
	var b strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var frame struct {
			ID      string `json:"id"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			continue
		}
		if frame.ID != "" {
			id = frame.ID
		}
		if len(frame.Choices) > 0 {
			b.WriteString(frame.Choices[0].Delta.Content)
		}
	}
	return id, b.String()
}

// completeChat forwards a non-streaming request, decorates the response and
// schedules post-processing.
func (s *Server) completeChat(
	ctx context.Context,
	w http.ResponseWriter,
	req *chatRequest,
	sources []ragSource,
	hits []memoryHit,
) {
	body, err := s.fwd.Complete(ctx, req.payload)
	if err != nil {
		var upErr *forwarder.UpstreamError
		if errors.As(err, &upErr) {
			// Upstream failures pass through with their original status.
			w.Header().Set(headerContentType, contentTypeJSON)
			w.WriteHeader(upErr.StatusCode)
			w.Write(upErr.Body)
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	responseID, assistant := upstreamReply(body)
	s.schedulePostProcessing(req, responseID, assistant)

	w.Header().Set(headerContentType, contentTypeJSON)
	w.Write(decorate(body, sources, hits))
}

// decorate attaches rag_sources and memory_hits to the upstream JSON. A body
// that does not parse passes through untouched.
func decorate(body []byte, sources []ragSource, hits []memoryHit) []byte {
	if len(sources) == 0 && len(hits) == 0 {
		return body
	}
	var response map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		return body
	}
	if len(sources) > 0 {
		response["rag_sources"] = sources
	}
	if len(hits) > 0 {
		response["memory_hits"] = hits
	}
	decorated, err := json.Marshal(response)
	if err != nil {
		return body
	}
	return decorated
}

// schedulePostProcessing queues the per-conversation background work: fact
// reconciliation, summaries, segment appends and compression. Tasks detach
// from the request context and serialize per conversation.
func (s *Server) schedulePostProcessing(req *chatRequest, responseID, assistant string) {
	if req.memoryID == "" {
		return
	}
	userMessage := req.lastUser

	err := s.queue.Submit(req.memoryID, func(ctx context.Context) {
		if s.rec != nil {
			if _, err := s.rec.Reconcile(ctx, req.memoryID, userMessage, responseID); err != nil {
				log.Warnf("server: reconcile %s failed: %v", req.memoryID, err)
			}
		}
		if s.conv != nil {
			if _, err := s.conv.Append(req.memoryID, model.RoleUser, userMessage); err != nil {
				log.Warnf("server: append user segment: %v", err)
			}
			if assistant != "" {
				if _, err := s.conv.Append(req.memoryID, model.RoleAssistant, assistant); err != nil {
					log.Warnf("server: append assistant segment: %v", err)
				}
			}
			if _, err := s.conv.CompressIfNeeded(ctx, req.memoryID); err != nil {
				log.Warnf("server: compress %s failed: %v", req.memoryID, err)
			}
		}
	})
	if err != nil {
		log.Warnf("server: schedule post-processing for %s: %v", req.memoryID, err)
	}
}

// upstreamReply pulls the response id and first-choice assistant content out
// of the upstream body.
func upstreamReply(body []byte) (id, content string) {
	var response struct {
		ID      string `json:"id"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", ""
	}
	if len(response.Choices) > 0 {
		content = response.Choices[0].Message.Content
	}
	return response.ID, content
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
