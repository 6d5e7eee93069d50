//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/respjson"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"trpc.group/trpc-go/trpc-recall-go/model"
)

const functionToolType string = "function"

// Model implements the model.Model interface for OpenAI-compatible APIs.
type Model struct {
	client            openai.Client
	name              string
	baseURL           string
	apiKey            string
	channelBufferSize int
	extraFields       map[string]any
}

// New creates a new OpenAI-like model.
func New(name string, opts ...Option) *Model {
	o := defaultOptions
	for _, opt := range opts {
		opt(&o)
	}

	var clientOpts []openaiopt.RequestOption

	if o.APIKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.APIKey))
	}

	if o.BaseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.BaseURL))
	}

	if o.HTTPClient != nil {
		clientOpts = append(clientOpts, openaiopt.WithHTTPClient(o.HTTPClient))
	}

	clientOpts = append(clientOpts, o.OpenAIOptions...)

	client := openai.NewClient(clientOpts...)

	return &Model{
		client:            client,
		name:              name,
		baseURL:           o.BaseURL,
		apiKey:            o.APIKey,
		channelBufferSize: o.ChannelBufferSize,
		extraFields:       o.ExtraFields,
	}
}

// Info implements the model.Model interface.
func (m *Model) Info() model.Info {
	return model.Info{
		Name: m.name,
	}
}

// GenerateContent implements the model.Model interface.
func (m *Model) GenerateContent(
	ctx context.Context,
	request *model.Request,
) (<-chan *model.Response, error) {
	if request == nil {
		return nil, errors.New("request cannot be nil")
	}

	responseChan := make(chan *model.Response, m.channelBufferSize)

	chatRequest, opts := m.buildChatRequest(request)

	go func() {
		defer close(responseChan)

		if request.Stream {
			m.handleStreamingResponse(ctx, chatRequest, responseChan, opts...)
		} else {
			m.handleNonStreamingResponse(ctx, chatRequest, responseChan, opts...)
		}
	}()

	return responseChan, nil
}

// buildChatRequest converts our Request to OpenAI request params and options.
func (m *Model) buildChatRequest(request *model.Request) (openai.ChatCompletionNewParams, []openaiopt.RequestOption) {
	chatRequest := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.name),
		Messages: m.convertMessages(request.Messages),
		Tools:    m.convertTools(request.Tools),
	}

	// MaxTokens is deprecated and not compatible with o-series models.
	// Use MaxCompletionTokens instead.
	if request.MaxTokens != nil {
		chatRequest.MaxCompletionTokens = openai.Int(int64(*request.MaxTokens))
	}
	if request.Temperature != nil {
		chatRequest.Temperature = openai.Float(*request.Temperature)
	}
	if request.TopP != nil {
		chatRequest.TopP = openai.Float(*request.TopP)
	}
	if len(request.Stop) > 0 {
		// Use the first stop string for simplicity.
		chatRequest.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfString: openai.String(request.Stop[0]),
		}
	}

	// Add extra fields to the request.
	var opts []openaiopt.RequestOption
	for key, value := range m.extraFields {
		opts = append(opts, openaiopt.WithJSONSet(key, value))
	}

	// Add streaming options if needed.
	if request.Stream {
		chatRequest.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
	}
	return chatRequest, opts
}

// convertMessages converts our Message format to OpenAI's format.
func (m *Model) convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, len(messages))

	for i, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result[i] = openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			}
		case model.RoleAssistant:
			assistantMsg := &openai.ChatCompletionAssistantMessageParam{
				ToolCalls: m.convertToolCalls(msg.ToolCalls),
			}
			if msg.Content != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			result[i] = openai.ChatCompletionMessageParamUnion{
				OfAssistant: assistantMsg,
			}
		case model.RoleTool:
			result[i] = openai.ChatCompletionMessageParamUnion{
				OfTool: &openai.ChatCompletionToolMessageParam{
					Content: openai.ChatCompletionToolMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
					ToolCallID: msg.ToolID,
				},
			}
		default: // Default to user message if role is unknown.
			result[i] = openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(msg.Content),
					},
				},
			}
		}
	}

	return result
}

func (m *Model) convertToolCalls(toolCalls []model.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	var result []openai.ChatCompletionMessageToolCallParam
	for _, toolCall := range toolCalls {
		result = append(result, openai.ChatCompletionMessageToolCallParam{
			ID: toolCall.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      toolCall.Function.Name,
				Arguments: string(toolCall.Function.Arguments),
			},
		})
	}
	return result
}

func (m *Model) convertTools(tools []model.ToolDefinition) []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam
	for _, t := range tools {
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return result
}

// handleStreamingResponse handles streaming chat completion responses.
func (m *Model) handleStreamingResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
	opts ...openaiopt.RequestOption,
) {
	stream := m.client.Chat.Completions.NewStreaming(
		ctx, chatRequest, opts...)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	// Track ID -> Index mapping.
	idToIndexMap := make(map[string]int)

	for stream.Next() {
		chunk := stream.Current()

		// Skip empty chunks.
		if m.shouldSkipEmptyChunk(chunk) {
			continue
		}

		// Track ID -> Index mapping when ID is present (first chunk of each tool call).
		m.updateToolCallIndexMapping(chunk, idToIndexMap)

		// Always accumulate for correctness (tool call deltas are assembled later).
		// Sanitize chunks before feeding them into the upstream accumulator to
		// avoid known panics when JSON.ToolCalls is marked present but the
		// typed ToolCalls slice is empty, especially on finish_reason chunks.
		acc.AddChunk(sanitizeChunkForAccumulator(chunk))

		// Suppress chunks that carry no meaningful visible delta (including
		// tool_call deltas, which are surfaced only in the final response).
		if m.shouldSuppressChunk(chunk) {
			continue
		}

		response := m.createPartialResponse(chunk)

		select {
		case responseChan <- response:
		case <-ctx.Done():
			return
		}
	}

	// Send final response with usage information if available.
	m.sendFinalResponse(ctx, stream, acc, idToIndexMap, responseChan)
}

// sanitizeChunkForAccumulator returns a defensive copy of the given chunk that
// avoids structures known to cause panics in the upstream OpenAI SDK
// accumulator. In particular, it clears JSON.ToolCalls metadata when it is
// marked present but the typed ToolCalls slice is empty on a finish_reason
// chunk, which would otherwise lead to an out-of-range access in
// chatCompletionResponseState.update.
func sanitizeChunkForAccumulator(chunk openai.ChatCompletionChunk) openai.ChatCompletionChunk {
	if len(chunk.Choices) == 0 {
		return chunk
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	// Only sanitize the specific pattern that is known to be unsafe for the
	// accumulator:
	//   - finish_reason is set (e.g. "tool_calls" or "stop")
	//   - JSON.ToolCalls is marked present
	//   - but the typed ToolCalls slice is empty
	if choice.FinishReason == "" ||
		!delta.JSON.ToolCalls.Valid() ||
		len(delta.ToolCalls) != 0 {
		return chunk
	}

	sanitized := chunk
	sanitized.Choices = make([]openai.ChatCompletionChunkChoice, len(chunk.Choices))
	copy(sanitized.Choices, chunk.Choices)

	// Clear the JSON metadata for ToolCalls on the first choice only. This
	// preserves finish_reason and usage semantics while preventing the
	// accumulator from treating this as a tool-call delta that must have at
	// least one element.
	sanitized.Choices[0].Delta.JSON.ToolCalls = respjson.Field{}

	return sanitized
}

// updateToolCallIndexMapping updates the tool call index mapping.
func (m *Model) updateToolCallIndexMapping(chunk openai.ChatCompletionChunk, idToIndexMap map[string]int) {
	if len(chunk.Choices) > 0 && len(chunk.Choices[0].Delta.ToolCalls) > 0 {
		toolCall := chunk.Choices[0].Delta.ToolCalls[0]
		index := int(toolCall.Index)
		if toolCall.ID != "" {
			idToIndexMap[toolCall.ID] = index
		}
	}
}

// shouldSuppressChunk returns true when the chunk contains no meaningful delta
// (no content, no non-empty tool calls, and no finish reason). This filters
// out completely empty streaming events that cause noisy logs. Tool call
// deltas are suppressed too: they are exposed only in the final aggregated
// response.
func (m *Model) shouldSuppressChunk(chunk openai.ChatCompletionChunk) bool {
	if len(chunk.Choices) == 0 {
		return true
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	// Any meaningful payload disables suppression.
	if delta.Content != "" {
		return false
	}

	if delta.JSON.ToolCalls.Valid() || len(delta.ToolCalls) > 0 {
		return true
	}

	return choice.FinishReason == ""
}

// shouldSkipEmptyChunk returns true when the chunk contains no meaningful delta.
// This is a defensive check against malformed responses from certain providers
// that may return chunks with valid JSON fields but empty actual content.
//
// The order of checks matters:
// 1. Check finish reason - if present, don't skip
// 2. Check content - if valid, don't skip (even if empty string)
// 3. Check refusal - if valid, don't skip
// 4. Check toolcalls - if valid but array is empty, skip (defensive against panic)
// 5. Check usage - if valid, don't skip
// 6. Otherwise, skip
func (m *Model) shouldSkipEmptyChunk(chunk openai.ChatCompletionChunk) bool {
	// Chunks that carry a finish reason are meaningful and should not be
	// skipped, even if they have no content or usage. This ensures that
	// streaming clients can observe termination semantics.
	if len(chunk.Choices) > 0 &&
		chunk.Choices[0].FinishReason != "" {
		return false
	}

	// No choices available, don't skip (let it be processed normally).
	if len(chunk.Choices) == 0 {
		return false
	}

	// Extract delta for inspection.
	delta := chunk.Choices[0].Delta

	// Content or refusal indicates meaningful output.
	if delta.JSON.Content.Valid() || delta.JSON.Refusal.Valid() {
		return false
	}

	// Tool calls are only meaningful when the array is non-empty.
	if delta.JSON.ToolCalls.Valid() {
		return len(delta.ToolCalls) == 0
	}

	if chunk.Usage.CompletionTokens > 0 || chunk.Usage.PromptTokens > 0 || chunk.Usage.TotalTokens > 0 {
		return false
	}

	// Otherwise there is no meaningful delta, skip the chunk.
	return true
}

// createPartialResponse creates a partial response from a streaming chunk.
func (m *Model) createPartialResponse(chunk openai.ChatCompletionChunk) *model.Response {
	response := &model.Response{
		ID: chunk.ID,
		// Normalize object for chunks; upstream may emit empty object for toolcall deltas.
		Object: func() string {
			if chunk.Object != "" {
				return string(chunk.Object)
			}
			return model.ObjectTypeChatCompletionChunk
		}(),
		Created:   chunk.Created,
		Model:     chunk.Model,
		Timestamp: time.Now(),
		Done:      false,
		IsPartial: true,
	}

	// Convert choices for partial responses (content streaming).
	if len(chunk.Choices) > 0 {
		response.Choices = make([]model.Choice, 1)
		response.Choices[0].Delta = model.Message{
			Role:    model.RoleAssistant,
			Content: chunk.Choices[0].Delta.Content,
		}

		// Handle finish reason - FinishReason is a plain string.
		if chunk.Choices[0].FinishReason != "" {
			finishReason := chunk.Choices[0].FinishReason
			response.Choices[0].FinishReason = &finishReason
		}
	}

	return response
}

// sendFinalResponse sends the final response with accumulated data.
func (m *Model) sendFinalResponse(
	ctx context.Context,
	stream *ssestream.Stream[openai.ChatCompletionChunk],
	acc openai.ChatCompletionAccumulator,
	idToIndexMap map[string]int,
	responseChan chan<- *model.Response,
) {
	if stream.Err() != nil {
		// Send error response.
		errorResponse := &model.Response{
			Error: &model.ResponseError{
				Message: stream.Err().Error(),
				Type:    model.ErrorTypeStreamError,
			},
			Timestamp: time.Now(),
			Done:      true,
		}

		select {
		case responseChan <- errorResponse:
		case <-ctx.Done():
		}
		return
	}

	// Check accumulated tool calls (batch processing after streaming is complete).
	var hasToolCall bool
	var accumulatedToolCalls []model.ToolCall

	if len(acc.Choices) > 0 && len(acc.Choices[0].Message.ToolCalls) > 0 {
		hasToolCall = true
		accumulatedToolCalls = m.processAccumulatedToolCalls(acc, idToIndexMap)
	}

	finalResponse := m.createFinalResponse(acc, hasToolCall, accumulatedToolCalls)

	select {
	case responseChan <- finalResponse:
	case <-ctx.Done():
	}
}

// processAccumulatedToolCalls processes accumulated tool calls.
func (m *Model) processAccumulatedToolCalls(
	acc openai.ChatCompletionAccumulator,
	idToIndexMap map[string]int,
) []model.ToolCall {
	accumulatedToolCalls := make([]model.ToolCall, 0, len(acc.Choices[0].Message.ToolCalls))

	for i, toolCall := range acc.Choices[0].Message.ToolCalls {
		// Some providers start function tool calls at index 1 or more, and the
		// accumulator then reports an empty tool call for index 0. Skip those.
		if toolCall.Function.Name == "" && toolCall.ID == "" {
			continue
		}

		// Use the original index from ID->Index mapping if available, otherwise use loop index.
		originalIndex := i
		if toolCall.ID != "" {
			if mappedIndex, exists := idToIndexMap[toolCall.ID]; exists {
				originalIndex = mappedIndex
			}
		}

		// Some providers may omit the tool_call ID. Synthesize a stable ID
		// from the index to ensure proper pairing.
		synthesizedID := toolCall.ID
		if synthesizedID == "" {
			synthesizedID = fmt.Sprintf("auto_call_%d", originalIndex)
		}

		accumulatedToolCalls = append(accumulatedToolCalls, model.ToolCall{
			Index: func() *int { idx := originalIndex; return &idx }(),
			ID:    synthesizedID,
			Type:  functionToolType,
			Function: model.FunctionCall{
				Name:      toolCall.Function.Name,
				Arguments: []byte(toolCall.Function.Arguments),
			},
		})
	}

	return accumulatedToolCalls
}

// createFinalResponse creates the final response with accumulated data.
func (m *Model) createFinalResponse(
	acc openai.ChatCompletionAccumulator,
	hasToolCall bool,
	accumulatedToolCalls []model.ToolCall,
) *model.Response {
	usage := model.Usage{
		PromptTokens:     int(acc.Usage.PromptTokens),
		CompletionTokens: int(acc.Usage.CompletionTokens),
		TotalTokens:      int(acc.Usage.TotalTokens),
	}
	finalResponse := &model.Response{
		Object:    model.ObjectTypeChatCompletion,
		ID:        acc.ID,
		Created:   acc.Created,
		Model:     acc.Model,
		Choices:   make([]model.Choice, len(acc.Choices)),
		Usage:     &usage,
		Timestamp: time.Now(),
		Done:      true,
		IsPartial: false,
	}

	for i, choice := range acc.Choices {
		finalResponse.Choices[i] = model.Choice{
			Index: int(choice.Index),
			Message: model.Message{
				Role:    model.RoleAssistant,
				Content: choice.Message.Content,
			},
		}

		// If there are tool calls, add them to the final response.
		if hasToolCall && i == 0 { // Usually only the first choice contains tool calls.
			finalResponse.Choices[i].Message.ToolCalls = accumulatedToolCalls
		}

		// Propagate finish reason from the accumulated choice so that the final
		// aggregated response exposes the same termination semantics as the
		// underlying provider.
		if choice.FinishReason != "" {
			finishReason := choice.FinishReason
			finalResponse.Choices[i].FinishReason = &finishReason
		}
	}

	return finalResponse
}

// handleNonStreamingResponse handles non-streaming chat completion responses.
func (m *Model) handleNonStreamingResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
	opts ...openaiopt.RequestOption,
) {
	chatCompletion, err := m.client.Chat.Completions.New(
		ctx, chatRequest, opts...)
	if err != nil {
		errorResponse := &model.Response{
			Error: &model.ResponseError{
				Message: err.Error(),
				Type:    model.ErrorTypeAPIError,
			},
			Timestamp: time.Now(),
			Done:      true,
		}

		select {
		case responseChan <- errorResponse:
		case <-ctx.Done():
		}
		return
	}

	response := &model.Response{
		ID:        chatCompletion.ID,
		Object:    string(chatCompletion.Object),
		Created:   chatCompletion.Created,
		Model:     chatCompletion.Model,
		Timestamp: time.Now(),
		Done:      true,
	}

	// Convert choices.
	if len(chatCompletion.Choices) > 0 {
		response.Choices = make([]model.Choice, len(chatCompletion.Choices))
		for i, choice := range chatCompletion.Choices {
			response.Choices[i] = model.Choice{
				Index: int(choice.Index),
				Message: model.Message{
					Role:    model.RoleAssistant,
					Content: choice.Message.Content,
				},
			}

			response.Choices[i].Message.ToolCalls = make([]model.ToolCall, len(choice.Message.ToolCalls))
			for j, toolCall := range choice.Message.ToolCalls {
				synthesizedID := toolCall.ID
				if synthesizedID == "" {
					// Synthesize ID for providers that omit it.
					synthesizedID = fmt.Sprintf("auto_call_%d", j)
				}
				response.Choices[i].Message.ToolCalls[j] = model.ToolCall{
					ID:   synthesizedID,
					Type: string(toolCall.Type),
					Function: model.FunctionCall{
						Name:      toolCall.Function.Name,
						Arguments: []byte(toolCall.Function.Arguments),
					},
				}
			}

			// Handle finish reason - FinishReason is a plain string.
			if choice.FinishReason != "" {
				finishReason := choice.FinishReason
				response.Choices[i].FinishReason = &finishReason
			}
		}
	}

	// Convert usage information.
	if chatCompletion.Usage.PromptTokens > 0 || chatCompletion.Usage.CompletionTokens > 0 {
		usage := model.Usage{
			PromptTokens:     int(chatCompletion.Usage.PromptTokens),
			CompletionTokens: int(chatCompletion.Usage.CompletionTokens),
			TotalTokens:      int(chatCompletion.Usage.TotalTokens),
		}
		response.Usage = &usage
	}

	select {
	case responseChan <- response:
	case <-ctx.Done():
	}
}
