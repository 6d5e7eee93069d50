//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_IsToolCallResponse(t *testing.T) {
	tests := []struct {
		name     string
		response *Response
		expected bool
	}{
		{
			name:     "nil response",
			response: nil,
			expected: false,
		},
		{
			name:     "empty choices",
			response: &Response{},
			expected: false,
		},
		{
			name: "message tool calls",
			response: &Response{
				Choices: []Choice{{
					Message: Message{
						Role: RoleAssistant,
						ToolCalls: []ToolCall{{
							ID:       "call-1",
							Function: FunctionCall{Name: "memory_add"},
						}},
					},
				}},
			},
			expected: true,
		},
		{
			name: "delta tool calls",
			response: &Response{
				Choices: []Choice{{
					Delta: Message{
						ToolCalls: []ToolCall{{ID: "call-2"}},
					},
				}},
			},
			expected: true,
		},
		{
			name: "plain content",
			response: &Response{
				Choices: []Choice{{
					Message: Message{Role: RoleAssistant, Content: "hi"},
				}},
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.response.IsToolCallResponse())
		})
	}
}

func TestResponse_IsFinalResponse(t *testing.T) {
	tests := []struct {
		name     string
		response *Response
		expected bool
	}{
		{
			name:     "nil response is final",
			response: nil,
			expected: true,
		},
		{
			name:     "partial response is not final",
			response: &Response{IsPartial: true, Done: true},
			expected: false,
		},
		{
			name:     "done without choices or error is not final",
			response: &Response{Done: true},
			expected: false,
		},
		{
			name: "done with choices is final",
			response: &Response{
				Done:    true,
				Choices: []Choice{{Message: Message{Content: "done"}}},
			},
			expected: true,
		},
		{
			name: "done with error is final",
			response: &Response{
				Done:  true,
				Error: &ResponseError{Message: "boom", Type: ErrorTypeAPIError},
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.response.IsFinalResponse())
		})
	}
}

func TestResponse_JSONRoundTrip(t *testing.T) {
	finishReason := "stop"
	original := &Response{
		ID:      "chatcmpl-123",
		Object:  ObjectTypeChatCompletion,
		Created: 1700000000,
		Model:   "test-model",
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: "hello"},
			FinishReason: &finishReason,
		}},
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Done:  true,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Model, decoded.Model)
	require.Len(t, decoded.Choices, 1)
	assert.Equal(t, "hello", decoded.Choices[0].Message.Content)
	require.NotNil(t, decoded.Choices[0].FinishReason)
	assert.Equal(t, "stop", *decoded.Choices[0].FinishReason)
	require.NotNil(t, decoded.Usage)
	assert.Equal(t, 15, decoded.Usage.TotalTokens)
}
