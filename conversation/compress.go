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
	"context"
	"fmt"
	"sort"
	"strings"

	"trpc.group/trpc-go/trpc-recall-go/internal/util"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/model"
	"trpc.group/trpc-go/trpc-recall-go/summarizer"
)

// Asymmetric compression prompts: the user's words are evidence and shrink
// gently; the assistant's prose is reproducible and shrinks hard.
const (
	userCompressPrompt = `Condense the user's message to roughly 70% of its length.
Preserve code blocks verbatim, exact quotes, names, numbers and file paths.
Respond with the condensed text only.`

	assistantCompressPrompt = `Condense this assistant reply to roughly 20% of its length.
Keep only decisions, conclusions and stated facts, as terse bullet points.
Drop explanations, caveats and pleasantries. Respond with the bullets only.`
)

// CompressIfNeeded compresses the conversation when its token total has
// crossed the threshold. Candidates are raw segments older than the
// raw-recent window, assistant segments first, oldest first within a role;
// compression stops as soon as the total lands back under the threshold.
// Returns the number of segments compressed.
func (e *Engine) CompressIfNeeded(ctx context.Context, conversationID string) (int, error) {
	e.mu.Lock()
	conv, ok := e.conversations[conversationID]
	if !ok || e.targetTokens <= 0 {
		e.mu.Unlock()
		return 0, nil
	}
	goal := int(e.threshold * float64(e.targetTokens))
	if conv.totalTokens < goal {
		e.mu.Unlock()
		return 0, nil
	}
	candidates := e.compressionCandidates(conv)
	e.mu.Unlock()

	compressed := 0
	for _, seg := range candidates {
		e.mu.Lock()
		done := conv.totalTokens < goal
		e.mu.Unlock()
		if done {
			break
		}

		summary, err := e.summarizeSegment(ctx, seg)
		if err != nil {
			return compressed, fmt.Errorf("compress segment %d: %w", seg.Ordinal, err)
		}
		newTokens := e.count(summary)
		if newTokens >= seg.CurrentTokens {
			log.Debugf("conversation: summary of segment %d saved nothing, skipping", seg.Ordinal)
			continue
		}

		e.mu.Lock()
		seg.State = StateSummarized
		seg.Summary = summary
		conv.adjustTokens(seg, newTokens)
		e.persistSegment(conversationID, seg)
		e.mu.Unlock()
		compressed++
	}
	return compressed, nil
}

// compressionCandidates returns the raw segments older than the raw-recent
// window, assistant role first, oldest first within a role. Caller holds
// e.mu.
func (e *Engine) compressionCandidates(conv *conversation) []*Segment {
	protected := conv.protectedFrom(e.rawRecent)
	var candidates []*Segment
	for i := 0; i < protected; i++ {
		if seg := conv.segments[i]; seg.State == StateRaw {
			candidates = append(candidates, seg)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ai := candidates[i].Role == model.RoleAssistant
		aj := candidates[j].Role == model.RoleAssistant
		if ai != aj {
			return ai
		}
		return candidates[i].Ordinal < candidates[j].Ordinal
	})
	return candidates
}

// segmentMapReduceTokens routes huge segments to the adaptive summarizer: a
// single condensation prompt degrades badly past a few thousand tokens.
const segmentMapReduceTokens = 2048

// summarizeSegment runs one asymmetric compression call. Segments too large
// for a single call go through the adaptive map-reduce summarizer instead.
func (e *Engine) summarizeSegment(ctx context.Context, seg *Segment) (string, error) {
	if e.summarizer != nil && seg.CurrentTokens >= segmentMapReduceTokens {
		result, err := e.summarizer.Summarize(ctx, seg.Content, summarizer.ContentConversation, "")
		if err != nil {
			return "", fmt.Errorf("map-reduce segment summary: %w", err)
		}
		if result.Summary != "" {
			return result.Summary, nil
		}
	}

	prompt := util.If(seg.Role == model.RoleAssistant, assistantCompressPrompt, userCompressPrompt)

	request := &model.Request{
		Messages: []model.Message{
			model.NewSystemMessage(prompt),
			model.NewUserMessage(seg.Content),
		},
	}
	responseChan, err := e.model.GenerateContent(ctx, request)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	var builder strings.Builder
	for response := range responseChan {
		if response == nil {
			continue
		}
		if response.Error != nil {
			return "", fmt.Errorf("model error: %s", response.Error.Message)
		}
		if len(response.Choices) > 0 {
			builder.WriteString(response.Choices[0].Message.Content)
		}
		if response.Done {
			break
		}
	}
	summary := strings.TrimSpace(builder.String())
	if summary == "" {
		return "", fmt.Errorf("model produced an empty compression summary")
	}
	return summary, nil
}
