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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-recall-go/model"
	"trpc.group/trpc-go/trpc-recall-go/summarizer"
	"trpc.group/trpc-go/trpc-recall-go/token"
)

// fakeModel returns a fixed compression summary and records the system
// prompts it saw, in order.
type fakeModel struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (f *fakeModel) GenerateContent(_ context.Context, req *model.Request) (<-chan *model.Response, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Messages[0].Content)
	f.mu.Unlock()

	reply := f.reply
	if reply == "" {
		reply = "- condensed."
	}
	ch := make(chan *model.Response, 1)
	ch <- &model.Response{
		Done:    true,
		Choices: []model.Choice{{Message: model.NewAssistantMessage(reply)}},
	}
	close(ch)
	return ch, nil
}

func (f *fakeModel) Info() model.Info { return model.Info{Name: "fake-model"} }

func newEngine(t *testing.T, opts ...Option) (*Engine, *fakeModel) {
	t.Helper()
	m := &fakeModel{}
	e, err := New(append([]Option{WithModel(m)}, opts...)...)
	require.NoError(t, err)
	return e, m
}

// longText builds a multi-line text of at least dedupMinChars whose word set
// is unique to the seed, so texts for different seeds never look similar to
// the dedup check.
func longText(seed string) string {
	word := strings.ReplaceAll(seed, " ", "")
	var b strings.Builder
	for i := 0; i < 8; i++ {
		for j := 0; j < 5; j++ {
			fmt.Fprintf(&b, "%sword%drow%d ", word, i, j)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func TestAppendMaintainsTotals(t *testing.T) {
	e, _ := newEngine(t)

	sum := 0
	for i := 0; i < 4; i++ {
		seg, err := e.Append("conv-1", model.RoleUser, fmt.Sprintf("message number %d", i))
		require.NoError(t, err)
		assert.Equal(t, i+1, seg.Ordinal)
		assert.Equal(t, StateRaw, seg.State)
		assert.Equal(t, seg.OriginalTokens, seg.CurrentTokens)
		sum += seg.CurrentTokens
	}
	assert.Equal(t, sum, e.TotalTokens("conv-1"))
	assert.Zero(t, e.TotalTokens("other"))
}

func TestAppendValidation(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Append("", model.RoleUser, "hi")
	assert.ErrorIs(t, err, ErrConversationIDRequired)
	_, err = e.Append("conv-1", model.RoleUser, "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestReferenceDedupExactPaste(t *testing.T) {
	e, _ := newEngine(t)
	paste := longText("database schema")
	require.GreaterOrEqual(t, len(paste), dedupMinChars)

	first, err := e.Append("conv-1", model.RoleUser, paste)
	require.NoError(t, err)
	second, err := e.Append("conv-1", model.RoleUser, paste)
	require.NoError(t, err)

	assert.Equal(t, StateReference, second.State)
	assert.Contains(t, second.Content, "Similar to segment")
	assert.Equal(t, first.ID, second.RefersTo)
	assert.Less(t, second.CurrentTokens, second.OriginalTokens)
	assert.Equal(t, StateRaw, first.State, "the referenced segment is untouched")
}

func TestReferenceDedupNearDuplicateGetsDiff(t *testing.T) {
	e, _ := newEngine(t)
	paste := longText("api contract")
	_, err := e.Append("conv-1", model.RoleUser, paste)
	require.NoError(t, err)

	second, err := e.Append("conv-1", model.RoleUser, paste+"One brand new trailing line here.\n")
	require.NoError(t, err)
	assert.Equal(t, StateReference, second.State)
	assert.Contains(t, second.Diff, "+ One brand new trailing line here.")
}

func TestShortPastesAreNeverDeduped(t *testing.T) {
	e, _ := newEngine(t)
	short := "same short message"
	_, err := e.Append("conv-1", model.RoleUser, short)
	require.NoError(t, err)
	second, err := e.Append("conv-1", model.RoleUser, short)
	require.NoError(t, err)
	assert.Equal(t, StateRaw, second.State)
}

func TestDissimilarLargeMessagesStayRaw(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Append("conv-1", model.RoleUser, longText("storage engine"))
	require.NoError(t, err)
	second, err := e.Append("conv-1", model.RoleUser, strings.Repeat("Entirely unrelated prose about sailing across the northern sea. ", 6))
	require.NoError(t, err)
	assert.Equal(t, StateRaw, second.State)
}

func TestBuildContextBudget(t *testing.T) {
	e, _ := newEngine(t)
	for i := 0; i < 6; i++ {
		_, err := e.Append("conv-1", model.RoleAssistant, longText(fmt.Sprintf("topic %d", i)))
		require.NoError(t, err)
	}
	userSeg, err := e.Append("conv-1", model.RoleUser, "What did we decide?")
	require.NoError(t, err)

	segs := e.Segments("conv-1")
	perSegment := segs[0].CurrentTokens

	// Room for the system prompt, the user turn, and roughly two history
	// segments.
	budget := perSegment*2 + userSeg.CurrentTokens + 50
	messages := e.BuildContext("conv-1", "You are helpful.", userSeg, budget)

	require.GreaterOrEqual(t, len(messages), 3)
	assert.Equal(t, model.RoleSystem, messages[0].Role)
	assert.Equal(t, model.RoleUser, messages[len(messages)-1].Role)
	assert.Equal(t, "What did we decide?", messages[len(messages)-1].Content)

	// History is the newest segments, in chronological order.
	history := messages[1 : len(messages)-1]
	require.NotEmpty(t, history)
	assert.LessOrEqual(t, len(history), 3)
	last := history[len(history)-1].Content
	assert.Contains(t, last, "topic5word")
}

func TestBuildContextRendersReferenceDiff(t *testing.T) {
	e, _ := newEngine(t)
	paste := longText("design notes")
	_, err := e.Append("conv-1", model.RoleUser, paste)
	require.NoError(t, err)
	ref, err := e.Append("conv-1", model.RoleUser, paste+"One brand new trailing line here.\n")
	require.NoError(t, err)
	require.Equal(t, StateReference, ref.State)

	userSeg, err := e.Append("conv-1", model.RoleUser, "so what changed?")
	require.NoError(t, err)
	messages := e.BuildContext("conv-1", "", userSeg, 100000)
	require.Len(t, messages, 3)

	// The reference segment contributes its marker plus the added lines.
	assert.Contains(t, messages[1].Content, "Similar to segment 1")
	assert.Contains(t, messages[1].Content, "+ One brand new trailing line here.")
}

func TestContextForBuildsWithoutAppending(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Append("conv-1", model.RoleUser, "we compared the stores")
	require.NoError(t, err)
	_, err = e.Append("conv-1", model.RoleAssistant, "the embedded one won")
	require.NoError(t, err)

	messages := e.ContextFor("conv-1", "You are helpful.", "which one won?", 0)
	require.Len(t, messages, 4)
	assert.Equal(t, model.RoleSystem, messages[0].Role)
	assert.Equal(t, "we compared the stores", messages[1].Content)
	assert.Equal(t, "the embedded one won", messages[2].Content)
	assert.Equal(t, model.RoleUser, messages[3].Role)
	assert.Equal(t, "which one won?", messages[3].Content)

	// The user turn was only built into context, never recorded.
	assert.Len(t, e.Segments("conv-1"), 2)
}

func TestBuildContextUsesSummaries(t *testing.T) {
	e, _ := newEngine(t)
	seg, err := e.Append("conv-1", model.RoleAssistant, longText("original"))
	require.NoError(t, err)
	userSeg, err := e.Append("conv-1", model.RoleUser, "next question")
	require.NoError(t, err)

	e.mu.Lock()
	conv := e.conversations["conv-1"]
	seg.State = StateSummarized
	seg.Summary = "- the original decision."
	conv.adjustTokens(seg, e.count(seg.Summary))
	e.mu.Unlock()

	messages := e.BuildContext("conv-1", "", userSeg, 10000)
	require.Len(t, messages, 2)
	assert.Equal(t, "- the original decision.", messages[0].Content)
}

func TestCompressIfNeeded(t *testing.T) {
	contents := []struct {
		role model.Role
		seed string
	}{
		{model.RoleUser, "first question"},
		{model.RoleAssistant, "first answer"},
		{model.RoleUser, "second question"},
		{model.RoleAssistant, "second answer"},
	}

	// Size the target so that compressing everything outside the raw-recent
	// window is guaranteed to land under the threshold.
	counter := token.NewCounter()
	maxSeg := 0
	for _, c := range contents {
		if n := counter.Count("fake-model", longText(c.seed)); n > maxSeg {
			maxSeg = n
		}
	}
	target := 2 * (maxSeg + 40)

	e, m := newEngine(t,
		WithTargetContextTokens(target),
		WithCompressThreshold(0.5),
		WithRawRecentTokens(30),
	)
	for _, c := range contents {
		_, err := e.Append("conv-1", c.role, longText(c.seed))
		require.NoError(t, err)
	}

	before := e.TotalTokens("conv-1")
	require.True(t, e.NeedsCompression("conv-1"))

	compressed, err := e.CompressIfNeeded(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Greater(t, compressed, 0)

	after := e.TotalTokens("conv-1")
	goal := int(0.5 * float64(target))
	assert.Less(t, after, before, "compression must strictly shrink the total")
	assert.Less(t, after, goal, "compression must land under the threshold")

	segs := e.Segments("conv-1")
	assert.Equal(t, StateRaw, segs[len(segs)-1].State, "the raw-recent window is never compressed")

	// Assistant segments compress first, with the aggressive prompt.
	require.NotEmpty(t, m.prompts)
	assert.Contains(t, m.prompts[0], "20%")
	assert.Equal(t, StateSummarized, segs[1].State)

	// Totals stay consistent with per-segment counts.
	sum := 0
	for _, seg := range segs {
		sum += seg.CurrentTokens
	}
	assert.Equal(t, sum, after)
}

func TestCompressHugeSegmentUsesMapReduce(t *testing.T) {
	m := &fakeModel{}
	sum, err := summarizer.New(summarizer.WithModel(m))
	require.NoError(t, err)
	e, err := New(
		WithModel(m),
		WithSummarizer(sum),
		WithTargetContextTokens(500),
		WithCompressThreshold(0.5),
		WithRawRecentTokens(10),
	)
	require.NoError(t, err)

	// A single assistant segment well past the map-reduce routing bound.
	var b strings.Builder
	for i := 0; b.Len() < segmentMapReduceTokens*5; i++ {
		fmt.Fprintf(&b, "huge%dreply%d ", i, i)
	}
	_, err = e.Append("conv-1", model.RoleAssistant, b.String())
	require.NoError(t, err)
	_, err = e.Append("conv-1", model.RoleUser, "short follow-up")
	require.NoError(t, err)

	compressed, err := e.CompressIfNeeded(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Greater(t, compressed, 0)

	segs := e.Segments("conv-1")
	assert.Equal(t, StateSummarized, segs[0].State)

	// The adaptive summarizer handled it, not the asymmetric prompt.
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.prompts)
	assert.Contains(t, m.prompts[0], "conversation excerpt")
}

func TestSegmentLogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	e1, _ := newEngine(t, WithLogRoot(dir))

	_, err := e1.Append("conv-1", model.RoleUser, "Which store did we pick?")
	require.NoError(t, err)
	seg, err := e1.Append("conv-1", model.RoleAssistant, longText("store decision"))
	require.NoError(t, err)
	_, err = e1.Append("conv-1", model.RoleUser, "And why?")
	require.NoError(t, err)

	// A compression state change rewrites the segment's file in place.
	e1.mu.Lock()
	conv := e1.conversations["conv-1"]
	seg.State = StateSummarized
	seg.Summary = "- picked the embedded store."
	conv.adjustTokens(seg, e1.count(seg.Summary))
	e1.persistSegment("conv-1", seg)
	e1.mu.Unlock()

	// One file per segment, named so a listing is the chronological order.
	files, err := os.ReadDir(filepath.Join(dir, "conv-1"))
	require.NoError(t, err)
	require.Len(t, files, 3)
	for i, segment := range e1.Segments("conv-1") {
		assert.True(t, strings.HasPrefix(files[i].Name(),
			segment.Timestamp.UTC().Format(segmentTimeLayout)))
	}

	// A fresh engine over the same root restores the log.
	e2, _ := newEngine(t, WithLogRoot(dir))
	segs := e2.Segments("conv-1")
	require.Len(t, segs, 3)
	assert.Equal(t, "Which store did we pick?", segs[0].Content)
	assert.Equal(t, StateSummarized, segs[1].State)
	assert.Equal(t, "- picked the embedded store.", segs[1].Summary)
	assert.Equal(t, "And why?", segs[2].Content)
	assert.Equal(t, e1.TotalTokens("conv-1"), e2.TotalTokens("conv-1"))
}

func TestCompressIfNeededBelowThresholdIsNoOp(t *testing.T) {
	e, m := newEngine(t, WithTargetContextTokens(100000))
	_, err := e.Append("conv-1", model.RoleUser, longText("tiny"))
	require.NoError(t, err)

	compressed, err := e.CompressIfNeeded(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Zero(t, compressed)
	assert.Empty(t, m.prompts)
}
