//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package summarizer

import "strings"

// briefSystemPrompt produces the single-sentence summary. Brief summaries
// ignore the content type.
const briefSystemPrompt = `Summarize the user's text in one sentence of at most 20 words.
Respond with the sentence only: no preamble, no quotes, no bullet points.`

// Content-type instructions for the map phase.
var contentInstructions = map[ContentType]string{
	ContentGeneral: `Summarize the user's text faithfully. Keep names, dates,
numbers and decisions. Write plain prose.`,
	ContentConversation: `Summarize this conversation excerpt. Keep who said
what, the questions asked, the answers given, and any decisions or action
items. Write plain prose.`,
	ContentJournal: `Summarize this journal excerpt. Keep events, dates,
people, and the author's stated feelings or intentions. Write plain prose.`,
	ContentDocument: `Summarize this document excerpt. Keep headings, key
claims, figures, and conclusions. Write plain prose.`,
}

// priorSummaryPreamble introduces the prior summary when one exists.
const priorSummaryPreamble = `An earlier summary of preceding content follows; stay consistent with it and do not repeat it verbatim:

`

// mapSystemPrompt builds the system instructions for summarizing one chunk.
func mapSystemPrompt(contentType ContentType, prior string) string {
	instructions, ok := contentInstructions[contentType]
	if !ok {
		instructions = contentInstructions[ContentGeneral]
	}
	if prior == "" {
		return instructions
	}
	return instructions + "\n\n" + priorSummaryPreamble + prior
}

// synthesizeSystemPrompt builds the system instructions for merging several
// partial summaries into one.
func synthesizeSystemPrompt(contentType ContentType, prior string) string {
	var b strings.Builder
	b.WriteString(`The user's text is a sequence of partial summaries of consecutive parts of one larger text.
Merge them into a single coherent summary. Remove repetition, keep chronology, preserve names, numbers and decisions.
`)
	if instructions, ok := contentInstructions[contentType]; ok && contentType != ContentGeneral {
		b.WriteString("\n")
		b.WriteString(instructions)
	}
	if prior != "" {
		b.WriteString("\n\n")
		b.WriteString(priorSummaryPreamble)
		b.WriteString(prior)
	}
	return b.String()
}
