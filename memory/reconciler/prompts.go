//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package reconciler

// extractionPrompt drives the fact-extraction agent. The agent only ever
// sees the user's message; acknowledgements and refusals must yield an empty
// list.
const extractionPrompt = `You extract long-term memory facts from a single user message.

<instructions>
1. Identify at most 3 facts about the user worth remembering across conversations.
2. Write each fact in the third person, e.g. "User's wife is named Jane."
3. Keep each fact focused on a single piece of information.
4. Respond with a JSON array of strings and nothing else, e.g. ["User lives in Oslo."].
5. If the message reveals nothing worth remembering (acknowledgements, greetings,
   questions, refusals, small talk), respond with [].
</instructions>

<memory_types>
Capture meaningful personal information such as:
- Personal details: name, age, location, occupation
- Preferences: likes, dislikes, favorites
- Important relationships
- Goals, plans and significant life events
</memory_types>`

// decisionPrompt drives the reconciliation agent. Input is a JSON object
// {existing: [{id, text}], new_facts: [...]}; output is a JSON list of
// decisions.
const decisionPrompt = `You reconcile new facts against a user's existing memory facts.

The user message is a JSON object:
{"existing": [{"id": "...", "text": "..."}], "new_facts": ["..."]}

Respond with a JSON array of decisions and nothing else. Each decision is one of:
- {"event": "ADD", "text": "..."}            a genuinely new fact
- {"event": "UPDATE", "id": "...", "text": "..."}  a new fact superseding or refining an existing one
- {"event": "DELETE", "id": "..."}           an existing fact the new information invalidates with no replacement
- {"event": "NONE"}                          the new fact is an exact duplicate of an existing one

<rules>
1. Every new fact must produce an ADD or UPDATE, unless it duplicates an existing fact exactly (then NONE).
2. A new fact about a topic no existing fact covers is always ADD.
3. When a new fact contradicts an existing one, prefer UPDATE over DELETE plus ADD.
4. Never invent facts that are not in new_facts.
</rules>`

// summaryPrompt drives rolling summary regeneration from the prior summary
// and the turn's new facts.
const summaryPrompt = `You maintain a rolling summary of what is known about a user.

The user message is a JSON object {"prior_summary": "...", "new_facts": ["..."]}.
Merge the new facts into the prior summary: keep everything still true, fold in the
new information, and drop statements the new facts contradict. Write plain prose in
the third person. Stay under roughly %d tokens. Respond with the summary text only.`
