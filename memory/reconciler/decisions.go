//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-recall-go/internal/jsonrepair"
	"trpc.group/trpc-go/trpc-recall-go/log"
	"trpc.group/trpc-go/trpc-recall-go/memory"
)

// Event is the kind of one reconciliation decision.
type Event string

// Decision events emitted by the decision agent.
const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// Decision is one reconciliation instruction.
type Decision struct {
	// Event selects the operation.
	Event Event `json:"event"`
	// ID names the affected existing fact for UPDATE and DELETE.
	ID string `json:"id,omitempty"`
	// Text is the fact content for ADD and UPDATE.
	Text string `json:"text,omitempty"`
}

// DecisionError marks unparseable decision-agent output. Callers fall back
// to the ADD-all safeguard.
type DecisionError struct {
	// Raw is the model output that failed to parse.
	Raw string
	// Err is the parse failure.
	Err error
}

// Error implements the error interface.
func (e *DecisionError) Error() string {
	return fmt.Sprintf("unparseable reconciliation decisions: %v", e.Err)
}

// Unwrap returns the parse failure.
func (e *DecisionError) Unwrap() error {
	return e.Err
}

// extractFacts asks the extraction agent for up to three candidate facts
// from the user message. Assistant and system content never reach it. Any
// model or parse failure degrades to no facts.
func (r *Reconciler) extractFacts(ctx context.Context, userMessage string) []string {
	if strings.TrimSpace(userMessage) == "" {
		return nil
	}
	raw, err := r.complete(ctx, extractionPrompt, userMessage, 0)
	if err != nil {
		log.Warnf("reconciler: fact extraction failed: %v", err)
		return nil
	}
	facts, err := parseStringList(raw)
	if err != nil {
		log.Warnf("reconciler: fact extraction returned unparseable output: %v", err)
		return nil
	}
	cleaned := facts[:0]
	for _, fact := range facts {
		fact = strings.TrimSpace(fact)
		if fact == "" {
			continue
		}
		cleaned = append(cleaned, fact)
		if len(cleaned) == maxFactsPerTurn {
			break
		}
	}
	return cleaned
}

// decide presents the existing facts and the new candidates to the decision
// agent. Model and parse failures both degrade to ADD-all so a flaky agent
// never loses new information.
func (r *Reconciler) decide(
	ctx context.Context,
	existing []*memory.Entry,
	facts []string,
) []*Decision {
	if len(existing) == 0 {
		return addAll(facts)
	}

	input, err := json.Marshal(decisionInput{
		Existing: existingFacts(existing),
		NewFacts: facts,
	})
	if err != nil {
		log.Errorf("reconciler: marshal decision input: %v", err)
		return addAll(facts)
	}

	raw, err := r.complete(ctx, decisionPrompt, string(input), 0)
	if err != nil {
		log.Warnf("reconciler: decision agent failed, adding all facts: %v", err)
		return addAll(facts)
	}
	decisions, err := parseDecisions(raw)
	if err != nil {
		log.Warnf("reconciler: %v, adding all facts", err)
		return addAll(facts)
	}
	return decisions
}

// decisionInput is the JSON shape the decision agent receives.
type decisionInput struct {
	Existing []existingFact `json:"existing"`
	NewFacts []string       `json:"new_facts"`
}

type existingFact struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func existingFacts(entries []*memory.Entry) []existingFact {
	out := make([]existingFact, 0, len(entries))
	for _, entry := range entries {
		out = append(out, existingFact{ID: entry.ID, Text: entry.Content})
	}
	return out
}

func addAll(facts []string) []*Decision {
	decisions := make([]*Decision, 0, len(facts))
	for _, fact := range facts {
		decisions = append(decisions, &Decision{Event: EventAdd, Text: fact})
	}
	return decisions
}

// applySafeguard re-adds all new facts when the decision list carries no
// ADD, UPDATE or NONE event, so a destructive or empty agent response can
// never empty the store.
func applySafeguard(decisions []*Decision, facts []string) []*Decision {
	for _, decision := range decisions {
		switch decision.Event {
		case EventAdd, EventUpdate, EventNone:
			return decisions
		}
	}
	log.Warnf("reconciler: decision list has no constructive event, re-adding %d fact(s)", len(facts))
	return append(decisions, addAll(facts)...)
}

// parseDecisions decodes the decision agent's JSON list, repairing common
// LLM JSON damage (code fences, trailing commas) first.
func parseDecisions(raw string) ([]*Decision, error) {
	payload, err := repairedJSON(raw)
	if err != nil {
		return nil, &DecisionError{Raw: raw, Err: err}
	}
	var decisions []*Decision
	if err := json.Unmarshal(payload, &decisions); err != nil {
		// Some models wrap the list in an object.
		var wrapper struct {
			Decisions []*Decision `json:"decisions"`
		}
		if err2 := json.Unmarshal(payload, &wrapper); err2 != nil || wrapper.Decisions == nil {
			return nil, &DecisionError{Raw: raw, Err: err}
		}
		decisions = wrapper.Decisions
	}
	valid := decisions[:0]
	for _, decision := range decisions {
		if decision == nil {
			continue
		}
		decision.Event = Event(strings.ToUpper(string(decision.Event)))
		switch decision.Event {
		case EventAdd, EventUpdate, EventDelete, EventNone:
			valid = append(valid, decision)
		default:
			log.Warnf("reconciler: dropping decision with unknown event %q", decision.Event)
		}
	}
	return valid, nil
}

// parseStringList decodes a JSON list of strings.
func parseStringList(raw string) ([]string, error) {
	payload, err := repairedJSON(raw)
	if err != nil {
		return nil, err
	}
	var items []string
	if err := json.Unmarshal(payload, &items); err != nil {
		var wrapper struct {
			Facts []string `json:"facts"`
		}
		if err2 := json.Unmarshal(payload, &wrapper); err2 != nil || wrapper.Facts == nil {
			return nil, err
		}
		items = wrapper.Facts
	}
	return items, nil
}

// repairedJSON strips code fences and runs the JSON repairer over raw model
// output.
func repairedJSON(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty model output")
	}
	repaired, err := jsonrepair.Repair([]byte(trimmed))
	if err != nil {
		return nil, fmt.Errorf("repair JSON: %w", err)
	}
	return repaired, nil
}
