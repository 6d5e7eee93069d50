//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package jsonrepair

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repairString(t *testing.T, input string) string {
	t.Helper()
	out, err := Repair([]byte(input))
	require.NoError(t, err, "input: %s", input)
	return string(out)
}

func TestRepairValidJSONIsSemanticallyUnchanged(t *testing.T) {
	inputs := []string{
		`{"a":2.3e100,"b":"str","c":null,"d":false,"e":[1,2,3]}`,
		`{}`,
		`[]`,
		`{"a": {"nested": [true, false, null]}}`,
		`[{"event":"ADD","text":"my wife is Jane"}]`,
	}
	for _, input := range inputs {
		assert.JSONEq(t, input, repairString(t, input))
	}
}

func TestRepairMarkdownFence(t *testing.T) {
	input := "Here are the decisions:\n```json\n[{\"event\": \"ADD\", \"text\": \"likes tea\"}]\n```\nLet me know!"
	assert.JSONEq(t, `[{"event":"ADD","text":"likes tea"}]`, repairString(t, input))
}

func TestRepairSingleQuotes(t *testing.T) {
	assert.JSONEq(t, `{"event":"ADD","text":"it's fine"}`,
		repairString(t, `{'event': 'ADD', 'text': 'it\'s fine'}`))
}

func TestRepairSmartQuotes(t *testing.T) {
	assert.JSONEq(t, `{"a":"b"}`, repairString(t, `{“a”: “b”}`))
	assert.JSONEq(t, `{"a":"b"}`, repairString(t, `{‘a’: ‘b’}`))
}

func TestRepairUnquotedKeys(t *testing.T) {
	assert.JSONEq(t, `{"event":"ADD","id":"f1"}`,
		repairString(t, `{event: "ADD", id: "f1"}`))
}

func TestRepairTrailingCommas(t *testing.T) {
	assert.JSONEq(t, `[1,2,3]`, repairString(t, `[1, 2, 3,]`))
	assert.JSONEq(t, `{"a":1}`, repairString(t, `{"a": 1,}`))
}

func TestRepairPythonLiterals(t *testing.T) {
	assert.JSONEq(t, `{"a":true,"b":false,"c":null}`,
		repairString(t, `{"a": True, "b": False, "c": None}`))
}

func TestRepairBareWordValue(t *testing.T) {
	assert.JSONEq(t, `{"event":"ADD"}`, repairString(t, `{"event": ADD}`))
}

func TestRepairComments(t *testing.T) {
	input := `{
		// keep the new fact
		"event": "ADD", /* inline */ "text": "likes tea"
	}`
	assert.JSONEq(t, `{"event":"ADD","text":"likes tea"}`, repairString(t, input))
}

func TestRepairRawNewlineInString(t *testing.T) {
	out := repairString(t, "{\"text\": \"line one\nline two\"}")
	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "line one\nline two", decoded["text"])
}

func TestRepairDoubleQuoteInsideSingleQuoted(t *testing.T) {
	out := repairString(t, `{'text': 'she said "hi"'}`)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, `she said "hi"`, decoded["text"])
}

func TestRepairIgnoresTrailingProse(t *testing.T) {
	assert.JSONEq(t, `[{"event":"NONE"}]`,
		repairString(t, `[{"event": "NONE"}] That covers everything.`))
}

func TestRepairNumbers(t *testing.T) {
	assert.JSONEq(t, `{"a":-1.5,"b":2.3e100,"c":2}`,
		repairString(t, `{"a": -1.5, "b": 2.3e100, "c": +2}`))
}

func TestRepairErrors(t *testing.T) {
	for _, input := range []string{
		"",
		"no json here",
		`{"a": `,
		`[1, 2`,
		`{"a" "b"}`,
	} {
		_, err := Repair([]byte(input))
		assert.Error(t, err, "input: %s", input)
	}
}

func TestRepairedOutputAlwaysUnmarshals(t *testing.T) {
	inputs := []string{
		"```json\n{'decisions': [{event: ADD, text: 'has a dog named Rex'},]}\n```",
		`[{"event": "UPDATE", "id": "f-1", "text": "my wife is Anne"}]`,
		`{facts: ["prefers tabs", "works at night",]}`,
	}
	for _, input := range inputs {
		out, err := Repair([]byte(input))
		require.NoError(t, err, "input: %s", input)
		var v any
		assert.NoError(t, json.Unmarshal(out, &v), "repaired: %s", out)
	}
}
