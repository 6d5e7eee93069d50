//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Estimate(c.in), "Estimate(%q)", c.in)
	}
}

func TestCounterKnownModel(t *testing.T) {
	c := NewCounter()
	n := c.Count("gpt-4o", "hello world")
	require.Greater(t, n, 0)
	assert.Equal(t, n, c.Count("gpt-4o", "hello world"), "cached codec should give a stable count")
}

func TestCounterUnknownModelFallsBack(t *testing.T) {
	c := NewCounter()
	// Unsupported model names resolve to cl100k_base, not the estimate.
	n := c.Count("definitely-not-a-model", "hello world, how are you today?")
	require.Greater(t, n, 0)
	assert.Less(t, n, len("hello world, how are you today?"))
}

func TestCounterControlSequences(t *testing.T) {
	c := NewCounter()
	// Upstream LLM output may carry control bytes; counting must not reject them.
	n := c.Count("gpt-4o", "before\x1b[31mred\x1b[0m after\x00")
	assert.Greater(t, n, 0)
}

func TestCounterEmpty(t *testing.T) {
	c := NewCounter()
	assert.Zero(t, c.Count("gpt-4o", ""))
}
