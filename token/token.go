//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package token provides token counting backed by tiktoken-go with a
// character-based estimate as fallback.
package token

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// charsPerToken is the average byte length of a token used by Estimate.
const charsPerToken = 4

// Counter counts tokens with a model-specific tokenizer. Codecs are cached
// per model name. Counting never fails: when no tokenizer is available or
// encoding errors out, the result degrades to Estimate.
type Counter struct {
	mu     sync.RWMutex
	codecs map[string]tokenizer.Codec
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{codecs: make(map[string]tokenizer.Codec)}
}

// Count returns the token count of text for the given model name.
// Unknown models fall back to cl100k_base; tokenizer failures fall back to
// the character estimate. Control sequences in text are counted as-is.
func (c *Counter) Count(modelName, text string) int {
	if text == "" {
		return 0
	}
	enc, err := c.codec(modelName)
	if err != nil {
		return Estimate(text)
	}
	toks, _, err := enc.Encode(text)
	if err != nil {
		return Estimate(text)
	}
	return len(toks)
}

// codec returns the cached codec for modelName, resolving it on first use.
func (c *Counter) codec(modelName string) (tokenizer.Codec, error) {
	c.mu.RLock()
	enc, ok := c.codecs[modelName]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok = c.codecs[modelName]; ok {
		return enc, nil
	}
	enc, err := tokenizer.ForModel(tokenizer.Model(modelName))
	if err != nil {
		// Fallback to cl100k_base for broad compatibility.
		enc, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			return nil, err
		}
	}
	c.codecs[modelName] = enc
	return enc, nil
}

// Estimate approximates the token count of text as len/4 rounded up, with a
// floor of one token for non-empty text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + charsPerToken - 1) / charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}
