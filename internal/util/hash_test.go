//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package util

import (
	"fmt"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStableHash32_MatchesStdlibFNV1a(t *testing.T) {
	key := "hello"
	h := fnv.New32a()
	_, err := h.Write([]byte(key))
	assert.NoError(t, err)
	assert.Equal(t, h.Sum32(), StableHash32(key))
}

func TestStableHash32_Deterministic(t *testing.T) {
	assert.Equal(t, StableHash32("my wife is jane"), StableHash32("my wife is jane"))
	assert.NotEqual(t, StableHash32("my wife is jane"), StableHash32("my wife is anne"))
}

func TestStableHashHex(t *testing.T) {
	key := "hello"
	assert.Equal(t, fmt.Sprintf("%08x", StableHash32(key)), StableHashHex(key))
	assert.Len(t, StableHashHex(""), 8)
}
