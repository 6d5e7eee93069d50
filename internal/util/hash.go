//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package util

import "fmt"

// FNV-1a 32-bit parameters.
const (
	fnvOffset32 uint32 = 2166136261
	fnvPrime32  uint32 = 16777619
)

// StableHash32 returns a deterministic 32-bit FNV-1a hash of the input.
// Deterministic across processes, unlike the runtime map hash; used to
// derive stable identifiers from content.
func StableHash32(key string) uint32 {
	hash := fnvOffset32
	for i := 0; i < len(key); i++ {
		hash ^= uint32(key[i])
		hash *= fnvPrime32
	}
	return hash
}

// StableHashHex returns the hash as a fixed-width lowercase hex string,
// suitable as an identifier suffix.
func StableHashHex(key string) string {
	return fmt.Sprintf("%08x", StableHash32(key))
}
