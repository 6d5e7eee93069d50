//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package indexer

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decodeText interprets raw file bytes as UTF-8 text. UTF-16 files are
// detected by their byte-order mark and decoded; anything else that is not
// valid UTF-8 falls back to Latin-1, which cannot fail.
func decodeText(raw []byte) (string, error) {
	switch {
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}), bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		decoded, _, err := transform.Bytes(decoder, raw)
		if err != nil {
			return "", fmt.Errorf("decode UTF-16: %w", err)
		}
		return string(decoded), nil

	case bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}):
		return string(raw[3:]), nil

	case utf8.Valid(raw):
		return string(raw), nil

	default:
		decoded, _, err := transform.Bytes(charmap.ISO8859_1.NewDecoder(), raw)
		if err != nil {
			return "", fmt.Errorf("decode Latin-1: %w", err)
		}
		return string(decoded), nil
	}
}
