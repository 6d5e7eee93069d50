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
	"strings"
	"unicode"
)

// TokenSet returns the lowercased word set of the text. Words are maximal
// runs of letters and digits; everything else separates.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	var builder strings.Builder
	flush := func() {
		if builder.Len() > 0 {
			set[builder.String()] = struct{}{}
			builder.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			builder.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return set
}

// Jaccard returns the Jaccard similarity of two token sets: the size of the
// intersection over the size of the union. Two empty sets score 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	intersection := 0
	for token := range small {
		if _, ok := large[token]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// TokenJaccard returns the Jaccard similarity of the word sets of two texts.
func TokenJaccard(a, b string) float64 {
	return Jaccard(TokenSet(a), TokenSet(b))
}
