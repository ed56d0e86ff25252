// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokens estimates token counts for routing decisions.
//
// Counting uses the cl100k_base BPE when available and falls back to a fast
// word/char heuristic when the encoding cannot be loaded. Routing only needs
// the right order of magnitude, so the fallback is acceptable.
package tokens

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

func getEncoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	return encoder
}

// Count returns the token count of text, preferring the BPE encoder.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := getEncoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast approximates token count without the encoder: the larger of
// runes/4 and word count, minimum 1 for non-empty text.
func EstimateFast(text string) int {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text) / 4
	words := len(strings.Fields(text))
	n := runes
	if words > n {
		n = words
	}
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateRequest sizes a request for context-ceiling checks. A declared
// context hint from the caller is trusted when it exceeds the measured size;
// callers sometimes attach documents the text field does not contain.
func EstimateRequest(text string, contextHint int) int {
	n := Count(text)
	if contextHint > n {
		return contextHint
	}
	return n
}
