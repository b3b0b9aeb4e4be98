// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"strings"
	"unicode"
)

// =============================================================================
// Sentence Chunking
// =============================================================================

// chunkSentenceGroup is how many sentences land in one knowledge chunk.
// Small enough that a retrieved passage stays on-topic, large enough to
// keep clinical context around a claim.
const chunkSentenceGroup = 3

// SentenceChunks splits body text into groups of whole sentences.
//
// # Description
//
// Sentences end at '.', '!' or '?' followed by whitespace or end of
// text. Abbreviation handling is deliberately naive (seed knowledge is
// curated prose, not arbitrary text), but decimal numbers ("tooth 3.6")
// do not split because the terminator must be followed by a space.
// Empty groups are dropped; whitespace is normalized to single spaces.
func SentenceChunks(body string) []string {
	sentences := splitSentences(body)
	if len(sentences) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(sentences)+chunkSentenceGroup-1)/chunkSentenceGroup)
	for start := 0; start < len(sentences); start += chunkSentenceGroup {
		end := start + chunkSentenceGroup
		if end > len(sentences) {
			end = len(sentences)
		}
		chunk := strings.TrimSpace(strings.Join(sentences[start:end], " "))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// splitSentences cuts text at sentence terminators followed by space.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(strings.TrimSpace(text))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		atEnd := i == len(runes)-1
		if atEnd || unicode.IsSpace(runes[i+1]) {
			sentence := normalizeSpace(current.String())
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			current.Reset()
		}
	}
	if tail := normalizeSpace(current.String()); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// normalizeSpace collapses runs of whitespace into single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
