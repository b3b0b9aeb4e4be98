// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"strings"
	"unicode"
)

// =============================================================================
// Prompt Template
// =============================================================================

// smartNoteInstructions is the clinical template the generator follows.
// The structure mirrors what dental EHR reviewers expect: motif, exam
// findings, diagnosis, treatment performed, and follow-up plan.
const smartNoteInstructions = `You are a clinical documentation assistant for a dental practice.
Rewrite the consultation transcription below into a structured clinical note with these sections:

MOTIF DE CONSULTATION:
EXAMEN CLINIQUE:
DIAGNOSTIC:
TRAITEMENT REALISE:
PLAN DE SUIVI:

Rules:
- Use only information present in the transcription or the reference material.
- Keep tooth numbering exactly as dictated (FDI notation).
- Write in the language of the transcription.
- Do not invent findings, dosages, or follow-up dates.`

// referenceHeader delimits retrieved knowledge passages in the prompt
// so the model can tell grounding material from the dictation.
const referenceHeader = "REFERENCE MATERIAL (dental knowledge base):"

// BuildPrompt composes the generation prompt.
//
// Passages, when present, are prepended under a clearly delimited
// Reference section; the transcription always comes last.
func BuildPrompt(transcription string, passages []string) string {
	var b strings.Builder
	b.WriteString(smartNoteInstructions)
	b.WriteString("\n\n")
	if len(passages) > 0 {
		b.WriteString(referenceHeader)
		b.WriteString("\n")
		for i, p := range passages {
			b.WriteString("[")
			b.WriteString(itoa(i + 1))
			b.WriteString("] ")
			b.WriteString(p)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("TRANSCRIPTION:\n")
	b.WriteString(transcription)
	b.WriteString("\n\nCLINICAL NOTE:\n")
	return b.String()
}

// itoa avoids strconv for a tiny positive int.
func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return itoa(n/10) + string(rune('0'+n%10))
}

// =============================================================================
// Input Sanitization
// =============================================================================

// Sanitize normalizes caller text before it reaches a prompt.
//
// # Description
//
// Trims, removes control characters except newline and tab, collapses
// runs of spaces and tabs, and caps the length at maxChars (rune-safe).
// Newlines are preserved; dictation paragraph breaks carry meaning for
// the template.
func Sanitize(text string, maxChars int) string {
	var b strings.Builder
	b.Grow(len(text))
	lastWasSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			b.WriteRune(r)
			lastWasSpace = false
		case r == '\t' || r == ' ':
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
			lastWasSpace = false
		}
	}
	out := strings.TrimSpace(b.String())
	if maxChars > 0 {
		runes := []rune(out)
		if len(runes) > maxChars {
			out = string(runes[:maxChars])
		}
	}
	return out
}
