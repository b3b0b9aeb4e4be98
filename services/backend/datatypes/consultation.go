// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire and storage types shared across the
// DentalLocal backend: consultation records, knowledge documents, HTTP
// request/response bodies, and SSE payloads.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// =============================================================================
// Consultation Record
// =============================================================================

// ConsultationRecord is the durable unit the journal stores.
//
// # Description
//
// One record per completed SmartNote. Records are created when
// generation succeeds, written to the journal first (the authoritative
// store), then indexed. The core never mutates or deletes them.
//
// # Invariants
//
//   - CreatedAtMs is monotonically non-decreasing among records written
//     by a single process.
//   - Digest uniquely identifies the note body (sha256 over Note).
type ConsultationRecord struct {
	// CorrelationId is the request's opaque unique id.
	CorrelationId string `json:"correlation_id"`

	// CreatedAtMs is the creation instant, UTC milliseconds.
	CreatedAtMs int64 `json:"created_at_ms"`

	// PatientId is an opaque caller-supplied identifier; never parsed.
	PatientId string `json:"patient_id,omitempty"`

	// DentistName is the display name of the treating dentist.
	DentistName string `json:"dentist_name,omitempty"`

	// ConsultationType tags the visit (e.g. "checkup", "emergency").
	ConsultationType string `json:"consultation_type,omitempty"`

	// Transcription is the raw recognized text.
	Transcription string `json:"transcription,omitempty"`

	// Note is the generated SmartNote body.
	Note string `json:"smartnote"`

	// Digest is the content hash over Note.
	Digest string `json:"digest"`
}

// NoteDigest computes the content hash identifying a note body.
func NoteDigest(note string) string {
	sum := sha256.Sum256([]byte(note))
	return hex.EncodeToString(sum[:])
}

// CreatedAt returns the creation instant as a time.Time (UTC).
func (r *ConsultationRecord) CreatedAt() time.Time {
	return time.UnixMilli(r.CreatedAtMs).UTC()
}

// =============================================================================
// Knowledge Document
// =============================================================================

// KnowledgeDocument is one write-once entry of the seeded dental
// knowledge base. Documents are ingested once from a seed set and never
// edited by the core.
type KnowledgeDocument struct {
	// Id is the stable document id.
	Id string `json:"id" yaml:"id"`

	// Source is the path or URI the passage came from.
	Source string `json:"source" yaml:"source"`

	// SectionTitle names the section within the source.
	SectionTitle string `json:"section_title" yaml:"section_title"`

	// Body is the passage text.
	Body string `json:"body" yaml:"body"`

	// Embedding is the L2-normalized vector; populated at ingestion.
	Embedding []float32 `json:"embedding,omitempty" yaml:"-"`
}

// =============================================================================
// Indexed Item Kinds
// =============================================================================

// ItemKind discriminates the two indexable contents.
type ItemKind string

const (
	// KindConsultation indexes a consultation record's note text.
	KindConsultation ItemKind = "consultation"

	// KindKnowledge indexes a knowledge document's body.
	KindKnowledge ItemKind = "knowledge"
)
