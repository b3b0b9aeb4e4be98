// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates the user-visible SmartNote work:
// transcription, retrieval, generation, and post-success persistence.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
	"github.com/AleutianAI/DentalLocal/services/inference"
	"github.com/AleutianAI/DentalLocal/services/inference/scheduler"
	"github.com/AleutianAI/DentalLocal/services/rag"
)

// =============================================================================
// Options & Construction
// =============================================================================

// Options tunes the pipeline.
type Options struct {
	// MaxTextChars caps sanitized transcription text.
	MaxTextChars int

	// RetrievalTopK is how many knowledge passages augment a prompt.
	RetrievalTopK int

	// GenMaxTokens caps note generation.
	GenMaxTokens int
}

// Pipeline coordinates transcription → retrieval → generation.
//
// # Thread Safety
//
// Safe for concurrent use. All model access is serialized by the
// scheduler; the only local state is the single-flight group and the
// monotonic clock guard.
type Pipeline struct {
	sched  *scheduler.Scheduler
	speech inference.SpeechRecognizer
	gen    inference.Generator
	store  *rag.Coordinator
	log    *slog.Logger
	opts   Options

	// transcribeGroup collapses identical in-flight uploads so a client
	// retry during a transient error does not re-run the recognizer.
	transcribeGroup singleflight.Group

	// clockMu + lastInstantMs keep record creation instants
	// non-decreasing within this process.
	clockMu       sync.Mutex
	lastInstantMs int64
}

// New wires the pipeline.
func New(sched *scheduler.Scheduler, speech inference.SpeechRecognizer,
	gen inference.Generator, store *rag.Coordinator, log *slog.Logger, opts Options) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxTextChars <= 0 {
		opts.MaxTextChars = 32000
	}
	if opts.RetrievalTopK <= 0 {
		opts.RetrievalTopK = 4
	}
	if opts.GenMaxTokens <= 0 {
		opts.GenMaxTokens = 2048
	}
	return &Pipeline{
		sched:  sched,
		speech: speech,
		gen:    gen,
		store:  store,
		log:    log,
		opts:   opts,
	}
}

// =============================================================================
// Audio → Text
// =============================================================================

// Transcribe converts uploaded audio to text through the speech queue.
//
// # Description
//
// A best-effort single-flight key over (digest(audio), languageHint)
// ensures a retried upload arriving while the first is still in flight
// shares its result instead of re-running the recognizer. Generation is
// deliberately not single-flighted; prompts may vary between retries.
func (p *Pipeline) Transcribe(ctx context.Context, audio []byte, filename, languageHint string) (string, error) {
	if len(audio) == 0 {
		return "", apperr.New(apperr.KindInputEmpty, "audio body is empty")
	}

	sum := sha256.Sum256(audio)
	key := hex.EncodeToString(sum[:]) + "|" + languageHint

	value, err, shared := p.transcribeGroup.Do(key, func() (any, error) {
		return p.sched.Submit(ctx, scheduler.QueueSpeech, func(ctx context.Context) (any, error) {
			return p.speech.Transcribe(ctx, audio, filename, languageHint)
		})
	})
	if shared {
		p.log.Info("transcription shared with an identical in-flight upload")
	}
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// =============================================================================
// Text → Note (unary)
// =============================================================================

// Summarize produces a SmartNote in one response.
//
// # Outputs
//
//   - string: the generated note.
//   - bool: whether the prompt was RAG-augmented.
//   - error: taxonomy kinds from the scheduler and backends.
func (p *Pipeline) Summarize(ctx context.Context, text string, useRAG bool) (string, bool, error) {
	clean := Sanitize(text, p.opts.MaxTextChars)
	if clean == "" {
		return "", false, apperr.New(apperr.KindInputEmpty, "text is empty after sanitization")
	}

	passages, ragEnhanced := p.retrieve(ctx, clean, useRAG)
	prompt := BuildPrompt(clean, passages)

	value, err := p.sched.Submit(ctx, scheduler.QueueGenerate, func(ctx context.Context) (any, error) {
		return p.gen.Generate(ctx, prompt, p.genParams())
	})
	if err != nil {
		return "", ragEnhanced, err
	}
	note := strings.TrimSpace(value.(string))
	if note == "" {
		return "", ragEnhanced, apperr.New(apperr.KindInferenceRuntime, "generator returned an empty note")
	}
	return note, ragEnhanced, nil
}

// =============================================================================
// Text → Note (streaming)
// =============================================================================

// SummarizeStream produces a SmartNote token stream.
//
// # Description
//
// onMeta fires exactly once, before any token, declaring whether the
// prompt was RAG-augmented. onToken fires per chunk; its error aborts
// the underlying generation (the SSE handler returns one on client
// disconnect). The accumulated note is returned so the caller can
// persist it; unless the stream ended early, in which case the note
// was never delivered and must not be persisted.
func (p *Pipeline) SummarizeStream(ctx context.Context, text string, useRAG bool,
	onMeta func(ragEnhanced bool) error, onToken inference.TokenCallback) (string, bool, error) {

	clean := Sanitize(text, p.opts.MaxTextChars)
	if clean == "" {
		return "", false, apperr.New(apperr.KindInputEmpty, "text is empty after sanitization")
	}

	passages, ragEnhanced := p.retrieve(ctx, clean, useRAG)
	if err := onMeta(ragEnhanced); err != nil {
		return "", ragEnhanced, apperr.Wrap(apperr.KindSystemDisconnected, "client went away", err)
	}
	prompt := BuildPrompt(clean, passages)

	var note strings.Builder
	_, err := p.sched.Submit(ctx, scheduler.QueueGenerate, func(ctx context.Context) (any, error) {
		streamErr := p.gen.Stream(ctx, prompt, p.genParams(), func(token string) error {
			note.WriteString(token)
			return onToken(token)
		})
		return nil, streamErr
	})
	if err != nil {
		return "", ragEnhanced, err
	}
	return strings.TrimSpace(note.String()), ragEnhanced, nil
}

// =============================================================================
// Retrieval
// =============================================================================

// retrieve fetches knowledge passages when the RAG path is requested
// and usable. Any failure or an empty result falls back to the plain
// path; a missing knowledge base must never block documentation.
func (p *Pipeline) retrieve(ctx context.Context, text string, useRAG bool) ([]string, bool) {
	if !useRAG {
		return nil, false
	}
	status := p.store.Status()
	if !status.Ready || status.KnowledgeCount == 0 {
		return nil, false
	}
	passages, err := p.store.RetrieveContext(ctx, text, p.opts.RetrievalTopK)
	if err != nil {
		p.log.Warn("knowledge retrieval failed, falling back to plain prompt", "error", err)
		return nil, false
	}
	if len(passages) == 0 {
		return nil, false
	}
	return passages, true
}

// =============================================================================
// Persistence
// =============================================================================

// PersistNote composes and saves a consultation record after a
// generation completed.
//
// # Description
//
// Save failure does not retroactively fail the user-visible operation;
// the caller audits it and metrics record it. The creation instant is
// forced monotonically non-decreasing within this process.
func (p *Pipeline) PersistNote(ctx context.Context, correlationId, transcription, note,
	dentistName, consultationType, patientId string) (datatypes.ConsultationRecord, error) {

	record := datatypes.ConsultationRecord{
		CorrelationId:    correlationId,
		CreatedAtMs:      p.nextInstantMs(),
		PatientId:        patientId,
		DentistName:      dentistName,
		ConsultationType: consultationType,
		Transcription:    transcription,
		Note:             note,
		Digest:           datatypes.NoteDigest(note),
	}
	if err := p.store.SaveConsultation(ctx, record); err != nil {
		return record, err
	}
	return record, nil
}

// nextInstantMs returns a UTC millisecond instant that never goes
// backwards within this process.
func (p *Pipeline) nextInstantMs() int64 {
	p.clockMu.Lock()
	defer p.clockMu.Unlock()
	now := time.Now().UTC().UnixMilli()
	if now < p.lastInstantMs {
		now = p.lastInstantMs
	}
	p.lastInstantMs = now
	return now
}

func (p *Pipeline) genParams() inference.GenerationParams {
	return inference.GenerationParams{MaxTokens: p.opts.GenMaxTokens}
}
