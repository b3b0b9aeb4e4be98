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
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
	"github.com/AleutianAI/DentalLocal/services/inference"
	"github.com/AleutianAI/DentalLocal/services/inference/scheduler"
	"github.com/AleutianAI/DentalLocal/services/rag"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeSpeech counts backend calls and can be slowed down to hold the
// single-flight window open.
type fakeSpeech struct {
	calls atomic.Int32
	delay time.Duration
	text  string
}

func (f *fakeSpeech) Transcribe(ctx context.Context, audio []byte, filename, lang string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, nil
}

func (f *fakeSpeech) Ready() bool { return true }

// fakeGen echoes a canned note and records the prompt it saw.
type fakeGen struct {
	mu     sync.Mutex
	prompt string
	note   string
}

func (f *fakeGen) Generate(ctx context.Context, prompt string, params inference.GenerationParams) (string, error) {
	f.mu.Lock()
	f.prompt = prompt
	f.mu.Unlock()
	return f.note, nil
}

func (f *fakeGen) Stream(ctx context.Context, prompt string, params inference.GenerationParams, cb inference.TokenCallback) error {
	f.mu.Lock()
	f.prompt = prompt
	f.mu.Unlock()
	for _, word := range strings.SplitAfter(f.note, " ") {
		if err := cb(word); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeGen) Ready() bool { return true }

func (f *fakeGen) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompt
}

// constEmbed maps any text onto the same unit vector; retrieval
// ranking is irrelevant for these tests.
func constEmbed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

// =============================================================================
// Fixture
// =============================================================================

type pipeFixture struct {
	pipe   *Pipeline
	speech *fakeSpeech
	gen    *fakeGen
	store  *rag.Coordinator
}

func newPipeFixture(t *testing.T) *pipeFixture {
	t.Helper()
	dir := t.TempDir()
	ragDir := filepath.Join(dir, "rag_data")
	require.NoError(t, os.MkdirAll(ragDir, 0o700))

	journal, err := rag.OpenJournal(filepath.Join(dir, "consultations.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	store := rag.NewCoordinator(journal, rag.NewVectorIndex(ragDir), constEmbed, nil, nil)
	require.NoError(t, store.Start(context.Background()))

	sched := scheduler.New(scheduler.Options{WaitDepth: 8, WaitBudget: time.Minute})
	t.Cleanup(func() { _ = sched.Shutdown(time.Second) })

	speech := &fakeSpeech{text: "transcription dictee"}
	gen := &fakeGen{note: "MOTIF DE CONSULTATION: douleur molaire."}
	pipe := New(sched, speech, gen, store, nil, Options{})
	return &pipeFixture{pipe: pipe, speech: speech, gen: gen, store: store}
}

// =============================================================================
// Sanitization
// =============================================================================

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"trims", "  bonjour  ", 0, "bonjour"},
		{"collapses spaces and tabs", "a  \t b", 0, "a b"},
		{"keeps newlines", "ligne une\nligne deux", 0, "ligne une\nligne deux"},
		{"strips control chars", "avant\x00\x07apres", 0, "avantapres"},
		{"caps length", "abcdefgh", 5, "abcde"},
		{"rune safe cap", "ééééé", 3, "ééé"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in, tt.max))
		})
	}
}

// =============================================================================
// Prompt Composition
// =============================================================================

func TestBuildPrompt_PlainHasNoReferenceSection(t *testing.T) {
	prompt := BuildPrompt("Douleur 36.", nil)

	assert.NotContains(t, prompt, referenceHeader)
	assert.Contains(t, prompt, "TRANSCRIPTION:\nDouleur 36.")
}

func TestBuildPrompt_ReferencePassagesAreDelimited(t *testing.T) {
	prompt := BuildPrompt("Douleur 36.", []string{"passage un", "passage deux"})

	assert.Contains(t, prompt, referenceHeader)
	assert.Contains(t, prompt, "[1] passage un")
	assert.Contains(t, prompt, "[2] passage deux")
	assert.Less(t, strings.Index(prompt, referenceHeader), strings.Index(prompt, "TRANSCRIPTION:"),
		"references come before the dictation")
}

// =============================================================================
// Summarize
// =============================================================================

func TestSummarize_Plain(t *testing.T) {
	fx := newPipeFixture(t)

	note, ragEnhanced, err := fx.pipe.Summarize(context.Background(),
		"Douleur molaire 36 depuis 3 jours.", false)

	require.NoError(t, err)
	assert.False(t, ragEnhanced)
	assert.NotEmpty(t, note)
}

func TestSummarize_EmptyAfterSanitization(t *testing.T) {
	fx := newPipeFixture(t)

	_, _, err := fx.pipe.Summarize(context.Background(), "   \x00  ", false)

	assert.Error(t, err)
}

func TestSummarize_RAGFallsBackWithoutKnowledge(t *testing.T) {
	fx := newPipeFixture(t)

	// knowledge_count is zero: the RAG variant must degrade to the
	// plain path and say so.
	_, ragEnhanced, err := fx.pipe.Summarize(context.Background(), "Douleur molaire.", true)

	require.NoError(t, err)
	assert.False(t, ragEnhanced)
	assert.NotContains(t, fx.gen.lastPrompt(), referenceHeader)
}

func TestSummarize_RAGAugmentsWithKnowledge(t *testing.T) {
	fx := newPipeFixture(t)
	_, err := fx.store.IngestKnowledge(context.Background(), []datatypes.KnowledgeDocument{{
		Id: "guide", Body: "La pulpite irreversible demande un traitement de canal.",
	}})
	require.NoError(t, err)

	_, ragEnhanced, err := fx.pipe.Summarize(context.Background(), "Douleur pulpaire.", true)

	require.NoError(t, err)
	assert.True(t, ragEnhanced)
	assert.Contains(t, fx.gen.lastPrompt(), referenceHeader)
}

// =============================================================================
// Streaming
// =============================================================================

func TestSummarizeStream_MetaThenTokens(t *testing.T) {
	fx := newPipeFixture(t)

	var events []string
	note, ragEnhanced, err := fx.pipe.SummarizeStream(context.Background(), "Douleur.", false,
		func(rag bool) error {
			events = append(events, "meta")
			return nil
		},
		func(token string) error {
			events = append(events, "token")
			return nil
		})

	require.NoError(t, err)
	assert.False(t, ragEnhanced)
	assert.Equal(t, fx.gen.note, note)
	require.NotEmpty(t, events)
	assert.Equal(t, "meta", events[0], "metadata must precede every token")
}

// =============================================================================
// Transcription Idempotency
// =============================================================================

func TestTranscribe_SingleFlightCollapsesIdenticalUploads(t *testing.T) {
	fx := newPipeFixture(t)
	fx.speech.delay = 50 * time.Millisecond
	audio := []byte("identical audio bytes")

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			text, err := fx.pipe.Transcribe(context.Background(), audio, "a.wav", "fr")
			require.NoError(t, err)
			results[i] = text
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fx.speech.calls.Load(),
		"two identical in-flight uploads must produce exactly one backend call")
	assert.Equal(t, results[0], results[1])
}

func TestTranscribe_DifferentLanguageHintsDoNotShare(t *testing.T) {
	fx := newPipeFixture(t)
	audio := []byte("same audio")

	_, err := fx.pipe.Transcribe(context.Background(), audio, "a.wav", "fr")
	require.NoError(t, err)
	_, err = fx.pipe.Transcribe(context.Background(), audio, "a.wav", "en")
	require.NoError(t, err)

	assert.Equal(t, int32(2), fx.speech.calls.Load())
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	fx := newPipeFixture(t)

	_, err := fx.pipe.Transcribe(context.Background(), nil, "a.wav", "")

	assert.Error(t, err)
	assert.Zero(t, fx.speech.calls.Load(), "validation failures never reach the scheduler")
}

// =============================================================================
// Persistence
// =============================================================================

func TestPersistNote_MonotonicInstants(t *testing.T) {
	fx := newPipeFixture(t)

	var last int64
	for i := 0; i < 20; i++ {
		rec, err := fx.pipe.PersistNote(context.Background(), "req", "t", "note "+strings.Repeat("x", i), "", "", "")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rec.CreatedAtMs, last)
		last = rec.CreatedAtMs
	}
}

func TestPersistNote_SetsDigest(t *testing.T) {
	fx := newPipeFixture(t)

	rec, err := fx.pipe.PersistNote(context.Background(), "req-1", "transcription", "le corps de la note", "Dr Martin", "checkup", "p-42")
	require.NoError(t, err)

	assert.Equal(t, datatypes.NoteDigest("le corps de la note"), rec.Digest)
	assert.Equal(t, "Dr Martin", rec.DentistName)

	status := fx.store.Status()
	assert.Equal(t, 1, status.ConsultationsCount)
}
