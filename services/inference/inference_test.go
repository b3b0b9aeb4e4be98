// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
)

// =============================================================================
// Normalization
// =============================================================================

func TestNormalize_UnitLength(t *testing.T) {
	vec := Normalize([]float32{3, 4})

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)
}

func TestNormalize_ZeroVectorUnchanged(t *testing.T) {
	vec := Normalize([]float32{0, 0, 0})
	assert.Equal(t, []float32{0, 0, 0}, vec)
}

// =============================================================================
// Model Watcher
// =============================================================================

func TestModelWatcher_InitialScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ggml-medium.bin"), []byte("w"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.gguf.part"), []byte("x"), 0o600))

	w, err := NewModelWatcher(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	assert.True(t, w.Has("ggml-medium.bin"))
	assert.False(t, w.Has("partial.gguf.part"), "staging files are not weights")
	assert.False(t, w.Has("absent.gguf"))
	assert.True(t, w.Has(), "an empty requirement list is trivially satisfied")
}

func TestModelWatcher_DetectsNewWeights(t *testing.T) {
	dir := t.TempDir()
	w, err := NewModelWatcher(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.False(t, w.Has("late.gguf"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "late.gguf"), []byte("w"), 0o600))

	assert.Eventually(t, func() bool {
		return w.Has("late.gguf")
	}, 2*time.Second, 10*time.Millisecond, "readiness flips when weights land")
}

// =============================================================================
// Backend Readiness
// =============================================================================

func TestGenerator_NotReadyWithoutWeights(t *testing.T) {
	watcher, err := NewModelWatcher(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	gen, err := NewLlamaCppGenerator("http://127.0.0.1:1", "model.gguf", watcher)
	require.NoError(t, err)

	_, err = gen.Generate(context.Background(), "prompt", GenerationParams{})
	assert.Equal(t, apperr.KindModelNotReady, apperr.KindOf(err),
		"missing weights fail fast without contacting the backend")
}

// =============================================================================
// Llama.cpp Wire Protocol
// =============================================================================

func TestGenerator_GenerateAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/completion", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.NotEmpty(t, payload["prompt"])
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "note generee", "stop": true})
	}))
	defer srv.Close()

	gen, err := NewLlamaCppGenerator(srv.URL, "", nil)
	require.NoError(t, err)

	out, err := gen.Generate(context.Background(), "prompt", GenerationParams{MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "note generee", out)
}

func TestGenerator_StreamAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, tok := range []string{"Mot", "if: ", "douleur."} {
			fmt.Fprintf(w, "data: {\"content\":%q,\"stop\":false}\n\n", tok)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: {\"content\":\"\",\"stop\":true}\n\n")
	}))
	defer srv.Close()

	gen, err := NewLlamaCppGenerator(srv.URL, "", nil)
	require.NoError(t, err)

	var tokens []string
	err = gen.Stream(context.Background(), "prompt", GenerationParams{}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mot", "if: ", "douleur."}, tokens)
}

func TestEmbedder_NormalizesServerVectors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embedding", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{3, 4}})
	}))
	defer srv.Close()

	e, err := NewLlamaCppEmbedder(srv.URL, "", nil, false)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "texte")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
}

func TestRecognizer_MultipartAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/inference", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "fr", r.FormValue("language"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "consult.wav", header.Filename)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " transcription "})
	}))
	defer srv.Close()

	rec, err := NewWhisperCppRecognizer(srv.URL, "", nil)
	require.NoError(t, err)

	text, err := rec.Transcribe(context.Background(), []byte("audio"), "consult.wav", "fr")
	require.NoError(t, err)
	assert.Equal(t, "transcription", text, "whitespace is trimmed")
}

// =============================================================================
// Download Manager
// =============================================================================

func TestDownloadManager_NoMirrorConfigured(t *testing.T) {
	d := NewDownloadManager(t.TempDir(), "", nil, nil)

	err := d.Start(context.Background(), "whisper", "ggml-medium.bin")
	assert.Equal(t, apperr.KindModelDependencyMissing, apperr.KindOf(err))
}

func TestDownloadManager_FetchesAndRenames(t *testing.T) {
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("weights-bytes"))
	}))
	defer mirror.Close()

	dir := t.TempDir()
	watcher, err := NewModelWatcher(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	d := NewDownloadManager(dir, mirror.URL, watcher, nil)
	require.NoError(t, d.Start(context.Background(), "llm", "model.gguf"))

	require.Eventually(t, func() bool {
		for _, p := range d.Progress() {
			if p.Model == "llm" && !p.InProgress && p.Error == "" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	raw, err := os.ReadFile(filepath.Join(dir, "model.gguf"))
	require.NoError(t, err)
	assert.Equal(t, "weights-bytes", string(raw))
	assert.True(t, watcher.Has("model.gguf"))
}

func TestDownloadManager_SecondStartIsInProgress(t *testing.T) {
	blocker := make(chan struct{})
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocker
	}))
	defer mirror.Close()
	defer close(blocker)

	d := NewDownloadManager(t.TempDir(), mirror.URL, nil, nil)
	require.NoError(t, d.Start(context.Background(), "llm", "model.gguf"))

	err := d.Start(context.Background(), "llm", "model.gguf")
	assert.Equal(t, apperr.KindDownloadInProgress, apperr.KindOf(err))
}
