// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inference provides the capability ports for the local model
// runtimes (speech recognizer, generative model, sentence embedder) and
// their llama.cpp / whisper.cpp HTTP implementations.
//
// # Architecture
//
// The package follows the interface-first pattern: three narrow ports
// define the contract, concrete backends are selected at process start
// from environment configuration. Backends are assumed thread-hostile;
// the scheduler guarantees at-most-one active call per recognizer and
// per generator. Only an embedder that declares itself parallel-safe
// may be called concurrently.
//
// # Streaming
//
// Generation streaming uses the callback pattern: Stream invokes the
// callback for each token as it arrives, and the callback returning an
// error aborts production.
package inference

import (
	"context"
)

// =============================================================================
// Generation Parameters
// =============================================================================

// GenerationParams holds the knobs a generation call accepts.
//
// Zero values mean "use the backend default". Cancellation travels on
// the context, not in the params.
type GenerationParams struct {
	// MaxTokens caps the generated length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is the sampling temperature; 0 means default.
	Temperature float32 `json:"temperature,omitempty"`

	// Stop lists custom stop sequences.
	Stop []string `json:"stop,omitempty"`
}

// TokenCallback receives generated tokens in order. Returning an error
// aborts the stream; the backend stops producing within a bounded
// delay.
type TokenCallback func(token string) error

// =============================================================================
// Capability Ports
// =============================================================================

// SpeechRecognizer transcribes recorded audio.
//
// # Thread Safety
//
// Implementations are thread-hostile; the scheduler serializes calls.
type SpeechRecognizer interface {
	// Transcribe converts an audio container to text. languageHint may
	// be empty; filename carries the original extension so the backend
	// can pick a demuxer. Fails with model/not_ready when weights are
	// absent.
	Transcribe(ctx context.Context, audio []byte, filename, languageHint string) (string, error)

	// Ready reports whether the model weights are present.
	Ready() bool
}

// Generator produces SmartNote text from a prompt.
//
// # Thread Safety
//
// Implementations are thread-hostile; the scheduler serializes calls.
type Generator interface {
	// Generate returns the full completion in one call.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Stream yields token-sized chunks through the callback and
	// returns after the terminal sentinel from the backend. Context
	// cancellation halts token production.
	Stream(ctx context.Context, prompt string, params GenerationParams, callback TokenCallback) error

	// Ready reports whether the model weights are present.
	Ready() bool
}

// Embedder converts text to fixed-dimension L2-normalized vectors, so
// the index can use a plain dot product for cosine similarity.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vectors for each text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// ParallelSafe reports whether the backend tolerates concurrent
	// calls; when false the scheduler treats it like the other ports.
	ParallelSafe() bool

	// Ready reports whether the model weights are present.
	Ready() bool
}
