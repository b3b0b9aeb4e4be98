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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
)

// =============================================================================
// Llama.cpp Embedder
// =============================================================================

// LlamaCppEmbedder drives a llama.cpp server running a sentence
// embedding model over its /embedding endpoint.
//
// Vectors are L2-normalized before they leave this type so the vector
// index can use a plain dot product as cosine similarity.
type LlamaCppEmbedder struct {
	httpClient   *http.Client
	baseURL      string
	watcher      *ModelWatcher
	weightFile   string
	parallelSafe bool
}

type embedPayload struct {
	Content string `json:"content"`
}

type embedResp struct {
	Embedding []float32 `json:"embedding"`
}

// NewLlamaCppEmbedder creates the embedder client. parallelSafe should
// only be true when the serving runtime is started with parallel slots.
func NewLlamaCppEmbedder(baseURL, weightFile string, watcher *ModelWatcher, parallelSafe bool) (*LlamaCppEmbedder, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("EMBED_SERVICE_URL_BASE environment variable not set")
	}
	return &LlamaCppEmbedder{
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		watcher:      watcher,
		weightFile:   weightFile,
		parallelSafe: parallelSafe,
	}, nil
}

// Ready implements Embedder.
func (e *LlamaCppEmbedder) Ready() bool {
	return e.watcher == nil || e.watcher.Has(e.weightFile)
}

// ParallelSafe implements Embedder.
func (e *LlamaCppEmbedder) ParallelSafe() bool { return e.parallelSafe }

// Embed implements Embedder.
func (e *LlamaCppEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if !e.Ready() {
		return nil, apperr.New(apperr.KindModelNotReady, "embedding model weights are not present")
	}

	body, err := json.Marshal(embedPayload{Content: text})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInferenceRuntime, "failed to marshal the payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embedding", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInferenceRuntime, "failed to create request to the embedder", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindInferenceCancelled, "embedding cancelled", ctx.Err())
		}
		return nil, apperr.Wrap(apperr.KindInferenceRuntime, "failed to reach the embedder", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, apperr.Newf(apperr.KindInferenceRuntime,
			"embedder returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed embedResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Wrap(apperr.KindInferenceRuntime, "failed to parse the embedder response", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, apperr.New(apperr.KindInferenceRuntime, "embedder returned an empty vector")
	}
	return Normalize(parsed.Embedding), nil
}

// EmbedBatch implements Embedder. The llama.cpp embedding endpoint is
// one text per call, so the batch loops; the scheduler already holds
// the embed slot for the whole batch.
func (e *LlamaCppEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

// Normalize rescales a vector to unit L2 norm. A zero vector is
// returned unchanged rather than dividing by zero.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

var _ Embedder = (*LlamaCppEmbedder)(nil)
