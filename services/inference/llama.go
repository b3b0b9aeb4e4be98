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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
)

// =============================================================================
// Llama.cpp Generator
// =============================================================================

// LlamaCppGenerator drives a local llama.cpp server for SmartNote
// generation over its /completion endpoint, in both unary and
// streaming modes.
type LlamaCppGenerator struct {
	httpClient *http.Client
	baseURL    string
	watcher    *ModelWatcher
	weightFile string
}

// llamaCppPayload is the /completion request body.
type llamaCppPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	CachePrompt bool     `json:"cache_prompt,omitempty"`
}

// llamaCppResp is the unary /completion response body; in stream mode
// the same shape arrives once per token with Stop=false until the last.
type llamaCppResp struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// NewLlamaCppGenerator creates the generator client.
//
// # Inputs
//
//   - baseURL: llama.cpp server root, e.g. http://127.0.0.1:12782.
//   - weightFile: file under models/ whose presence gates readiness.
//   - watcher: the shared weights watcher.
func NewLlamaCppGenerator(baseURL, weightFile string, watcher *ModelWatcher) (*LlamaCppGenerator, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("LLM_SERVICE_URL_BASE environment variable not set")
	}
	return &LlamaCppGenerator{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		watcher:    watcher,
		weightFile: weightFile,
	}, nil
}

// Ready implements Generator.
func (l *LlamaCppGenerator) Ready() bool {
	return l.watcher == nil || l.watcher.Has(l.weightFile)
}

// Generate implements Generator.
func (l *LlamaCppGenerator) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if !l.Ready() {
		return "", apperr.New(apperr.KindModelNotReady, "generator weights are not present")
	}

	body, err := json.Marshal(l.payload(prompt, params, false))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to marshal the payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to create request to llm", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.Wrap(apperr.KindInferenceCancelled, "generation cancelled", ctx.Err())
		}
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to make a request to the llm", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", apperr.Newf(apperr.KindInferenceRuntime,
			"llm returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed llamaCppResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to parse the llm response", err)
	}
	return parsed.Content, nil
}

// Stream implements Generator.
//
// # Description
//
// llama.cpp streams SSE-framed JSON objects, one per token, over the
// same /completion endpoint when stream=true. Each "data: {...}" line
// is decoded and forwarded to the callback; a callback error or context
// cancellation closes the response body, which halts production on the
// backend side.
func (l *LlamaCppGenerator) Stream(ctx context.Context, prompt string, params GenerationParams, callback TokenCallback) error {
	if !l.Ready() {
		return apperr.New(apperr.KindModelNotReady, "generator weights are not present")
	}

	body, err := json.Marshal(l.payload(prompt, params, true))
	if err != nil {
		return apperr.Wrap(apperr.KindInferenceStream, "failed to marshal the payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindInferenceStream, "failed to create request to llm", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.KindInferenceCancelled, "stream cancelled", ctx.Err())
		}
		return apperr.Wrap(apperr.KindInferenceStream, "failed to open the llm stream", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return apperr.Newf(apperr.KindInferenceStream,
			"llm returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.KindInferenceCancelled, "stream cancelled", ctx.Err())
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk llamaCppResp
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			slog.Warn("skipping malformed stream chunk from llm", "error", err)
			continue
		}
		if chunk.Content != "" {
			if err := callback(chunk.Content); err != nil {
				return err
			}
		}
		if chunk.Stop {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.KindInferenceCancelled, "stream cancelled", ctx.Err())
		}
		return apperr.Wrap(apperr.KindInferenceStream, "llm stream read failed", err)
	}
	return nil
}

// payload maps GenerationParams onto the llama.cpp wire shape.
func (l *LlamaCppGenerator) payload(prompt string, params GenerationParams, stream bool) llamaCppPayload {
	p := llamaCppPayload{
		Prompt:      prompt,
		NPredict:    2048,
		Stream:      stream,
		CachePrompt: true,
	}
	if params.MaxTokens > 0 {
		p.NPredict = params.MaxTokens
	}
	if params.Temperature > 0 {
		t := params.Temperature
		p.Temperature = &t
	} else {
		var defaultTemperature float32 = 0.2
		p.Temperature = &defaultTemperature
	}
	if len(params.Stop) > 0 {
		p.Stop = params.Stop
	}
	return p
}

var _ Generator = (*LlamaCppGenerator)(nil)
