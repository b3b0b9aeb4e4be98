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
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
)

// =============================================================================
// Whisper.cpp Recognizer
// =============================================================================

// WhisperCppRecognizer drives a local whisper.cpp server over its
// /inference multipart endpoint.
type WhisperCppRecognizer struct {
	httpClient *http.Client
	baseURL    string
	watcher    *ModelWatcher
	weightFile string
}

// whisperResp is the response_format=json body.
type whisperResp struct {
	Text string `json:"text"`
}

// NewWhisperCppRecognizer creates the recognizer client.
func NewWhisperCppRecognizer(baseURL, weightFile string, watcher *ModelWatcher) (*WhisperCppRecognizer, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("SPEECH_SERVICE_URL_BASE environment variable not set")
	}
	return &WhisperCppRecognizer{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		watcher:    watcher,
		weightFile: weightFile,
	}, nil
}

// Ready implements SpeechRecognizer.
func (w *WhisperCppRecognizer) Ready() bool {
	return w.watcher == nil || w.watcher.Has(w.weightFile)
}

// Transcribe implements SpeechRecognizer.
//
// # Description
//
// Posts the audio as multipart form data: field "file" with the
// original filename (the extension selects the demuxer), optional
// "language" hint, and response_format=json. Long consultations take
// minutes on CPU hosts, hence the generous client timeout; callers
// bound the wait with the context instead.
func (w *WhisperCppRecognizer) Transcribe(ctx context.Context, audio []byte, filename, languageHint string) (string, error) {
	if !w.Ready() {
		return "", apperr.New(apperr.KindModelNotReady, "speech model weights are not present")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to build the multipart body", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to write the audio payload", err)
	}
	if languageHint != "" {
		_ = mw.WriteField("language", languageHint)
	}
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to finish the multipart body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/inference", &body)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to create request to the recognizer", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", apperr.Wrap(apperr.KindInferenceCancelled, "transcription cancelled", ctx.Err())
		}
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to reach the recognizer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", apperr.Newf(apperr.KindInferenceRuntime,
			"recognizer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed whisperResp
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", apperr.Wrap(apperr.KindInferenceRuntime, "failed to parse the recognizer response", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}

var _ SpeechRecognizer = (*WhisperCppRecognizer)(nil)
