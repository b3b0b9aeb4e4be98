// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
)

// =============================================================================
// SSE Writer
// =============================================================================

// sseWriter frames the SmartNote streaming protocol.
//
// # Description
//
// Every payload travels as "data: <json>\n\n". The protocol per stream:
// one metadata event first ({rag_enhanced}), any number of chunk
// events ({chunk}), at most one terminal error event ({error_code,
// message}), and the literal [DONE] sentinel as the final data line.
// Keep-alive comment lines (": ping") may appear anywhere; clients
// ignore them.
//
// # Thread Safety
//
// Writes are serialized behind a mutex so the keep-alive ticker and
// the token path never interleave a frame.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// newSSEWriter sets the SSE headers and wraps the ResponseWriter.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// writeData frames one JSON payload and flushes.
func (w *sseWriter) writeData(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return w.writeRaw(string(data))
}

// writeRaw emits a literal data line and flushes.
func (w *sseWriter) writeRaw(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteMeta declares whether the stream is RAG-augmented; must be the
// first event.
func (w *sseWriter) WriteMeta(ragEnhanced bool) error {
	return w.writeData(datatypes.StreamMeta{RagEnhanced: ragEnhanced})
}

// WriteChunk emits one token-sized chunk.
func (w *sseWriter) WriteChunk(chunk string) error {
	return w.writeData(datatypes.StreamChunk{Chunk: chunk})
}

// WriteError emits the terminal error envelope as a data event; the
// HTTP status is already committed by then.
func (w *sseWriter) WriteError(errorCode, message string) error {
	return w.writeData(datatypes.StreamError{ErrorCode: errorCode, Message: message})
}

// WriteDone emits the literal terminal sentinel.
func (w *sseWriter) WriteDone() error {
	return w.writeRaw(datatypes.StreamDoneSentinel)
}

// WriteKeepAlive sends an SSE comment to hold the connection open
// during long retrieval or generation stretches. Comments are not
// events and do not disturb the protocol.
func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}
