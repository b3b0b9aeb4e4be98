// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// =============================================================================
// SSE Payloads
// =============================================================================

// StreamMeta is the first data event of every summarize stream.
type StreamMeta struct {
	RagEnhanced bool `json:"rag_enhanced"`
}

// StreamChunk carries one generated token (or token group).
type StreamChunk struct {
	Chunk string `json:"chunk"`
}

// StreamError is the terminal error payload of a failed stream. The
// HTTP status is already committed when it is sent, so the envelope
// travels as a data event instead.
type StreamError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// StreamDoneSentinel is the literal final data line of every stream.
const StreamDoneSentinel = "[DONE]"
