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
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
	"github.com/AleutianAI/DentalLocal/pkg/audit"
	"github.com/AleutianAI/DentalLocal/services/inference/scheduler"
)

// keepAliveInterval paces SSE comment pings during long stretches
// without tokens (retrieval, prompt evaluation on CPU hosts).
const keepAliveInterval = 15 * time.Second

// HandleSummarizeStream serves the SSE text → note endpoints.
//
// POST /summarize-stream (useRAG=false) and POST /summarize-stream-rag
// (useRAG=true).
//
// # Protocol
//
// One {rag_enhanced} metadata event, then {chunk} events, then either
// the [DONE] sentinel or a single terminal {error_code, message}
// event followed by [DONE]. Client disconnect cancels the underlying
// generation; a note that was never fully delivered is not persisted.
func HandleSummarizeStream(d *Deps, useRAG bool) gin.HandlerFunc {
	endpoint := "/summarize-stream"
	action := audit.ActionSummarizeStream
	if useRAG {
		endpoint = "/summarize-stream-rag"
		action = audit.ActionSummarizeStreamRAG
	}

	return func(c *gin.Context) {
		started := time.Now()
		var opErr error
		defer func() { d.finish(c, endpoint, action, started, opErr) }()

		if opErr = d.shedIfOverloaded(scheduler.QueueGenerate); opErr != nil {
			d.respondError(c, opErr)
			return
		}

		var req struct {
			Text string `json:"text" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			opErr = mapBindError(err)
			d.respondError(c, opErr)
			return
		}

		writer, err := newSSEWriter(c.Writer)
		if err != nil {
			opErr = apperr.Wrap(apperr.KindSystemInternal, "streaming is not supported", err)
			d.respondError(c, opErr)
			return
		}
		if d.Prom != nil {
			d.Prom.ActiveStreams.WithLabelValues(endpoint).Inc()
			defer d.Prom.ActiveStreams.WithLabelValues(endpoint).Dec()
		}

		ctx := c.Request.Context()

		// Keep the connection warm while nothing streams.
		stopKeepAlive := make(chan struct{})
		go func() {
			ticker := time.NewTicker(keepAliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = writer.WriteKeepAlive()
				case <-stopKeepAlive:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		defer close(stopKeepAlive)

		note, _, err := d.Pipe.SummarizeStream(ctx, req.Text, useRAG,
			writer.WriteMeta,
			func(token string) error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return writer.WriteChunk(token)
			},
		)
		if err != nil {
			opErr = err
			if ctx.Err() == nil {
				// The client is still there: deliver the terminal
				// error event; the status line is long gone.
				kind := apperr.KindOf(err)
				_ = writer.WriteError(string(kind), errMessage(err))
				_ = writer.WriteDone()
			}
			// Disconnected mid-stream: the note was never delivered,
			// so it is not persisted (only audited as cancelled).
			return
		}

		_ = writer.WriteDone()
		d.persistGenerated(c, req.Text, note)
	}
}
