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
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalLocal/pkg/audit"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
	"github.com/AleutianAI/DentalLocal/services/backend/middleware"
	"github.com/AleutianAI/DentalLocal/services/inference/scheduler"
)

// HandleSummarize serves the unary text → note endpoints.
//
// POST /summarize (useRAG=false) and POST /summarize-rag (useRAG=true).
func HandleSummarize(d *Deps, useRAG bool) gin.HandlerFunc {
	endpoint := "/summarize"
	action := audit.ActionSummarize
	if useRAG {
		endpoint = "/summarize-rag"
		action = audit.ActionSummarizeRAG
	}

	return func(c *gin.Context) {
		started := time.Now()
		var opErr error
		defer func() { d.finish(c, endpoint, action, started, opErr) }()

		if opErr = d.shedIfOverloaded(scheduler.QueueGenerate); opErr != nil {
			d.respondError(c, opErr)
			return
		}

		var req datatypes.SummarizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			opErr = mapBindError(err)
			d.respondError(c, opErr)
			return
		}

		note, ragEnhanced, err := d.Pipe.Summarize(c.Request.Context(), req.Text, useRAG)
		if err != nil {
			opErr = err
			d.respondError(c, opErr)
			return
		}

		d.persistGenerated(c, req.Text, note)

		c.JSON(http.StatusOK, datatypes.SummarizeResponse{
			Summary:     note,
			RagEnhanced: ragEnhanced,
			RequestId:   middleware.GetRequestId(c),
		})
	}
}

// persistGenerated saves the note a generation produced. Failure never
// fails the user-visible operation: it is audited and counted. An error
// here means the journal write failed and the note is not saved; index
// failures are absorbed by the store and do not reach this path.
func (d *Deps) persistGenerated(c *gin.Context, transcription, note string) {
	// Detached from the request context: a client that disconnects
	// right after the final token must not abort the save.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	requestId := middleware.GetRequestId(c)
	if _, err := d.Pipe.PersistNote(ctx, requestId, transcription, note, "", "", ""); err != nil {
		d.Stats.IncCounter("note_save_failures")
		if d.Auditor != nil {
			_ = d.Auditor.Record(audit.Entry{
				Action:        audit.ActionConsultationSave,
				Actor:         actorOf(c),
				Resource:      datatypes.NoteDigest(note),
				CorrelationId: requestId,
				Outcome:       audit.OutcomeFailure,
				Detail:        errMessage(err),
			})
		}
		d.Log.Error("failed to persist a generated note", "request_id", requestId, "error", err)
	}
}
