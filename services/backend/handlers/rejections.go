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
	"github.com/AleutianAI/DentalLocal/services/backend/middleware"
)

// auditedActions maps patient-data endpoints to their audit action tag
// for rejections that never reach a handler (auth, rate limit).
var auditedActions = map[string]audit.Action{
	"/transcribe":           audit.ActionTranscribe,
	"/summarize":            audit.ActionSummarize,
	"/summarize-stream":     audit.ActionSummarizeStream,
	"/summarize-rag":        audit.ActionSummarizeRAG,
	"/summarize-stream-rag": audit.ActionSummarizeStreamRAG,
	"/consultations/save":   audit.ActionConsultationSave,
	"/consultations/search": audit.ActionConsultationSearch,
	"/consultations/export": audit.ActionConsultationExport,
}

// AuditRejections accounts for requests a middleware refused.
//
// # Description
//
// Handlers record their own outcome; a request rejected by auth or the
// rate limiter aborts before any handler runs, so this wrapper closes
// the gap, keeping the invariant that every audited call produces
// exactly one completed audit entry with the real outcome.
func AuditRejections(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		raw, rejected := c.Get(middleware.RejectKindKey)
		if !rejected {
			return
		}
		kind, _ := raw.(string)
		err := apperr.New(apperr.Kind(kind), "request rejected before handling")
		d.finish(c, c.FullPath(), auditedActions[c.FullPath()], started, err)
	}
}
