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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalLocal/pkg/audit"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
	"github.com/AleutianAI/DentalLocal/services/backend/middleware"
)

// searchTopKMax bounds caller-supplied top_k.
const (
	searchTopKMax     = 50
	searchTopKDefault = 5
)

// HandleSaveConsultation persists a completed note.
//
// POST /consultations/save. The journal write is the point of no
// return; an index failure defers to the next rebuild and does not
// fail this call.
func HandleSaveConsultation(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		var opErr error
		defer func() { d.finish(c, "/consultations/save", audit.ActionConsultationSave, started, opErr) }()

		var req datatypes.SaveConsultationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			opErr = mapBindError(err)
			d.respondError(c, opErr)
			return
		}

		record, err := d.Pipe.PersistNote(c.Request.Context(),
			middleware.GetRequestId(c), req.Transcription, req.SmartNote,
			req.DentistName, req.ConsultationType, req.PatientId)
		if err != nil {
			opErr = err
			d.respondError(c, opErr)
			return
		}

		c.JSON(http.StatusOK, datatypes.SaveConsultationResponse{
			CorrelationId: record.CorrelationId,
			Digest:        record.Digest,
			CreatedAtMs:   record.CreatedAtMs,
		})
	}
}

// HandleSearchConsultations answers semantic recall queries.
//
// POST /consultations/search with {query, top_k}; top_k is clipped to
// [1, 50].
func HandleSearchConsultations(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		var opErr error
		defer func() { d.finish(c, "/consultations/search", audit.ActionConsultationSearch, started, opErr) }()

		var req datatypes.SearchConsultationsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			opErr = mapBindError(err)
			d.respondError(c, opErr)
			return
		}
		topK := req.TopK
		if topK <= 0 {
			topK = searchTopKDefault
		}
		if topK > searchTopKMax {
			topK = searchTopKMax
		}

		results, err := d.Store.SearchConsultations(c.Request.Context(), req.Query, topK)
		if err != nil {
			opErr = err
			d.respondError(c, opErr)
			return
		}
		if results == nil {
			results = []datatypes.SearchResult{}
		}

		c.JSON(http.StatusOK, datatypes.SearchConsultationsResponse{
			Results:   results,
			RequestId: middleware.GetRequestId(c),
		})
	}
}

// HandleExportConsultations dumps the full journal in insertion order.
//
// GET /consultations/export.
func HandleExportConsultations(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		var opErr error
		defer func() { d.finish(c, "/consultations/export", audit.ActionConsultationExport, started, opErr) }()

		records, err := d.Store.Export()
		if err != nil {
			opErr = err
			d.respondError(c, opErr)
			return
		}
		if records == nil {
			records = []datatypes.ConsultationRecord{}
		}

		c.JSON(http.StatusOK, gin.H{
			"consultations": records,
			"count":         len(records),
			"request_id":    middleware.GetRequestId(c),
		})
	}
}
