// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP endpoints of the DentalLocal
// backend. Handlers are closures over an explicit Deps struct with no
// package-level singletons, and every audited endpoint produces
// exactly one completed audit entry with the request's final outcome.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
	"github.com/AleutianAI/DentalLocal/pkg/audit"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
	"github.com/AleutianAI/DentalLocal/services/backend/middleware"
	"github.com/AleutianAI/DentalLocal/services/backend/observability"
	"github.com/AleutianAI/DentalLocal/services/inference"
	"github.com/AleutianAI/DentalLocal/services/inference/scheduler"
	"github.com/AleutianAI/DentalLocal/services/pipeline"
	"github.com/AleutianAI/DentalLocal/services/rag"
)

// =============================================================================
// Dependencies
// =============================================================================

// Deps carries everything a handler touches. The server constructs one
// instance at startup and threads it through the route table.
type Deps struct {
	Log       *slog.Logger
	Sched     *scheduler.Scheduler
	Pipe      *pipeline.Pipeline
	Store     *rag.Coordinator
	Auditor   *audit.Log
	Stats     *observability.Stats
	Prom      *observability.PromMetrics
	Downloads *inference.DownloadManager
	Generator inference.Generator
}

// =============================================================================
// Request Accounting
// =============================================================================

// finish records the one completed audit entry (when action is set)
// plus metrics for a request. Call exactly once per request, after the
// outcome is known; for SSE that is after the stream ended, which may
// be after the status line already went out.
func (d *Deps) finish(c *gin.Context, endpoint string, action audit.Action, started time.Time, err error) {
	latency := time.Since(started)
	code := ""
	if err != nil {
		code = string(apperr.KindOf(err))
	}
	d.Stats.RecordRequest(endpoint, code, latency)
	if d.Prom != nil {
		status := "success"
		if err != nil {
			status = "error"
			d.Prom.ErrorsTotal.WithLabelValues(endpoint, code).Inc()
		}
		d.Prom.RequestsTotal.WithLabelValues(endpoint, status).Inc()
		d.Prom.RequestDurationSeconds.WithLabelValues(endpoint).Observe(latency.Seconds())
	}
	if err != nil {
		d.Stats.RecordError(endpoint, code, errMessage(err), middleware.GetRequestId(c))
	}

	if action == "" || d.Auditor == nil {
		return
	}
	entry := audit.Entry{
		Action:        action,
		Actor:         actorOf(c),
		Resource:      endpoint,
		CorrelationId: middleware.GetRequestId(c),
		Outcome:       audit.OutcomeSuccess,
	}
	if err != nil {
		entry.Outcome = audit.OutcomeFailure
		if apperr.KindOf(err) == apperr.KindInferenceCancelled ||
			apperr.KindOf(err) == apperr.KindSystemDisconnected {
			entry.Detail = "cancelled"
		} else {
			entry.Detail = errMessage(err)
		}
	}
	// A failed audit write must not abort the response path; the
	// OnWriteFailure hook already counted it.
	_ = d.Auditor.Record(entry)
}

// respondError translates an error to the wire envelope. Never call
// after a stream started; use the SSE error event there.
func (d *Deps) respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	envelope := datatypes.ErrorEnvelope{
		ErrorCode: string(kind),
		Message:   errMessage(err),
		RequestId: middleware.GetRequestId(c),
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Detail != "" {
		envelope.Detail = appErr.Detail
	}
	if kind == apperr.KindInferenceBusy {
		c.Header("Retry-After", "2")
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), envelope)
}

// errMessage extracts the client-safe message; untyped internals are
// masked.
func errMessage(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if apperr.KindOf(err) == apperr.KindInferenceCancelled {
		return "request cancelled"
	}
	return "internal error"
}

// actorOf identifies the caller for the audit trail. Local desktop
// shell traffic carries no user identity, so the client host stands in.
func actorOf(c *gin.Context) string {
	if c == nil || c.Request == nil {
		return "local"
	}
	return c.ClientIP()
}

// mapBindError classifies gin binding failures onto the taxonomy.
func mapBindError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return apperr.New(apperr.KindInputTooLarge, "request body exceeds the upload cap")
	}
	return apperr.Wrap(apperr.KindInputInvalid, "request body is not valid", err)
}

// shedIfOverloaded refuses work at the edge when the target queue's
// waiting list is already full, before entering the scheduler.
func (d *Deps) shedIfOverloaded(queue scheduler.QueueName) error {
	if d.Sched.QueueOverloaded(queue) {
		return apperr.New(apperr.KindInferenceBusy, "service is overloaded").
			WithDetail("retry_after_ms=2000")
	}
	return nil
}
