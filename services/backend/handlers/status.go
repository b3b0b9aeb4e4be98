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
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
	"github.com/AleutianAI/DentalLocal/services/inference/scheduler"
)

// auditRecentMax bounds the /audit/recent query parameter.
const (
	auditRecentMax     = 500
	auditRecentDefault = 50
)

// HandleLLMStatus reports the generate queue plus model readiness.
//
// GET /llm/status.
func HandleLLMStatus(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		defer func() { d.finish(c, "/llm/status", "", started, nil) }()

		stat := d.Sched.Status()[scheduler.QueueGenerate]
		c.JSON(http.StatusOK, gin.H{
			"running":  stat.Running,
			"waiting":  stat.Waiting,
			"capacity": stat.Capacity,
			"ready":    d.Generator != nil && d.Generator.Ready(),
		})
	}
}

// HandleWorkersStatus reports every scheduler queue.
//
// GET /workers/status.
func HandleWorkersStatus(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		defer func() { d.finish(c, "/workers/status", "", started, nil) }()

		queues := make(map[string]datatypes.QueueStatus)
		for name, stat := range d.Sched.Status() {
			queues[string(name)] = datatypes.QueueStatus{
				Running:  stat.Running,
				Waiting:  stat.Waiting,
				Capacity: stat.Capacity,
			}
		}
		c.JSON(http.StatusOK, datatypes.WorkersStatusResponse{
			Queues:     queues,
			Overloaded: d.Sched.Overloaded(),
		})
	}
}

// HandleRAGStatus reports store readiness and counts.
//
// GET /rag/status.
func HandleRAGStatus(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		defer func() { d.finish(c, "/rag/status", "", started, nil) }()

		status := d.Store.Status()
		c.JSON(http.StatusOK, datatypes.RAGStatusResponse{
			ConsultationsCount: status.ConsultationsCount,
			KnowledgeCount:     status.KnowledgeCount,
			Ready:              status.Ready,
		})
	}
}

// HandleMetrics renders the in-process stats document.
//
// GET /metrics. Operators who scrape Prometheus use
// /metrics/prometheus instead.
func HandleMetrics(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		defer func() { d.finish(c, "/metrics", "", started, nil) }()

		c.JSON(http.StatusOK, d.Stats.Snapshot())
	}
}

// HandleAuditRecent returns the newest audit entries.
//
// GET /audit/recent?n= with n bounded to [1, 500].
func HandleAuditRecent(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		var opErr error
		defer func() { d.finish(c, "/audit/recent", "", started, opErr) }()

		n := auditRecentDefault
		if raw := c.Query("n"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				n = parsed
			}
		}
		if n < 1 {
			n = 1
		}
		if n > auditRecentMax {
			n = auditRecentMax
		}

		entries, err := d.Auditor.Recent(n)
		if err != nil {
			opErr = err
			d.respondError(c, opErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
	}
}
