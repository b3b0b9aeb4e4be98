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
	"github.com/AleutianAI/DentalLocal/services/inference"
)

// HandleSetupDownload kicks off a model weights fetch.
//
// POST /setup/download with {model, file}. The download collaborator
// owns the actual transfer; the core only tracks its progress and
// readiness side effects.
func HandleSetupDownload(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		var opErr error
		defer func() { d.finish(c, "/setup/download", audit.ActionSetupDownload, started, opErr) }()

		var req struct {
			Model string `json:"model" binding:"required"`
			File  string `json:"file" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			opErr = mapBindError(err)
			d.respondError(c, opErr)
			return
		}

		if err := d.Downloads.Start(c.Request.Context(), req.Model, req.File); err != nil {
			opErr = err
			d.respondError(c, opErr)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"model": req.Model, "started": true})
	}
}

// HandleSetupProgress reports every known model's acquisition state.
//
// GET /setup/progress.
func HandleSetupProgress(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		defer func() { d.finish(c, "/setup/progress", "", started, nil) }()

		progress := d.Downloads.Progress()
		if progress == nil {
			progress = []inference.DownloadProgress{}
		}
		c.JSON(http.StatusOK, gin.H{"models": progress})
	}
}
