// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the endpoint table onto a gin engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/DentalLocal/services/backend/handlers"
	"github.com/AleutianAI/DentalLocal/services/backend/middleware"
)

// uploadCapBytes is the streamed request body limit.
const uploadCapBytes = 100 << 20

// Options carries route-level configuration.
type Options struct {
	// APIKey is the expected X-API-Key; empty disables auth (dev only).
	APIKey string

	// RatePerMinute and RateMaxClients size the token-bucket store.
	RatePerMinute  int
	RateMaxClients int

	// PromGatherer backs /metrics/prometheus; nil skips the route.
	PromGatherer prometheus.Gatherer
}

// SetupRoutes registers every endpoint with its middleware chain.
//
// Endpoint groups share one rate bucket per client host: "status" for
// read-only surfaces, "inference" for the model-bound endpoints,
// "consultations" for the store.
func SetupRoutes(router *gin.Engine, d *handlers.Deps, opts Options) {
	limiter := middleware.NewRateLimiter(opts.RatePerMinute, opts.RateMaxClients)

	router.Use(middleware.CorrelationId())
	router.GET("/health", handlers.HealthCheck)

	authed := router.Group("")
	authed.Use(handlers.AuditRejections(d))
	authed.Use(middleware.APIKeyAuth(opts.APIKey))
	authed.Use(middleware.BodyLimit(uploadCapBytes))

	status := authed.Group("")
	status.Use(middleware.Limit(limiter, "status"))
	{
		status.GET("/llm/status", handlers.HandleLLMStatus(d))
		status.GET("/workers/status", handlers.HandleWorkersStatus(d))
		status.GET("/metrics", handlers.HandleMetrics(d))
		status.GET("/rag/status", handlers.HandleRAGStatus(d))
		status.GET("/audit/recent", handlers.HandleAuditRecent(d))
		status.GET("/setup/progress", handlers.HandleSetupProgress(d))
		if opts.PromGatherer != nil {
			status.GET("/metrics/prometheus", gin.WrapH(
				promhttp.HandlerFor(opts.PromGatherer, promhttp.HandlerOpts{})))
		}
	}

	inferenceGroup := authed.Group("")
	inferenceGroup.Use(middleware.Limit(limiter, "inference"))
	{
		inferenceGroup.POST("/transcribe", handlers.HandleTranscribe(d))
		inferenceGroup.POST("/summarize", handlers.HandleSummarize(d, false))
		inferenceGroup.POST("/summarize-rag", handlers.HandleSummarize(d, true))
		inferenceGroup.POST("/summarize-stream", handlers.HandleSummarizeStream(d, false))
		inferenceGroup.POST("/summarize-stream-rag", handlers.HandleSummarizeStream(d, true))
		inferenceGroup.POST("/setup/download", handlers.HandleSetupDownload(d))
	}

	consultations := authed.Group("")
	consultations.Use(middleware.Limit(limiter, "consultations"))
	{
		consultations.POST("/consultations/save", handlers.HandleSaveConsultation(d))
		consultations.POST("/consultations/search", handlers.HandleSearchConsultations(d))
		consultations.GET("/consultations/export", handlers.HandleExportConsultations(d))
	}
}
