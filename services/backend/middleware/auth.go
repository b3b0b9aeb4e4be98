// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the HTTP middleware chain for the
// DentalLocal backend: correlation ids, API-key authentication, rate
// limiting, and body size caps.
package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
)

// =============================================================================
// Context Keys
// =============================================================================

// requestIdKey is the gin context key for the correlation id.
const requestIdKey = "dentalocal_request_id"

// RequestIdHeader is echoed on every response.
const RequestIdHeader = "X-Request-Id"

// APIKeyHeader carries the client credential.
const APIKeyHeader = "X-API-Key"

// GetRequestId returns the correlation id assigned to this request.
func GetRequestId(c *gin.Context) string {
	if v, ok := c.Get(requestIdKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// =============================================================================
// Correlation
// =============================================================================

// CorrelationId assigns a fresh correlation id to every request and
// echoes it in the response header before anything else can write.
func CorrelationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set(requestIdKey, id)
		c.Writer.Header().Set(RequestIdHeader, id)
		c.Next()
	}
}

// =============================================================================
// API Key Auth
// =============================================================================

// APIKeyAuth validates the X-API-Key header against the configured key.
//
// # Description
//
// Comparison is constant-time. An empty configured key disables the
// check; that state is only reachable in development mode, config
// loading refuses it in production.
func APIKeyAuth(expected string) gin.HandlerFunc {
	expectedBytes := []byte(expected)
	return func(c *gin.Context) {
		if expected == "" {
			c.Next()
			return
		}
		provided := c.GetHeader(APIKeyHeader)
		if provided == "" {
			abortWithKind(c, apperr.KindAuthMissing, "the X-API-Key header is required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), expectedBytes) != 1 {
			abortWithKind(c, apperr.KindAuthInvalid, "the provided API key is not valid")
			return
		}
		c.Next()
	}
}

// RejectKindKey carries the error kind of a middleware rejection so
// the accounting layer can audit requests that never reached their
// handler.
const RejectKindKey = "dentalocal_reject_kind"

// abortWithKind writes the standard error envelope and stops the chain.
func abortWithKind(c *gin.Context, kind apperr.Kind, message string) {
	c.Set(RejectKindKey, string(kind))
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), datatypes.ErrorEnvelope{
		ErrorCode: string(kind),
		Message:   message,
		RequestId: GetRequestId(c),
	})
}

// =============================================================================
// Body Size Cap
// =============================================================================

// BodyLimit caps the request body with a streamed limit, so an
// oversize upload fails while being read instead of after buffering.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
