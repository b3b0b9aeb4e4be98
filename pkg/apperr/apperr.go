// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apperr defines the typed error taxonomy shared by every layer
// of the DentalLocal backend.
//
// # Description
//
// Lower layers raise *apperr.Error values carrying a machine-readable
// Kind, a human message, and an optional detail string. The HTTP layer
// translates kinds to status codes and the wire envelope; nothing else
// in the system inspects error strings.
//
// # Thread Safety
//
// Error values are immutable after creation and safe for concurrent reads.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// Kinds
// =============================================================================

// Kind is the machine-readable error category surfaced to clients as
// the envelope's error_code.
type Kind string

const (
	// Credential validation.
	KindAuthMissing       Kind = "auth/missing"
	KindAuthInvalid       Kind = "auth/invalid"
	KindAuthMisconfigured Kind = "auth/misconfigured"

	// Body validation.
	KindInputEmpty           Kind = "input/empty"
	KindInputFilenameMissing Kind = "input/filename_missing"
	KindInputExtension       Kind = "input/extension"
	KindInputTooLarge        Kind = "input/too_large"
	KindInputHeader          Kind = "input/header"
	KindInputInvalid         Kind = "input/invalid"

	// Backend prerequisites.
	KindModelNotReady          Kind = "model/not_ready"
	KindModelDependencyMissing Kind = "model/dependency_missing"

	// Scheduler and backends.
	KindInferenceBusy      Kind = "inference/busy"
	KindInferenceCancelled Kind = "inference/cancelled"
	KindInferenceRuntime   Kind = "inference/runtime"
	KindInferenceStream    Kind = "inference/stream"

	// Durable storage.
	KindStoragePersist Kind = "storage/persist"

	// Model acquisition collaborator.
	KindDownloadInProgress Kind = "download/in_progress"
	KindDownloadFailed     Kind = "download/failed"

	// Server level.
	KindSystemNotReady     Kind = "system/not_ready"
	KindSystemDisconnected Kind = "system/disconnected"
	KindSystemRateLimited  Kind = "system/rate_limited"
	KindSystemInternal     Kind = "system/internal"
)

// =============================================================================
// Error Type
// =============================================================================

// Error is the typed error carried between layers.
//
// # Description
//
// Follows the CommandError pattern: a small immutable struct that
// implements error, supports errors.Is/As via Unwrap, and carries
// enough context for both the wire envelope and the audit trail.
//
// # Fields
//
//   - Kind: Machine-readable category (becomes error_code on the wire).
//   - Message: Human-readable summary, safe to show to clients.
//   - Detail: Optional extra context (e.g. "retry_after_ms=500").
//   - Wrapped: Underlying cause (may be nil; never sent to clients).
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Wrapped error
}

// Error returns the formatted message.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As chain walking.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

var _ error = (*Error)(nil)

// =============================================================================
// Constructors
// =============================================================================

// New creates an Error with a kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
//
// If err is already an *Error it is returned unchanged so kinds set
// close to the failure are not overwritten higher up the stack.
func Wrap(kind Kind, message string, err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Kind: kind, Message: message, Wrapped: err}
}

// WithDetail returns a copy of the error with the detail string set.
func (e *Error) WithDetail(detail string) *Error {
	clone := *e
	clone.Detail = detail
	return &clone
}

// =============================================================================
// Inspection Helpers
// =============================================================================

// KindOf extracts the Kind from an error chain.
//
// When the chain contains no *Error, returns KindInferenceCancelled for
// context cancellation or deadline errors and KindSystemInternal for
// anything else. Returns an empty Kind for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindInferenceCancelled
	}
	return KindSystemInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// =============================================================================
// HTTP Translation
// =============================================================================

// HTTPStatus maps a kind to the response status the HTTP layer emits.
//
// The mapping is fixed by the error handling design: 403 for auth,
// 400 for input, 413 for oversize bodies, 503 for not-ready/busy,
// 429 for rate limiting, 500 for internal failures.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthMissing, KindAuthInvalid, KindAuthMisconfigured:
		return http.StatusForbidden
	case KindInputEmpty, KindInputFilenameMissing, KindInputExtension,
		KindInputHeader, KindInputInvalid:
		return http.StatusBadRequest
	case KindInputTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindModelNotReady, KindModelDependencyMissing,
		KindInferenceBusy, KindSystemNotReady:
		return http.StatusServiceUnavailable
	case KindSystemRateLimited:
		return http.StatusTooManyRequests
	case KindInferenceCancelled, KindSystemDisconnected:
		// Nginx convention for client-closed-request; never reaches a
		// connected client.
		return 499
	case KindDownloadInProgress:
		return http.StatusConflict
	case KindDownloadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
