// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_MessageFormat(t *testing.T) {
	err := New(KindInferenceBusy, "queue is full")
	assert.Equal(t, "inference/busy: queue is full", err.Error())

	withDetail := err.WithDetail("retry_after_ms=2000")
	assert.Equal(t, "inference/busy: queue is full (retry_after_ms=2000)", withDetail.Error())
	assert.Empty(t, err.Detail, "WithDetail must not mutate the original")
}

func TestWrap_PreservesExistingKind(t *testing.T) {
	inner := New(KindModelNotReady, "weights absent")
	outer := Wrap(KindInferenceRuntime, "call failed", fmt.Errorf("layer: %w", inner))

	assert.Equal(t, KindModelNotReady, outer.Kind,
		"the kind set closest to the failure wins")
}

func TestWrap_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStoragePersist, "append failed", cause)

	assert.True(t, errors.Is(err, cause))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Kind("")},
		{"typed", New(KindAuthMissing, "m"), KindAuthMissing},
		{"wrapped typed", fmt.Errorf("x: %w", New(KindInputTooLarge, "m")), KindInputTooLarge},
		{"context cancelled", context.Canceled, KindInferenceCancelled},
		{"deadline", context.DeadlineExceeded, KindInferenceCancelled},
		{"untyped", errors.New("boom"), KindSystemInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindAuthMissing, http.StatusForbidden},
		{KindAuthInvalid, http.StatusForbidden},
		{KindInputEmpty, http.StatusBadRequest},
		{KindInputExtension, http.StatusBadRequest},
		{KindInputTooLarge, http.StatusRequestEntityTooLarge},
		{KindModelNotReady, http.StatusServiceUnavailable},
		{KindInferenceBusy, http.StatusServiceUnavailable},
		{KindSystemNotReady, http.StatusServiceUnavailable},
		{KindSystemRateLimited, http.StatusTooManyRequests},
		{KindStoragePersist, http.StatusInternalServerError},
		{KindSystemInternal, http.StatusInternalServerError},
		{KindDownloadInProgress, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}

func TestIsKind(t *testing.T) {
	err := New(KindInferenceCancelled, "cancelled")
	require.True(t, IsKind(err, KindInferenceCancelled))
	assert.False(t, IsKind(err, KindInferenceBusy))
}
