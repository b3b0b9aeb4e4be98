// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the DentalLocal backend.
//
// # Description
//
// Two surfaces are maintained side by side:
//   - Prometheus vectors for operators who scrape, exposed at
//     /metrics/prometheus.
//   - An in-process stats store (per-endpoint counters, reservoir
//     latency percentiles, a ring buffer of recent errors) backing the
//     JSON /metrics endpoint the desktop shell reads.
//
// # Thread Safety
//
// All operations are safe for concurrent use.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "dentalocal"

// =============================================================================
// Prometheus Metrics
// =============================================================================

// PromMetrics holds the Prometheus vectors.
type PromMetrics struct {
	// RequestsTotal counts requests by endpoint and status.
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal counts errors by endpoint and error_code.
	ErrorsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures request latency by endpoint.
	RequestDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open SSE connections.
	ActiveStreams *prometheus.GaugeVec

	// AuditWriteFailuresTotal counts failed audit appends.
	AuditWriteFailuresTotal prometheus.Counter

	// JournalLinesSkippedTotal counts corrupt journal lines seen on scan.
	JournalLinesSkippedTotal prometheus.Counter

	// IndexDeferralsTotal counts index upserts deferred to rebuild.
	IndexDeferralsTotal prometheus.Counter
}

// NewPromMetrics registers the vectors on the given registry. Passing
// a fresh registry keeps tests free of duplicate-registration panics.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	factory := promauto.With(reg)
	return &PromMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Total requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "Total errors by endpoint and error code",
			},
			[]string{"endpoint", "error_code"},
		),
		RequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "Request latency by endpoint",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"endpoint"},
		),
		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_streams",
				Help:      "Currently open SSE connections",
			},
			[]string{"endpoint"},
		),
		AuditWriteFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "audit_write_failures_total",
				Help:      "Failed audit log appends",
			},
		),
		JournalLinesSkippedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "journal_lines_skipped_total",
				Help:      "Corrupt journal lines skipped during scans",
			},
		),
		IndexDeferralsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "index_deferrals_total",
				Help:      "Index upserts deferred to the next rebuild",
			},
		),
	}
}
