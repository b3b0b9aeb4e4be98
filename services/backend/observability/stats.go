// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Stats Store
// =============================================================================

// reservoirSize bounds the latency sample per endpoint. 256 samples
// keep p99 stable enough for a single-user service without unbounded
// memory.
const reservoirSize = 256

// errorRingSize is how many recent errors the bug-report surface keeps.
const errorRingSize = 100

// RecentError is one retained error for the bug-report surface.
type RecentError struct {
	Timestamp time.Time `json:"timestamp"`
	Endpoint  string    `json:"endpoint"`
	ErrorCode string    `json:"error_code"`
	Message   string    `json:"message"`
	RequestId string    `json:"request_id"`
}

// EndpointSnapshot is the per-endpoint block of the /metrics document.
type EndpointSnapshot struct {
	Count     int64            `json:"count"`
	Errors    map[string]int64 `json:"errors,omitempty"`
	LatencyMs LatencySnapshot  `json:"latency_ms"`
}

// LatencySnapshot carries the reservoir percentiles.
type LatencySnapshot struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// Snapshot is the full /metrics document.
type Snapshot struct {
	Endpoints    map[string]EndpointSnapshot `json:"endpoints"`
	RecentErrors []RecentError               `json:"recent_errors"`
	Counters     map[string]int64            `json:"counters"`
}

// endpointStats accumulates one endpoint's counters and samples.
type endpointStats struct {
	count     int64
	errors    map[string]int64
	reservoir []float64
	seen      int64
}

// Stats is the in-process metrics store.
//
// # Thread Safety
//
// Guarded by a single mutex; every operation is O(1) except Snapshot,
// which sorts the small reservoirs.
type Stats struct {
	mu        sync.Mutex
	endpoints map[string]*endpointStats
	ring      []RecentError
	ringNext  int
	counters  map[string]int64
	rng       *rand.Rand
}

// NewStats creates an empty store.
func NewStats() *Stats {
	return &Stats{
		endpoints: make(map[string]*endpointStats),
		ring:      make([]RecentError, 0, errorRingSize),
		counters:  make(map[string]int64),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RecordRequest records one completed request. errorCode is empty for
// success. Latency feeds an Algorithm-R reservoir so long-running
// processes keep a uniform sample.
func (s *Stats) RecordRequest(endpoint, errorCode string, latency time.Duration) {
	ms := float64(latency.Microseconds()) / 1000

	s.mu.Lock()
	defer s.mu.Unlock()

	ep := s.endpoints[endpoint]
	if ep == nil {
		ep = &endpointStats{errors: make(map[string]int64)}
		s.endpoints[endpoint] = ep
	}
	ep.count++
	if errorCode != "" {
		ep.errors[errorCode]++
	}

	ep.seen++
	if len(ep.reservoir) < reservoirSize {
		ep.reservoir = append(ep.reservoir, ms)
	} else if slot := s.rng.Int63n(ep.seen); slot < reservoirSize {
		ep.reservoir[slot] = ms
	}
}

// RecordError retains an error in the ring buffer for /metrics.
func (s *Stats) RecordError(endpoint, errorCode, message, requestId string) {
	entry := RecentError{
		Timestamp: time.Now().UTC(),
		Endpoint:  endpoint,
		ErrorCode: errorCode,
		Message:   message,
		RequestId: requestId,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) < errorRingSize {
		s.ring = append(s.ring, entry)
		s.ringNext = len(s.ring) % errorRingSize
		return
	}
	s.ring[s.ringNext] = entry
	s.ringNext = (s.ringNext + 1) % errorRingSize
}

// IncCounter bumps a named counter (audit write failures, journal
// lines skipped, index deferrals).
func (s *Stats) IncCounter(name string) {
	s.AddCounter(name, 1)
}

// AddCounter adds n to a named counter.
func (s *Stats) AddCounter(name string, n int64) {
	s.mu.Lock()
	s.counters[name] += n
	s.mu.Unlock()
}

// CounterValue reads a named counter.
func (s *Stats) CounterValue(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Snapshot renders the full document, recent errors newest first.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{
		Endpoints: make(map[string]EndpointSnapshot, len(s.endpoints)),
		Counters:  make(map[string]int64, len(s.counters)),
	}
	for name, ep := range s.endpoints {
		snap := EndpointSnapshot{Count: ep.count, LatencyMs: percentiles(ep.reservoir)}
		if len(ep.errors) > 0 {
			snap.Errors = make(map[string]int64, len(ep.errors))
			for code, n := range ep.errors {
				snap.Errors[code] = n
			}
		}
		out.Endpoints[name] = snap
	}
	for name, v := range s.counters {
		out.Counters[name] = v
	}

	// Unroll the ring: oldest entry sits at ringNext once full.
	errs := make([]RecentError, 0, len(s.ring))
	if len(s.ring) == errorRingSize {
		errs = append(errs, s.ring[s.ringNext:]...)
		errs = append(errs, s.ring[:s.ringNext]...)
	} else {
		errs = append(errs, s.ring...)
	}
	for i, j := 0, len(errs)-1; i < j; i, j = i+1, j-1 {
		errs[i], errs[j] = errs[j], errs[i]
	}
	out.RecentErrors = errs
	return out
}

// percentiles computes p50/p95/p99 over a copy of the reservoir.
func percentiles(samples []float64) LatencySnapshot {
	if len(samples) == 0 {
		return LatencySnapshot{}
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	pick := func(q float64) float64 {
		idx := int(q * float64(len(sorted)-1))
		return sorted[idx]
	}
	return LatencySnapshot{P50: pick(0.50), P95: pick(0.95), P99: pick(0.99)}
}
