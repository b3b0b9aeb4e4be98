// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
)

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter maintains one token bucket per (client host, endpoint
// group).
//
// # Description
//
// Buckets are x/time/rate limiters behind a single mutex. When the
// store exceeds its cardinality cap, the bucket with the oldest
// last-seen instant is evicted, one at a time until under the cap,
// never the whole store, so one noisy client cannot reset everyone
// else's quota.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*clientBucket
	perMinute  int
	burst      int
	maxClients int
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates the store. perMinute is the refill rate per
// bucket; burst defaults to perMinute so a fresh client can use a full
// window at once.
func NewRateLimiter(perMinute, maxClients int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	if maxClients <= 0 {
		maxClients = 1024
	}
	return &RateLimiter{
		buckets:    make(map[string]*clientBucket),
		perMinute:  perMinute,
		burst:      perMinute,
		maxClients: maxClients,
	}
}

// Allow consumes one token for the (host, group) pair.
func (r *RateLimiter) Allow(host, group string) bool {
	key := host + "|" + group
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = &clientBucket{
			limiter:  rate.NewLimiter(rate.Limit(float64(r.perMinute)/60), r.burst),
			lastSeen: now,
		}
		r.buckets[key] = b
		r.evictLocked()
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// evictLocked removes oldest-idle buckets one at a time until the
// store is under the cap. Caller holds the mutex.
func (r *RateLimiter) evictLocked() {
	for len(r.buckets) > r.maxClients {
		oldestKey := ""
		var oldestSeen time.Time
		for key, b := range r.buckets {
			if oldestKey == "" || b.lastSeen.Before(oldestSeen) {
				oldestKey = key
				oldestSeen = b.lastSeen
			}
		}
		delete(r.buckets, oldestKey)
	}
}

// Size returns the current bucket count, for tests and diagnostics.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// =============================================================================
// Middleware
// =============================================================================

// Limit enforces the group's bucket for each request.
func Limit(limiter *RateLimiter, group string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP(), group) {
			c.Header("Retry-After", "60")
			abortWithKind(c, apperr.KindSystemRateLimited,
				"too many requests for this endpoint group")
			return
		}
		c.Next()
	}
}
