// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// maxTrackedTenants bounds the limiter table. Idle entries are dropped
// first when it fills.
const maxTrackedTenants = 4096

type tenantLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TenantRateLimiter keeps one token bucket per tenant.
//
// # Thread Safety
//
// Safe for concurrent use.
type TenantRateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	now     func() time.Time
	tenants map[string]*tenantLimiter
}

// NewTenantRateLimiter allows rps requests per second per tenant with the
// given burst. A non-positive rps disables limiting.
func NewTenantRateLimiter(rps float64, burst int) *TenantRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &TenantRateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		tenants: make(map[string]*tenantLimiter),
	}
}

// Enabled reports whether the limiter rejects anything.
func (l *TenantRateLimiter) Enabled() bool {
	return l != nil && l.limit > 0
}

// Reserve takes a token for tenant. When none is available it returns
// false and the wait until one is.
func (l *TenantRateLimiter) Reserve(tenant string) (bool, time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	entry, ok := l.tenants[tenant]
	if !ok {
		if len(l.tenants) >= maxTrackedTenants {
			l.evictIdle(now)
		}
		entry = &tenantLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.tenants[tenant] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	r := entry.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// evictIdle drops the least recently seen half of the table. Callers hold mu.
func (l *TenantRateLimiter) evictIdle(now time.Time) {
	cutoff := now
	for _, e := range l.tenants {
		if e.lastSeen.Before(cutoff) {
			cutoff = e.lastSeen
		}
	}
	// Everything older than the midpoint between the oldest entry and now.
	cutoff = cutoff.Add(now.Sub(cutoff) / 2)
	for k, e := range l.tenants {
		if !e.lastSeen.After(cutoff) {
			delete(l.tenants, k)
		}
	}
}

// RateLimitMiddleware rejects requests over the caller's tenant budget
// with 429 and a Retry-After header. It must run after AuthMiddleware;
// requests without a caller share the "anonymous" bucket.
func RateLimitMiddleware(l *TenantRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := "anonymous"
		if info := GetAuthInfo(c); info != nil && info.TenantID != "" {
			tenant = info.TenantID
		}
		ok, wait := l.Reserve(tenant)
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
