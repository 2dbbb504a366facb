// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rest

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerResetAfter = "X-RateLimit-Reset-After"
	headerReset      = "X-RateLimit-Reset"
	headerBucket     = "X-RateLimit-Bucket"
	headerGlobal     = "X-RateLimit-Global"
	headerScope      = "X-RateLimit-Scope"
)

// bucket is one server-defined rate-limit budget. Before the first
// response with rate-limit headers the budget is unknown and requests
// pass through.
type bucket struct {
	mu        sync.Mutex
	id        string
	limit     int
	remaining int
	reset     time.Time
	known     bool
}

// RateLimiter tracks per-bucket and global budgets. Routes are mapped to
// buckets by the hash the server reports, so distinct routes can share a
// budget.
type RateLimiter struct {
	mu      sync.Mutex
	routes  map[string]string
	buckets map[string]*bucket

	global      *rate.Limiter
	globalMu    sync.Mutex
	globalUntil time.Time

	now func() time.Time
	log zerolog.Logger
}

// NewRateLimiter creates a limiter. globalRate is the process-wide request
// budget per second; zero disables it.
func NewRateLimiter(globalRate float64, globalBurst int, log zerolog.Logger) *RateLimiter {
	limit := rate.Inf
	if globalRate > 0 {
		limit = rate.Limit(globalRate)
	}
	if globalBurst <= 0 {
		globalBurst = 1
	}
	return &RateLimiter{
		routes:  make(map[string]string),
		buckets: make(map[string]*bucket),
		global:  rate.NewLimiter(limit, globalBurst),
		now:     time.Now,
		log:     log,
	}
}

func (rl *RateLimiter) bucketFor(route Route) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	id, ok := rl.routes[route.BucketKey]
	if !ok {
		id = route.BucketKey
	}
	b, ok := rl.buckets[id]
	if !ok {
		b = &bucket{id: id}
		rl.buckets[id] = b
	}
	return b
}

// Acquire blocks until the global budget and the route's bucket allow one
// more request, then consumes one unit of the bucket.
func (rl *RateLimiter) Acquire(ctx context.Context, route Route) error {
	if err := rl.waitGlobal(ctx); err != nil {
		return err
	}
	b := rl.bucketFor(route)
	for {
		b.mu.Lock()
		now := rl.now()
		if b.known && b.remaining <= 0 && !now.Before(b.reset) {
			b.remaining = max(b.limit, 1)
		}
		if !b.known || b.remaining > 0 {
			if b.known {
				b.remaining--
			}
			b.mu.Unlock()
			return nil
		}
		delay := b.reset.Sub(now)
		b.mu.Unlock()

		rl.log.Debug().
			Str("bucket", b.id).
			Str("route", route.String()).
			Dur("delay", delay).
			Msg("Bucket exhausted, waiting for reset")
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

func (rl *RateLimiter) waitGlobal(ctx context.Context) error {
	rl.globalMu.Lock()
	delay := rl.globalUntil.Sub(rl.now())
	rl.globalMu.Unlock()
	if delay > 0 {
		rl.log.Debug().Dur("delay", delay).Msg("Global rate limit active, waiting")
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
	return rl.global.Wait(ctx)
}

// Update records the rate-limit headers of a response.
func (rl *RateLimiter) Update(route Route, header http.Header) {
	hash := header.Get(headerBucket)
	limitStr := header.Get(headerLimit)
	remainingStr := header.Get(headerRemaining)
	if limitStr == "" || remainingStr == "" {
		return
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return
	}
	reset, ok := rl.parseReset(header)
	if !ok {
		return
	}

	var b *bucket
	if hash != "" {
		id := hash + ":" + route.Major
		rl.mu.Lock()
		rl.routes[route.BucketKey] = id
		b, ok = rl.buckets[id]
		if !ok {
			b = &bucket{id: id}
			rl.buckets[id] = b
		}
		rl.mu.Unlock()
	} else {
		b = rl.bucketFor(route)
	}

	b.mu.Lock()
	b.limit = limit
	if !b.known || !rl.now().Before(b.reset) {
		b.remaining = remaining
		b.reset = reset
	} else {
		// Same window: the header does not count requests still in
		// flight, which Acquire has already taken off remaining.
		b.remaining = min(b.remaining, remaining)
		if reset.After(b.reset) {
			b.reset = reset
		}
	}
	b.known = true
	remaining, reset = b.remaining, b.reset
	b.mu.Unlock()

	rl.log.Trace().
		Str("bucket", b.id).
		Int("limit", limit).
		Int("remaining", remaining).
		Time("reset", reset).
		Msg("Updated rate limit bucket")
}

func (rl *RateLimiter) parseReset(header http.Header) (time.Time, bool) {
	if after := header.Get(headerResetAfter); after != "" {
		seconds, err := strconv.ParseFloat(after, 64)
		if err == nil {
			return rl.now().Add(time.Duration(seconds * float64(time.Second))), true
		}
	}
	if at := header.Get(headerReset); at != "" {
		seconds, err := strconv.ParseFloat(at, 64)
		if err == nil {
			return time.UnixMilli(int64(seconds * 1000)), true
		}
	}
	return time.Time{}, false
}

// Limited records a 429. A global limit blocks every route; otherwise the
// route's bucket is emptied until retryAfter elapses.
func (rl *RateLimiter) Limited(route Route, retryAfter time.Duration, global bool) {
	until := rl.now().Add(retryAfter)
	if global {
		rl.globalMu.Lock()
		if until.After(rl.globalUntil) {
			rl.globalUntil = until
		}
		rl.globalMu.Unlock()
		rl.log.Warn().Dur("retry_after", retryAfter).Msg("Hit global rate limit")
		return
	}
	b := rl.bucketFor(route)
	b.mu.Lock()
	b.known = true
	b.remaining = 0
	if b.limit == 0 {
		b.limit = 1
	}
	if until.After(b.reset) {
		b.reset = until
	}
	b.mu.Unlock()
	rl.log.Warn().
		Str("bucket", b.id).
		Str("route", route.String()).
		Dur("retry_after", retryAfter).
		Msg("Hit route rate limit")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
