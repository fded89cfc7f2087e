// SPDX-FileCopyrightText: Copyright 2025 flAPI authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit enforces per-principal request budgets. Two
// strategies are available: a fixed window counter that resets at
// interval boundaries, and a token bucket built on golang.org/x/time/rate
// that smooths bursts.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flapi-io/flapi/pkg/config"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed bool

	// Limit and Remaining feed the X-RateLimit-* response headers.
	Limit     int
	Remaining int

	// RetryAfter is how long the caller should wait when rejected.
	RetryAfter time.Duration
}

// Limiter tracks request budgets per principal for one endpoint.
type Limiter interface {
	Allow(principal string) Decision
}

// New builds the limiter for an endpoint's effective config. A nil or
// disabled config returns nil; callers skip the check entirely.
func New(cfg *config.RateLimitConfig) Limiter {
	if cfg == nil || !cfg.Enabled || cfg.Max <= 0 {
		return nil
	}
	switch cfg.Strategy {
	case "token-bucket":
		return newTokenBucket(cfg)
	default:
		return newFixedWindow(cfg)
	}
}

// fixedWindow counts requests per principal inside interval-aligned
// windows. The first request past the budget is rejected until the
// window rolls over.
type fixedWindow struct {
	max       int
	interval  time.Duration
	overrides map[string]int

	clock func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

func newFixedWindow(cfg *config.RateLimitConfig) *fixedWindow {
	return &fixedWindow{
		max:       cfg.Max,
		interval:  cfg.Interval(),
		overrides: cfg.UserOverrides,
		clock:     time.Now,
		windows:   make(map[string]*window),
	}
}

func (f *fixedWindow) limitFor(principal string) int {
	if override, ok := f.overrides[principal]; ok && override > 0 {
		return override
	}
	return f.max
}

func (f *fixedWindow) Allow(principal string) Decision {
	limit := f.limitFor(principal)
	now := f.clock()

	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.windows[principal]
	if !ok || now.Sub(w.start) >= f.interval {
		w = &window{start: now}
		f.windows[principal] = w
	}

	if w.count >= limit {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: w.start.Add(f.interval).Sub(now),
		}
	}
	w.count++
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.count,
	}
}

// tokenBucket refills continuously at max/interval and allows bursts up
// to the full budget.
type tokenBucket struct {
	max       int
	interval  time.Duration
	overrides map[string]int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newTokenBucket(cfg *config.RateLimitConfig) *tokenBucket {
	return &tokenBucket{
		max:       cfg.Max,
		interval:  cfg.Interval(),
		overrides: cfg.UserOverrides,
		buckets:   make(map[string]*rate.Limiter),
	}
}

func (t *tokenBucket) Allow(principal string) Decision {
	limit := t.max
	if override, ok := t.overrides[principal]; ok && override > 0 {
		limit = override
	}

	t.mu.Lock()
	bucket, ok := t.buckets[principal]
	if !ok {
		perSecond := float64(limit) / t.interval.Seconds()
		bucket = rate.NewLimiter(rate.Limit(perSecond), limit)
		t.buckets[principal] = bucket
	}
	t.mu.Unlock()

	if !bucket.Allow() {
		// Time until one token refills.
		retry := time.Duration(float64(time.Second) / float64(bucket.Limit()))
		return Decision{Allowed: false, Limit: limit, RetryAfter: retry}
	}
	remaining := int(math.Floor(bucket.Tokens()))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining}
}
