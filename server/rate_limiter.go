package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count  int
	reset  time.Time
	window time.Duration
}

// RateLimiter tracks per-key request usage within a fixed window. Check and
// increment happen under one lock so two concurrent requests for the same
// device cannot both squeeze through the last slot.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord)}
}

// Allow reports whether the caller may proceed under the provided limit and
// window. When denied, the second return value is the remaining window time
// to surface as a Retry-After hint.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	if limit <= 0 {
		return true, 0
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec := rl.entries[key]
	if rec.window == 0 || now.After(rec.reset) {
		rec.count = 0
		rec.window = window
		rec.reset = now.Add(window)
	}
	if rec.count >= limit {
		return false, rec.reset.Sub(now)
	}
	rec.count++
	rl.entries[key] = rec
	return true, 0
}

// Prune drops expired windows. Called opportunistically; correctness does
// not depend on it.
func (rl *RateLimiter) Prune() {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, rec := range rl.entries {
		if now.After(rec.reset) {
			delete(rl.entries, key)
		}
	}
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}
