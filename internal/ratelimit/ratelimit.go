// Package ratelimit implements a keyed token bucket rate limiter.
// Thread-safe. No background goroutines — tokens are refilled lazily on
// each Allow call. Used per caller on the HTTP gateway and per
// (agent, tool) pair in the tool registry, where each tool declares its
// own calls-per-minute budget.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter is a keyed token bucket rate limiter. Each key gets an
// independent bucket; one key cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	rate     float64 // tokens per second
	burst    float64
	lastFill time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Allow checks whether the key has tokens remaining at the given
// per-minute rate, consuming one on success. perMinute ≤ 0 means
// unlimited. A rate change for an existing key resets its bucket.
func (l *Limiter) Allow(key string, perMinute int) error {
	if perMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	rate := float64(perMinute) / 60.0
	b, ok := l.buckets[key]
	if !ok || b.rate != rate {
		// First request: start with a full bucket.
		b = &bucket{tokens: float64(perMinute), rate: rate, burst: float64(perMinute), lastFill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
