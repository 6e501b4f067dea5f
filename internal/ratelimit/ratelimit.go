// Package ratelimit implements per-module, per-category token bucket rate
// limiting for host calls. Thread-safe. No background goroutines — tokens
// are refilled lazily on each Allow call; stale buckets are removed by Prune.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a module has exhausted a category bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Error is a structured rate-limit denial. It matches ErrRateLimited under
// errors.Is and carries a retry hint so callers can surface backpressure
// instead of silently dropping the call.
type Error struct {
	Module     string
	Category   string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s calls by module %s (retry in %s)",
		e.Category, e.Module, e.RetryAfter.Round(time.Millisecond))
}

func (e *Error) Unwrap() error { return ErrRateLimited }

// Limiter tracks one token bucket per module and category. Each bucket is
// independent; one module cannot exhaust another's quota, and one category
// cannot exhaust another.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	rate     float64 // tokens per second
	lastFill time.Time
}

// NewLimiter creates a limiter with the given burst size (maximum tokens a
// bucket can hold). burstSize <= 0 defaults to 10.
func NewLimiter(burstSize int) *Limiter {
	if burstSize <= 0 {
		burstSize = 10
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		burst:   float64(burstSize),
		now:     time.Now,
	}
}

// Allow consumes one token from the bucket identified by module and
// category, refilling at perMinute tokens per minute. perMinute <= 0 means
// unlimited. Returns a *Error on exhaustion.
func (l *Limiter) Allow(module, category string, perMinute int) error {
	if perMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rate := float64(perMinute) / 60.0
	burst := l.burst
	if float64(perMinute) < burst {
		burst = float64(perMinute)
	}

	key := module + ":" + category
	b, ok := l.buckets[key]
	if !ok {
		// First call: start with a full bucket.
		b = &bucket{tokens: burst, rate: rate, lastFill: now}
		l.buckets[key] = b
	}
	b.rate = rate

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		retry := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		return &Error{Module: module, Category: category, RetryAfter: retry}
	}
	b.tokens--
	return nil
}

// Prune removes buckets idle longer than maxIdle and returns how many were
// removed. Called periodically by the maintenance sweep.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) > maxIdle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Size returns the current number of tracked buckets.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
