// Package quota enforces per-actor request rate limits.
package quota

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter implements per-actor token bucket rate limiting.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	rpm       int
	overrides map[string]int
	now       func() time.Time
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute to each
// actor. overrides replaces the limit for specific actors. A limit of 0
// means unlimited.
func NewRateLimiter(rpm int, overrides map[string]int) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*tokenBucket),
		rpm:       rpm,
		overrides: overrides,
		now:       time.Now,
	}
}

// Limit returns the requests-per-minute limit of actorID.
func (rl *RateLimiter) Limit(actorID string) int {
	if rpm, ok := rl.overrides[actorID]; ok {
		return rpm
	}
	return rl.rpm
}

// Allow checks if a request from the given actor should be allowed.
func (rl *RateLimiter) Allow(actorID string) bool {
	rpm := rl.Limit(actorID)
	if rpm <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[actorID]
	if !ok {
		bucket = &tokenBucket{
			tokens:     float64(rpm),
			maxTokens:  float64(rpm),
			refillRate: float64(rpm) / 60.0,
			lastRefill: now,
		}
		rl.buckets[actorID] = bucket
	}

	// Refill tokens
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	bucket.tokens += elapsed * bucket.refillRate
	if bucket.tokens > bucket.maxTokens {
		bucket.tokens = bucket.maxTokens
	}
	bucket.lastRefill = now

	if bucket.tokens < 1 {
		return false
	}

	bucket.tokens--
	return true
}

// RetryAfter returns the number of seconds until the next token is available.
func (rl *RateLimiter) RetryAfter(actorID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[actorID]
	if !ok || bucket.tokens >= 1 {
		return 0
	}

	needed := 1.0 - bucket.tokens
	return max(int(math.Ceil(needed/bucket.refillRate)), 1)
}

// Cleanup removes buckets for actors that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxAge)
	for actorID, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, actorID)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(maxAge)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
