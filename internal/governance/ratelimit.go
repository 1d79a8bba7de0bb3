package governance

import (
	"math"
	"sync"
	"time"
)

// Limit is a token bucket setting. A zero Rate disables limiting.
type Limit struct {
	// Rate is the number of tokens added per second.
	Rate float64
	// Burst is the bucket capacity. Values below 1 default to 1.
	Burst int
}

// PerMinute returns a Limit admitting n operations per minute with a burst of n.
func PerMinute(n int) Limit {
	if n <= 0 {
		return Limit{}
	}
	return Limit{Rate: float64(n) / 60, Burst: n}
}

// Enabled reports whether the limit restricts anything.
func (l Limit) Enabled() bool {
	return l.Rate > 0
}

// RateLimiter implements token bucket rate limiting per key. Buckets are
// created on first use and share one Limit.
type RateLimiter struct {
	limit Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

// NewRateLimiter creates a limiter applying limit to every key.
func NewRateLimiter(limit Limit) *RateLimiter {
	if limit.Burst < 1 {
		limit.Burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

// Allow consumes a token for key. When the bucket is empty it returns false
// and the time until the next token is available. A nil or disabled limiter
// allows everything.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl == nil || !rl.limit.Enabled() {
		return true, 0
	}

	rl.mu.Lock()
	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = newTokenBucket(rl.limit, rl.now())
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()

	return bucket.take(rl.now())
}

// Stats returns the available tokens per key. A nil limiter has no buckets.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for key, bucket := range rl.buckets {
		stats[key] = bucket.stats(now)
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Rate      float64 `json:"rate"`
	BurstSize int     `json:"burst_size"`
	Available float64 `json:"available"`
}

// tokenBucket implements a token bucket algorithm for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64   // tokens per second
	capacity   float64   // maximum burst size
	tokens     float64   // current available tokens
	lastRefill time.Time // last time tokens were refilled
}

func newTokenBucket(limit Limit, now time.Time) *tokenBucket {
	return &tokenBucket{
		rate:       limit.Rate,
		capacity:   float64(limit.Burst),
		tokens:     float64(limit.Burst), // Start with full bucket
		lastRefill: now,
	}
}

// take attempts to consume one token from the bucket.
func (tb *tokenBucket) take(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	missing := 1.0 - tb.tokens
	wait := time.Duration(math.Ceil(missing / tb.rate * float64(time.Second)))
	return false, wait
}

// refill adds tokens to the bucket based on elapsed time.
func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.rate)
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)

	return RateLimitStats{
		Rate:      tb.rate,
		BurstSize: int(tb.capacity),
		Available: tb.tokens,
	}
}
