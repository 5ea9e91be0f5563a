package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter is a hybrid token-bucket and sliding-window limiter. The
// token bucket absorbs short bursts; the sliding window enforces a hard
// ceiling on requests per interval so a burst can't starve the next
// window. Used at the control-API boundary to bound subtask-submission and
// worker-registration rates per spec.md §6.
type RateLimiter struct {
	mu sync.Mutex

	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	windowSize  time.Duration
	windowLimit int
	windowStart time.Time
	windowCount int
}

// NewRateLimiter constructs a limiter with a token bucket of the given
// capacity refilled at refillRate tokens/sec, plus a hard cap of
// windowLimit requests per windowSize.
func NewRateLimiter(capacity float64, refillRate float64, windowSize time.Duration, windowLimit int) *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		capacity:    capacity,
		tokens:      capacity,
		refillRate:  refillRate,
		lastRefill:  now,
		windowSize:  windowSize,
		windowLimit: windowLimit,
		windowStart: now,
	}
}

// Allow is shorthand for AllowN(1).
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN reports whether n tokens may be consumed right now, consuming
// them if so.
func (r *RateLimiter) AllowN(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.refill(now)
	r.rollWindow(now)

	meter := otel.Meter("orchestrator")
	allowedCounter, _ := meter.Int64Counter("orchestrator_ratelimiter_allowed_total")
	rejectedCounter, _ := meter.Int64Counter("orchestrator_ratelimiter_rejected_total")

	if r.windowCount+n > r.windowLimit {
		rejectedCounter.Add(context.Background(), 1)
		return false
	}
	need := float64(n)
	if r.tokens < need {
		rejectedCounter.Add(context.Background(), 1)
		return false
	}
	r.tokens -= need
	r.windowCount += n
	allowedCounter.Add(context.Background(), 1)
	return true
}

// ReserveAfter reports how long the caller must wait before n tokens would
// be available, without consuming anything. A zero duration means the
// request may proceed immediately.
func (r *RateLimiter) ReserveAfter(n int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.refill(now)
	r.rollWindow(now)

	need := float64(n)
	if r.windowCount+n > r.windowLimit {
		return r.windowStart.Add(r.windowSize).Sub(now)
	}
	if r.tokens >= need {
		return 0
	}
	deficit := need - r.tokens
	return time.Duration(deficit/r.refillRate*1000) * time.Millisecond
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	r.lastRefill = now
}

func (r *RateLimiter) rollWindow(now time.Time) {
	if now.Sub(r.windowStart) >= r.windowSize {
		r.windowStart = now
		r.windowCount = 0
	}
}
