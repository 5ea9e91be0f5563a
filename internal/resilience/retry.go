// Package resilience provides the bounded exponential backoff, adaptive
// circuit breaker, and rate limiter shared across the orchestration engine's
// external-dependency call sites (state store, worker dispatch, LLM calls,
// evaluator tool calls).
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Policy mirrors the retry/failure policy in spec.md §4.2 and §6: bounded
// exponential backoff with a configurable base delay, delay cap, and
// attempt ceiling; the delay doubles after each failed attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultSubtaskRetryPolicy matches spec.md §4.2's transient-failure policy:
// base 10s, doubled, capped at 60s, up to three attempts.
func DefaultSubtaskRetryPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: 60 * time.Second}
}

// DefaultVersionConflictPolicy matches spec.md §5's optimistic-lock retry:
// one attempt plus up to three retries, waiting 100ms, 200ms, 400ms.
func DefaultVersionConflictPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
}

// Retry executes fn with exponential backoff and full jitter. attempts <= 0
// returns the zero value without invoking fn.
func Retry[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, nil
	}
	cur := p.BaseDelay
	var lastErr error
	meter := otel.Meter("orchestrator")
	attemptCounter, _ := meter.Int64Counter("orchestrator_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("orchestrator_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("orchestrator_resilience_retry_fail_total")
	for i := 0; i < p.MaxAttempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == p.MaxAttempts-1 {
			break
		}
		if cur > p.MaxDelay {
			cur = p.MaxDelay
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}

// RetryFixed executes fn with the exact un-jittered exponential sequence
// (BaseDelay, BaseDelay*2, BaseDelay*4, ... capped at MaxDelay). Used for the
// version-counter optimistic-lock retry in spec.md §5, where the delay
// sequence itself is a testable property, unlike the jittered Retry used for
// transient subtask/worker/LLM failures.
func RetryFixed[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, nil
	}
	cur := p.BaseDelay
	var lastErr error
	for i := 0; i < p.MaxAttempts; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == p.MaxAttempts-1 {
			break
		}
		if cur > p.MaxDelay {
			cur = p.MaxDelay
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(cur):
		}
		cur *= 2
	}
	return zero, lastErr
}
