package resilience

import (
	"testing"
	"time"
)

func TestRateLimiterBasic(t *testing.T) {
	rl := NewRateLimiter(5, 5, time.Second, 10)
	for i := 0; i < 5; i++ {
		if !rl.Allow() {
			t.Fatalf("expected allow %d", i)
		}
	}
	if rl.Allow() {
		t.Fatalf("expected deny after capacity")
	}
	time.Sleep(1100 * time.Millisecond)
	if !rl.Allow() {
		t.Fatalf("expected allow after refill")
	}
}

func TestRateLimiterWindowCapOverridesTokens(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Minute, 2)
	if !rl.Allow() || !rl.Allow() {
		t.Fatalf("expected first two requests within the window cap to pass")
	}
	if rl.Allow() {
		t.Fatalf("expected the third request to be denied by the hard window cap despite token headroom")
	}
}

func TestRateLimiterReserveAfter(t *testing.T) {
	rl := NewRateLimiter(1, 1, time.Minute, 10)
	if d := rl.ReserveAfter(1); d != 0 {
		t.Fatalf("expected no wait with a full bucket, got %s", d)
	}
	rl.Allow()
	if d := rl.ReserveAfter(1); d <= 0 {
		t.Fatalf("expected a positive wait once the bucket is drained, got %s", d)
	}
}

func TestCircuitBreakerAdaptive(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 4, 4, 0.5, 500*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("should allow while closed")
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("should be open and deny")
	}
	if cb.State() != "open" {
		t.Fatalf("expected open state, got %s", cb.State())
	}
	time.Sleep(600 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("half-open probe should allow")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatalf("second probe should allow")
	}
	cb.RecordResult(true)
	if cb.State() != "closed" {
		t.Fatalf("expected closed state after successful probes, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(2*time.Second, 4, 4, 0.5, 200*time.Millisecond, 2)
	for i := 0; i < 4; i++ {
		cb.Allow()
		cb.RecordResult(false)
	}
	time.Sleep(300 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected half-open probe to be allowed")
	}
	cb.RecordResult(false)
	if cb.State() != "open" {
		t.Fatalf("expected a failed half-open probe to reopen the breaker, got %s", cb.State())
	}
}
