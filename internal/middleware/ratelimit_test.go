package middleware

import (
	"context"
	"testing"
	"time"
)

type steppedClock struct{ now time.Time }

func (c *steppedClock) Now() time.Time { return c.now }

func newTestLimiter(t *testing.T, perMinute int, opts ...RateLimiterOption) *RateLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rl := NewRateLimiter(ctx, perMinute, opts...)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiter_ExceedBudget(t *testing.T) {
	clock := &steppedClock{now: time.Unix(1700000000, 0)}
	rl := newTestLimiter(t, 3, WithRateLimiterClock(clock.Now))

	for i := range 3 {
		if !rl.RecordFailureAndAllow("10.0.0.1") {
			t.Fatalf("failure %d should be within budget", i+1)
		}
	}
	if rl.RecordFailureAndAllow("10.0.0.1") {
		t.Fatal("fourth failure should exceed budget")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	clock := &steppedClock{now: time.Unix(1700000000, 0)}
	rl := newTestLimiter(t, 1, WithRateLimiterClock(clock.Now))

	if !rl.RecordFailureAndAllow("10.0.0.1") {
		t.Fatal("first failure should be allowed")
	}
	if rl.RecordFailureAndAllow("10.0.0.1") {
		t.Fatal("second immediate failure should be denied")
	}

	clock.now = clock.now.Add(61 * time.Second)
	if !rl.RecordFailureAndAllow("10.0.0.1") {
		t.Fatal("failure after refill should be allowed")
	}
}

func TestRateLimiter_ClientsIndependent(t *testing.T) {
	rl := newTestLimiter(t, 1)

	rl.RecordFailureAndAllow("10.0.0.1")
	if !rl.RecordFailureAndAllow("10.0.0.2") {
		t.Fatal("a different client should have its own budget")
	}
}

func TestRateLimiter_DefaultBudget(t *testing.T) {
	rl := newTestLimiter(t, 0)
	if rl.perMinute != DefaultMaxFailuresPerMinute {
		t.Fatalf("perMinute = %d, want %d", rl.perMinute, DefaultMaxFailuresPerMinute)
	}
}

func TestRateLimiter_EvictsOldest(t *testing.T) {
	clock := &steppedClock{now: time.Unix(1700000000, 0)}
	rl := newTestLimiter(t, 5, WithRateLimiterClock(clock.Now), WithMaxTrackedClients(2))

	rl.RecordFailureAndAllow("a")
	clock.now = clock.now.Add(time.Second)
	rl.RecordFailureAndAllow("b")
	clock.now = clock.now.Add(time.Second)
	rl.RecordFailureAndAllow("c")

	if got := rl.Tracked(); got != 2 {
		t.Fatalf("Tracked() = %d, want 2", got)
	}
	rl.mu.Lock()
	_, hasA := rl.entries["a"]
	rl.mu.Unlock()
	if hasA {
		t.Fatal("oldest client should have been evicted")
	}
}

func TestRateLimiter_RemoveStale(t *testing.T) {
	clock := &steppedClock{now: time.Unix(1700000000, 0)}
	rl := newTestLimiter(t, 5, WithRateLimiterClock(clock.Now))

	rl.RecordFailureAndAllow("10.0.0.1")
	clock.now = clock.now.Add(staleThreshold + time.Second)
	rl.removeStale()

	if got := rl.Tracked(); got != 0 {
		t.Fatalf("Tracked() = %d, want 0 after sweep", got)
	}
}

func TestExtractIP(t *testing.T) {
	tests := map[string]string{
		"192.168.1.1:8080": "192.168.1.1",
		"[::1]:9090":       "::1",
		"10.0.0.1":         "10.0.0.1",
	}
	for in, want := range tests {
		if got := ExtractIP(in); got != want {
			t.Fatalf("ExtractIP(%q) = %q, want %q", in, got, want)
		}
	}
}
