package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterCap(t *testing.T) {
	t.Parallel()
	l := New(100, 15*time.Minute)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 100; i++ {
		res := l.Allow("198.51.100.7", now.Add(time.Duration(i)*time.Second))
		if !res.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		if res.Limit != 100 {
			t.Fatalf("Limit = %d, want 100", res.Limit)
		}
	}

	res := l.Allow("198.51.100.7", now.Add(101*time.Second))
	if res.Allowed {
		t.Fatal("101st request allowed, want denied")
	}
	if res.RetryAfter <= 0 || res.RetryAfter >= 15*time.Minute {
		t.Fatalf("RetryAfter = %v, want within (0, 15m)", res.RetryAfter)
	}

	// A different source in the same window has its own budget.
	other := l.Allow("203.0.113.9", now.Add(101*time.Second))
	if !other.Allowed {
		t.Fatal("different IP denied, want allowed")
	}
}

func TestLimiterWindowReset(t *testing.T) {
	t.Parallel()
	l := New(2, time.Minute)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	l.Allow("k", now)
	l.Allow("k", now)
	if l.Allow("k", now).Allowed {
		t.Fatal("third request inside window allowed")
	}
	if !l.Allow("k", now.Add(time.Minute)).Allowed {
		t.Fatal("request after window expiry denied")
	}
}

func TestLimiterRemainingCounts(t *testing.T) {
	t.Parallel()
	l := New(3, time.Minute)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	for i, want := range []int{2, 1, 0} {
		res := l.Allow("k", now)
		if res.Remaining != want {
			t.Fatalf("request %d Remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}
}

func TestSweepEvictsExpiredWindows(t *testing.T) {
	t.Parallel()
	l := New(5, time.Minute)
	now := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	l.Allow("a", now)
	l.Allow("b", now.Add(30*time.Second))
	l.sweep(now.Add(70 * time.Second))

	l.mu.Lock()
	_, aAlive := l.windows["a"]
	_, bAlive := l.windows["b"]
	l.mu.Unlock()

	if aAlive {
		t.Error("expired window for a survived the sweep")
	}
	if !bAlive {
		t.Error("live window for b was evicted")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	l := New(1, time.Minute)
	l.Start()
	l.Start()
	l.Stop()

	// Stop without Start must not panic.
	fresh := New(1, time.Minute)
	fresh.Stop()
}
