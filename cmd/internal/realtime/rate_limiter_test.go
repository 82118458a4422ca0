package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_WindowSlides(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d rejected inside limit", i)
		}
	}
	if rl.Allow(now.Add(3 * time.Second)) {
		t.Fatalf("fourth event allowed inside window")
	}

	// Oldest stamp falls out of the window.
	if !rl.Allow(now.Add(11 * time.Second)) {
		t.Fatalf("event rejected after window slid")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults = %d/%v", rl.limit, rl.window)
	}
}
