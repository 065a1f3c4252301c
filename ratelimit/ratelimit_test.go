package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	l := &Limiter{
		WindowLimits: []WindowLimit{
			{Window: time.Minute, Limit: 2},
		},
	}

	check := func(exp bool, key string, tm time.Time, n int64) {
		t.Helper()
		ok := l.CanAdd(key, tm, n)
		if ok != exp {
			t.Fatalf("canadd, got %v, expected %v", ok, exp)
		}
		ok = l.Add(key, tm, n)
		if ok != exp {
			t.Fatalf("add, got %v, expected %v", ok, exp)
		}
	}

	now := time.UnixMilli((time.Now().UnixNano() / int64(time.Hour)) * int64(time.Hour) / int64(time.Millisecond))
	check(false, "10.0.0.1", now, 3) // Past limit.
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 2)
	check(true, "10.0.0.1", now, 1)
	check(false, "10.0.0.1", now, 1)
	check(true, "10.0.0.2", now, 2) // Other key.

	next := now.Add(time.Minute)
	check(true, "10.0.0.1", next, 2) // New window.
	l.Reset("10.0.0.1", next)
	check(true, "10.0.0.1", next, 2)

	// Reset for another window has no effect.
	l.Reset("10.0.0.1", now)
	check(false, "10.0.0.1", next, 1)

	l = &Limiter{
		WindowLimits: []WindowLimit{
			{Window: time.Minute, Limit: 1},
			{Window: time.Hour, Limit: 2},
		},
	}
	min1 := now
	min2 := min1.Add(time.Minute)
	min3 := min1.Add(2 * time.Minute)
	check(true, "a", min1, 1)
	check(false, "a", min1, 1) // Minute full.
	check(true, "a", min2, 1)
	check(false, "a", min3, 1) // Hour full.
	check(true, "b", min3, 1)
}
