// Package ratelimit limits events per key over one or more fixed time windows.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter counts events per key, e.g. authentication attempts per remote
// address. An event is allowed if the count for its key stays within the limit
// of every window.
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
}

// WindowLimit holds the counters for one window.
type WindowLimit struct {
	Window time.Duration
	Limit  int64
	Time   int64 // Time/Window, counts are for this window.
	Counts map[string]int64
}

// Add attempts to count n events for key at tm. If a window would exceed its
// limit, nothing is counted and false is returned. Counts are reset when tm is
// in a new window.
func (l *Limiter) Add(key string, tm time.Time, n int64) bool {
	return l.checkAdd(true, key, tm, n)
}

// CanAdd returns whether n events could be added for key.
func (l *Limiter) CanAdd(key string, tm time.Time, n int64) bool {
	return l.checkAdd(false, key, tm, n)
}

func (l *Limiter) checkAdd(add bool, key string, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	for i := range l.WindowLimits {
		wl := &l.WindowLimits[i]
		t := tm.UnixNano() / int64(wl.Window)
		if t > wl.Time || wl.Counts == nil {
			wl.Time = t
			wl.Counts = map[string]int64{}
		}
		if wl.Counts[key]+n > wl.Limit {
			return false
		}
	}
	if add {
		for _, wl := range l.WindowLimits {
			wl.Counts[key] += n
		}
	}
	return true
}

// Reset clears the counts for key in the windows that tm is in.
func (l *Limiter) Reset(key string, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	for _, wl := range l.WindowLimits {
		if tm.UnixNano()/int64(wl.Window) == wl.Time {
			delete(wl.Counts, key)
		}
	}
}
