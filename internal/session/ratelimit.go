package session

import (
	"net/netip"
	"time"
)

// fragmentRateLimiter caps the IPv4 fragments accepted per source address
// within a fixed window of capture time. A nil limiter allows everything.
type fragmentRateLimiter struct {
	counts      map[netip.Addr]int
	windowStart time.Time
	windowSize  time.Duration
	max         int
	rejected    int64
}

func newFragmentRateLimiter(maxPerWindow int, window time.Duration) *fragmentRateLimiter {
	if maxPerWindow <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &fragmentRateLimiter{
		counts:     make(map[netip.Addr]int),
		windowSize: window,
		max:        maxPerWindow,
	}
}

// Allow reports whether another fragment from src is accepted at now.
func (l *fragmentRateLimiter) Allow(src netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.windowSize {
		clear(l.counts)
		l.windowStart = now
	}
	l.counts[src]++
	if l.counts[src] > l.max {
		l.rejected++
		return false
	}
	return true
}

// Rejected returns the number of fragments refused so far.
func (l *fragmentRateLimiter) Rejected() int64 {
	if l == nil {
		return 0
	}
	return l.rejected
}
