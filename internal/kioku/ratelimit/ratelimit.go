// Package ratelimit enforces the per-user cap on agent invocations.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultMaxRequests is the number of agent calls allowed per user per
	// window when no explicit limit is configured.
	DefaultMaxRequests = 10

	// defaultWindow is the sliding window duration.
	defaultWindow = time.Minute
)

// Limiter enforces a per-user sliding-window limit.
//
// It holds the request timestamps for each user within the current window
// and prunes stale entries on every Allow call, keeping memory bounded to
// O(limit) entries per active user. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[int64][]time.Time
}

// New returns a Limiter that allows at most limit requests per user within
// window. Non-positive arguments fall back to the defaults.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultMaxRequests
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &Limiter{
		limit:    limit,
		window:   window,
		counters: make(map[int64][]time.Time),
	}
}

// Allow reports whether the user may proceed and records the request when
// permitted. On denial it returns how long until a slot frees up.
func (l *Limiter) Allow(userID int64) (bool, time.Duration) {
	return l.allowAt(userID, time.Now())
}

// allowAt is the time-injectable core of Allow (for testing).
func (l *Limiter) allowAt(userID int64, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)

	existing := l.counters[userID]
	valid := existing[:0] // reuse backing array
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.limit {
		l.counters[userID] = valid
		// The oldest surviving timestamp is the next to expire.
		return false, valid[0].Sub(cutoff)
	}

	l.counters[userID] = append(valid, now)
	return true, 0
}

// Remaining returns the number of requests the user can still make within
// the current window.
func (l *Limiter) Remaining(userID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	count := 0
	for _, t := range l.counters[userID] {
		if t.After(cutoff) {
			count++
		}
	}
	rem := l.limit - count
	if rem < 0 {
		return 0
	}
	return rem
}

// Hint renders a denial as a message suitable for sending back to the user.
func Hint(retryIn time.Duration) string {
	retryIn = retryIn.Round(time.Second)
	if retryIn < time.Second {
		retryIn = time.Second
	}
	return fmt.Sprintf("Rate limit reached. Please try again in %s.", retryIn)
}
