package ratelimit

import (
	"strings"
	"testing"
	"time"
)

var base = time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)

func TestAllowsUpToLimit(t *testing.T) {
	const limit = 5
	l := New(limit, time.Minute)

	for i := 0; i < limit; i++ {
		if ok, _ := l.Allow(42); !ok {
			t.Fatalf("Allow returned false on call %d/%d (expected true)", i+1, limit)
		}
	}
	if ok, _ := l.Allow(42); ok {
		t.Error("Allow returned true after limit was exhausted; expected false")
	}
}

func TestIndependentPerUser(t *testing.T) {
	l := New(2, time.Minute)

	l.Allow(1)
	l.Allow(1)
	if ok, _ := l.Allow(1); ok {
		t.Error("user 1 should be rate-limited")
	}
	if ok, _ := l.Allow(2); !ok {
		t.Error("user 2 should not be rate-limited (independent user)")
	}
}

func TestWindowExpiry(t *testing.T) {
	l := New(1, time.Minute)

	if ok, _ := l.allowAt(7, base); !ok {
		t.Fatal("first call should be allowed")
	}
	if ok, _ := l.allowAt(7, base.Add(30*time.Second)); ok {
		t.Fatal("second call within window should be rejected")
	}
	if ok, _ := l.allowAt(7, base.Add(61*time.Second)); !ok {
		t.Error("call after window expiry should be allowed again")
	}
}

func TestDeniedReturnsWait(t *testing.T) {
	l := New(1, time.Minute)

	l.allowAt(7, base)
	ok, wait := l.allowAt(7, base.Add(15*time.Second))
	if ok {
		t.Fatal("expected denial")
	}
	// The slot frees when the first request leaves the window at base+60s,
	// i.e. 45s from now.
	if wait != 45*time.Second {
		t.Errorf("wait = %v, want 45s", wait)
	}
}

func TestDefaults(t *testing.T) {
	l := New(0, 0)

	for i := 0; i < DefaultMaxRequests; i++ {
		if ok, _ := l.Allow(9); !ok {
			t.Fatalf("Allow returned false on call %d (default limit %d)", i+1, DefaultMaxRequests)
		}
	}
	if ok, _ := l.Allow(9); ok {
		t.Errorf("Allow returned true after default limit (%d) was exhausted", DefaultMaxRequests)
	}
}

func TestRemaining(t *testing.T) {
	l := New(5, time.Minute)

	if got := l.Remaining(3); got != 5 {
		t.Errorf("Remaining before any calls: got %d, want 5", got)
	}
	l.Allow(3)
	l.Allow(3)
	if got := l.Remaining(3); got != 3 {
		t.Errorf("Remaining after 2 calls: got %d, want 3", got)
	}
}

func TestHint(t *testing.T) {
	got := Hint(42*time.Second + 300*time.Millisecond)
	if !strings.Contains(got, "42s") {
		t.Errorf("Hint = %q, want it to mention 42s", got)
	}
	if got := Hint(0); !strings.Contains(got, "1s") {
		t.Errorf("Hint(0) = %q, should floor at 1s", got)
	}
}

func TestConcurrentSafety(t *testing.T) {
	l := New(100, time.Minute)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			for j := 0; j < 20; j++ {
				l.Allow(1)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}
