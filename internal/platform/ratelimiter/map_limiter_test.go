package ratelimiter

import (
	"testing"
	"time"
)

func TestMapLimiterBurstThenRefill(t *testing.T) {
	l := NewMapLimiter(1, 2, time.Minute)
	now := limiterClock

	if !l.Allow("192.0.2.1", now) || !l.Allow("192.0.2.1", now) {
		t.Fatal("burst of two must pass")
	}
	if l.Allow("192.0.2.1", now) {
		t.Fatal("third request at the same instant must be rejected")
	}
	if !l.Allow("192.0.2.1", now.Add(time.Second)) {
		t.Fatal("one token must refill after a second at 1 rps")
	}
}

func TestMapLimiterKeysAreIndependent(t *testing.T) {
	l := NewMapLimiter(1, 1, time.Minute)
	now := limiterClock

	if !l.Allow("192.0.2.1", now) {
		t.Fatal("first key must pass")
	}
	if l.Allow("192.0.2.1", now) {
		t.Fatal("first key bucket exhausted")
	}
	if !l.Allow("192.0.2.2", now) {
		t.Fatal("second key must have its own bucket")
	}
}

func TestMapLimiterInvalidConfigDisables(t *testing.T) {
	if l := NewMapLimiter(0, 10, time.Minute); l != nil {
		t.Fatal("zero rps must yield a nil limiter")
	}
	if l := NewMapLimiter(5, 0, time.Minute); l != nil {
		t.Fatal("zero burst must yield a nil limiter")
	}
	var l *MapLimiter
	for i := 0; i < 100; i++ {
		if !l.Allow("192.0.2.1", limiterClock) {
			t.Fatal("nil limiter must allow everything")
		}
	}
}

func TestMapLimiterEmptyKeyAllows(t *testing.T) {
	l := NewMapLimiter(1, 1, time.Minute)
	for i := 0; i < 10; i++ {
		if !l.Allow("  ", limiterClock) {
			t.Fatal("empty key must bypass limiting")
		}
	}
}
