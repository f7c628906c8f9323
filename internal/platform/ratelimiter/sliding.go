package ratelimiter

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SlidingConfig is the per-identity throttling policy: at most
// MaxRequests inside Window, never two accepted requests closer than
// MinSpacing.
type SlidingConfig struct {
	Window      time.Duration
	MaxRequests int
	MinSpacing  time.Duration
}

func DefaultSlidingConfig() SlidingConfig {
	return SlidingConfig{
		Window:      time.Minute,
		MaxRequests: 10,
		MinSpacing:  time.Second,
	}
}

// Decision reports the outcome of one admission check. RetryAfter is a
// hint, not a guarantee of admission.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// SlidingLimiter keeps accepted-request timestamps per key inside the
// window. Rejected requests do not count against the quota.
type SlidingLimiter struct {
	cfg   SlidingConfig
	mu    sync.Mutex
	byKey map[string]*windowEntry
	hits  uint64
}

type windowEntry struct {
	accepted []time.Time
}

func NewSlidingLimiter(cfg SlidingConfig) *SlidingLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultSlidingConfig().Window
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultSlidingConfig().MaxRequests
	}
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}
	return &SlidingLimiter{
		cfg:   cfg,
		byKey: make(map[string]*windowEntry),
	}
}

// Allow admits or rejects one request for the key at now.
func (l *SlidingLimiter) Allow(key string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &windowEntry{}
		l.byKey[key] = e
	}
	cutoff := now.Add(-l.cfg.Window)
	e.accepted = trimBefore(e.accepted, cutoff)

	if n := len(e.accepted); n > 0 {
		last := e.accepted[n-1]
		if spacing := now.Sub(last); spacing < l.cfg.MinSpacing {
			return Decision{RetryAfter: l.cfg.MinSpacing - spacing}
		}
	}
	if len(e.accepted) >= l.cfg.MaxRequests {
		// Quota frees up when the oldest accepted request leaves the window.
		return Decision{RetryAfter: e.accepted[0].Add(l.cfg.Window).Sub(now)}
	}

	e.accepted = append(e.accepted, now)

	l.hits++
	if l.hits%512 == 0 {
		l.evictLocked(cutoff)
	}
	return Decision{Allowed: true}
}

// Run sweeps empty windows on a ticker until ctx is cancelled.
func (l *SlidingLimiter) Run(ctx context.Context) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			l.evictLocked(now.Add(-l.cfg.Window))
			l.mu.Unlock()
		}
	}
}

func (l *SlidingLimiter) evictLocked(cutoff time.Time) {
	for k, e := range l.byKey {
		e.accepted = trimBefore(e.accepted, cutoff)
		if len(e.accepted) == 0 {
			delete(l.byKey, k)
		}
	}
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(ts) && !ts[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return ts
	}
	return append(ts[:0], ts[idx:]...)
}
