// Package replayguard tracks consumed challenge nonces per chip so a
// captured response can never be accepted twice.
package replayguard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNonceReplayed = errors.New("nonce already consumed for this chip")
	ErrNonceExpired  = errors.New("nonce is older than the replay window")
	ErrInvalidNonce  = errors.New("nonce is required")
)

// Config bounds how long nonce state is held. Nonces older than MaxAge
// are rejected outright, so records can be dropped on the same horizon.
type Config struct {
	MaxAge        time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAge:        5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// record is the per-chip replay state.
type record struct {
	consumed       map[string]time.Time
	lastNonce      string
	lastSeen       time.Time
	challengeCount int
}

// Guard is safe for concurrent use. Locking is per guard, not per chip;
// the critical sections are map lookups and stay short.
type Guard struct {
	cfg    Config
	mu     sync.Mutex
	byChip map[string]*record
	hits   uint64
}

func New(cfg Config) *Guard {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultConfig().MaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Guard{cfg: cfg, byChip: make(map[string]*record)}
}

// Check reports whether a (chip, nonce) pair would be admissible without
// consuming it. Used as the cheap pre-crypto gate.
func (g *Guard) Check(chipUID, nonce string, issuedAt, now time.Time) error {
	chipUID, nonce = strings.TrimSpace(chipUID), strings.TrimSpace(nonce)
	if nonce == "" {
		return ErrInvalidNonce
	}
	if now.Sub(issuedAt) > g.cfg.MaxAge {
		return ErrNonceExpired
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.byChip[chipUID]; ok {
		if _, seen := rec.consumed[nonce]; seen {
			return ErrNonceReplayed
		}
	}
	return nil
}

// Consume marks a nonce as used. Must be called after the signature
// verifies and before the attempt is accepted; the second Consume for the
// same pair fails even if every other check passed.
func (g *Guard) Consume(chipUID, nonce string, issuedAt, now time.Time) error {
	chipUID, nonce = strings.TrimSpace(chipUID), strings.TrimSpace(nonce)
	if nonce == "" {
		return ErrInvalidNonce
	}
	if now.Sub(issuedAt) > g.cfg.MaxAge {
		return ErrNonceExpired
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.byChip[chipUID]
	if !ok {
		rec = &record{consumed: make(map[string]time.Time)}
		g.byChip[chipUID] = rec
	}
	if _, seen := rec.consumed[nonce]; seen {
		return ErrNonceReplayed
	}
	rec.consumed[nonce] = now
	rec.lastNonce = nonce
	rec.lastSeen = now
	rec.challengeCount++

	g.hits++
	if g.hits%512 == 0 {
		g.evictLocked(now)
	}
	return nil
}

// ChallengeCount returns how many challenges a chip has consumed inside
// the retention window.
func (g *Guard) ChallengeCount(chipUID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.byChip[strings.TrimSpace(chipUID)]; ok {
		return rec.challengeCount
	}
	return 0
}

// Run evicts expired records on a ticker until ctx is cancelled. Uses the
// same lock as live requests.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.mu.Lock()
			g.evictLocked(now)
			g.mu.Unlock()
		}
	}
}

func (g *Guard) evictLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.MaxAge)
	for chip, rec := range g.byChip {
		for nonce, at := range rec.consumed {
			if at.Before(cutoff) {
				delete(rec.consumed, nonce)
			}
		}
		if len(rec.consumed) == 0 && rec.lastSeen.Before(cutoff) {
			delete(g.byChip, chip)
		}
	}
}
