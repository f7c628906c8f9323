package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meld/authcore/internal/distribution"
	"meld/authcore/internal/storage"
)

// Confidence qualifies an IsRevoked answer by the freshness of the list
// it was computed from.
type Confidence string

const (
	// ConfidenceFresh: the list was synced within the staleness window.
	ConfidenceFresh Confidence = "fresh"
	// ConfidenceDegraded: answers come from a stale or cached list. A
	// verifier must keep answering, but callers may apply stricter
	// policy.
	ConfidenceDegraded Confidence = "degraded"
)

const cacheKey = "revocation/current-list"

type RegistryConfig struct {
	// Channel is the distribution channel the authority publishes on.
	Channel string
	// StaleWindow bounds how old a synced list may be before answers
	// degrade. Zero means 24h.
	StaleWindow time.Duration
	// FetchTimeout bounds one refresh round trip. Zero means 15s.
	FetchTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Registry answers "is this chip revoked" from an in-memory index that
// is never locked across I/O. Refresh pulls the latest published list,
// verifies it against the trust bundle, and persists it through the KV
// cache so restarts begin from the last known good state.
type Registry struct {
	cfg    RegistryConfig
	bundle TrustBundle
	store  distribution.Store
	cache  storage.KV
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	current   List
	byChip    map[string]*Entry
	fetchedAt time.Time

	flightMu sync.Mutex
	inflight *refreshCall
}

type refreshCall struct {
	done chan struct{}
	err  error
}

func NewRegistry(cfg RegistryConfig, bundle TrustBundle, store distribution.Store, cache storage.KV) (*Registry, error) {
	if cfg.Channel == "" {
		return nil, distribution.ErrChannelRequired
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("distribution store is required")
	}
	if cache == nil {
		cache = storage.NewMemory()
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 24 * time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry{
		cfg:    cfg,
		bundle: bundle,
		store:  store,
		cache:  cache,
		logger: cfg.Logger,
		now:    cfg.Now,
		byChip: make(map[string]*Entry),
	}
	r.loadCached()
	return r, nil
}

// loadCached restores the last persisted list. Cached state passes the
// same verification as fetched state; a tampered cache is discarded.
func (r *Registry) loadCached() {
	raw, err := r.cache.Get(cacheKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("revocation cache read failed", "reason", err.Error())
		}
		return
	}
	l, err := r.verifyRaw(raw)
	if err != nil {
		r.logger.Warn("revocation cache rejected", "reason", err.Error())
		_ = r.cache.Delete(cacheKey)
		return
	}
	r.mu.Lock()
	r.current = l
	r.byChip = l.Lookup()
	r.mu.Unlock()
	r.logger.Info("revocation list restored from cache", "version", l.Version, "entries", len(l.Entries))
}

// IsRevoked is the hot-path check: map lookup under a read lock, never
// blocked by a concurrent Refresh. The entry is nil when the chip is not
// revoked.
func (r *Registry) IsRevoked(chipUID string) (*Entry, Confidence) {
	r.mu.RLock()
	entry := r.byChip[chipUID]
	fetchedAt := r.fetchedAt
	r.mu.RUnlock()
	return entry, r.confidence(fetchedAt)
}

func (r *Registry) confidence(fetchedAt time.Time) Confidence {
	if fetchedAt.IsZero() {
		return ConfidenceDegraded
	}
	if r.now().Sub(fetchedAt) > r.cfg.StaleWindow {
		return ConfidenceDegraded
	}
	return ConfidenceFresh
}

// Refresh syncs the latest published list. Concurrent callers coalesce
// onto one fetch; every waiter gets that fetch's result. On failure the
// previous list stays in effect.
func (r *Registry) Refresh(ctx context.Context) error {
	r.flightMu.Lock()
	if call := r.inflight; call != nil {
		r.flightMu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	r.inflight = call
	r.flightMu.Unlock()

	call.err = r.refresh(ctx)
	close(call.done)

	r.flightMu.Lock()
	r.inflight = nil
	r.flightMu.Unlock()
	return call.err
}

func (r *Registry) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	handle, err := r.store.Latest(ctx, r.cfg.Channel)
	if err != nil {
		r.logger.Warn("revocation refresh failed", "stage", "latest", "reason", err.Error())
		return fmt.Errorf("resolve latest revocation list: %w", err)
	}

	r.mu.RLock()
	currentHandle := r.current.CID
	r.mu.RUnlock()
	if handle == currentHandle && currentHandle != "" {
		r.markFetched()
		return nil
	}

	raw, err := r.store.Fetch(ctx, handle)
	if err != nil {
		r.logger.Warn("revocation refresh failed", "stage", "fetch", "handle", handle, "reason", err.Error())
		return fmt.Errorf("fetch revocation list: %w", err)
	}
	l, err := r.verifyRaw(raw)
	if err != nil {
		r.logger.Warn("revocation list rejected", "handle", handle, "reason", err.Error())
		return err
	}
	l.CID = handle

	r.mu.Lock()
	if l.Version < r.current.Version {
		cur := r.current.Version
		r.mu.Unlock()
		return &VerifyError{Code: RejectVersionReplay, Err: fmt.Errorf("fetched version %d < current %d", l.Version, cur)}
	}
	r.current = l
	r.byChip = l.Lookup()
	r.fetchedAt = r.now()
	r.mu.Unlock()

	if err := r.cache.Set(cacheKey, raw); err != nil {
		r.logger.Warn("revocation cache write failed", "reason", err.Error())
	}
	r.logger.Info("revocation list updated", "version", l.Version, "entries", len(l.Entries), "handle", handle)
	return nil
}

func (r *Registry) markFetched() {
	r.mu.Lock()
	r.fetchedAt = r.now()
	r.mu.Unlock()
}

func (r *Registry) verifyRaw(raw []byte) (List, error) {
	l, err := ParseStrict(raw)
	if err != nil {
		return List{}, err
	}
	if err := VerifyListSignature(r.bundle, l, r.now()); err != nil {
		return List{}, err
	}
	return l, nil
}

// Run refreshes on the given interval until the context ends. Errors are
// logged, not fatal: the registry keeps serving the last known good
// list.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("periodic revocation refresh failed", "reason", err.Error())
			}
		}
	}
}

// Status is the operator-facing snapshot served on the status endpoint.
type RegistryStatus struct {
	Version    int        `json:"version"`
	Entries    int        `json:"entries"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FetchedAt  time.Time  `json:"fetched_at,omitempty"`
	Handle     string     `json:"handle,omitempty"`
	Confidence Confidence `json:"confidence"`
}

func (r *Registry) Status() RegistryStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStatus{
		Version:    r.current.Version,
		Entries:    len(r.current.Entries),
		UpdatedAt:  r.current.UpdatedAt,
		FetchedAt:  r.fetchedAt,
		Handle:     r.current.CID,
		Confidence: r.confidence(r.fetchedAt),
	}
}

// MarshalStatus is a convenience for handlers.
func (r *Registry) MarshalStatus() ([]byte, error) {
	return json.Marshal(r.Status())
}
