package revocation

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meld/authcore/internal/chip"
	"meld/authcore/internal/distribution"
)

var (
	ErrAlreadyRevoked = errors.New("chip is already revoked")
	ErrInvalidChipUID = errors.New("invalid chip uid")
)

// Authority holds the active signing key and the current list state, and
// publishes every new list version to the distribution channel. One
// Authority instance owns one channel; concurrent Revoke calls serialize
// on the internal mutex so versions never fork.
type Authority struct {
	mu      sync.Mutex
	keyID   string
	signKey ed25519.PrivateKey
	store   distribution.Store
	channel string
	logger  *slog.Logger
	now     func() time.Time

	list List
}

type AuthorityConfig struct {
	KeyID      string
	SigningKey ed25519.PrivateKey
	Store      distribution.Store
	Channel    string
	Logger     *slog.Logger
	Now        func() time.Time
}

func NewAuthority(cfg AuthorityConfig) (*Authority, error) {
	if cfg.KeyID == "" {
		return nil, errors.New("authority key id is required")
	}
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, errors.New("authority signing key must be ed25519")
	}
	if cfg.Store == nil {
		return nil, errors.New("distribution store is required")
	}
	if cfg.Channel == "" {
		return nil, distribution.ErrChannelRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authority{
		keyID:   cfg.KeyID,
		signKey: cfg.SigningKey,
		store:   cfg.Store,
		channel: cfg.Channel,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}, nil
}

// Resume adopts a previously published list so the version counter
// continues instead of restarting at 1. The list must already carry this
// authority's key id.
func (a *Authority) Resume(l List) error {
	if l.KeyID != a.keyID {
		return fmt.Errorf("list is signed by %q, authority key is %q", l.KeyID, a.keyID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if l.Version <= a.list.Version {
		return &VerifyError{Code: RejectVersionReplay, Err: fmt.Errorf("resume version %d <= current %d", l.Version, a.list.Version)}
	}
	a.list = l
	return nil
}

// Revoke appends an entry for the chip, bumps the list version, re-signs
// and publishes. Returns the content handle of the published list.
func (a *Authority) Revoke(ctx context.Context, chipUID string, reason Reason, newChipUID string) (string, error) {
	normalized := chip.NormalizeUID(chipUID)
	if !chip.ValidUID(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChipUID, chipUID)
	}
	if !reason.Valid() {
		return "", fmt.Errorf("unknown revocation reason %q", reason)
	}
	if reason == ReasonRotation {
		newChipUID = chip.NormalizeUID(newChipUID)
		if !chip.ValidUID(newChipUID) {
			return "", fmt.Errorf("%w: rotation successor %q", ErrInvalidChipUID, newChipUID)
		}
	} else if newChipUID != "" {
		return "", errors.New("new_chip_uid is only valid with the rotation reason")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range a.list.Entries {
		if e.ChipUID == normalized {
			return "", fmt.Errorf("%w: %s", ErrAlreadyRevoked, normalized)
		}
	}

	entry := Entry{
		ChipUID:    normalized,
		RevokedAt:  a.now().UTC(),
		Reason:     reason,
		NewChipUID: newChipUID,
	}
	entry.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(a.signKey, entrySigningBytes(entry)))

	next := a.list
	next.Entries = append(append([]Entry(nil), a.list.Entries...), entry)
	next.Version++
	next.UpdatedAt = a.now().UTC()
	next.KeyID = a.keyID
	next.CID = ""

	handle, err := a.signAndPublishLocked(ctx, &next)
	if err != nil {
		return "", err
	}
	a.list = next
	a.logger.Info("chip revoked",
		"reason", string(reason),
		"version", next.Version,
		"entries", len(next.Entries),
		"handle", handle,
	)
	return handle, nil
}

// Rotate revokes the old chip and records its successor in one entry.
func (a *Authority) Rotate(ctx context.Context, oldChipUID, newChipUID string) (string, error) {
	return a.Revoke(ctx, oldChipUID, ReasonRotation, newChipUID)
}

func (a *Authority) signAndPublishLocked(ctx context.Context, l *List) (string, error) {
	payload, err := CanonicalPayload(*l)
	if err != nil {
		return "", err
	}
	l.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(a.signKey, payload))

	raw, err := marshalList(*l)
	if err != nil {
		return "", err
	}
	handle, err := a.store.Publish(ctx, a.channel, raw)
	if err != nil {
		return "", fmt.Errorf("publish revocation list: %w", err)
	}
	l.CID = handle
	return handle, nil
}

func marshalList(l List) ([]byte, error) {
	// CID is derived from the published bytes, so it cannot be part of
	// them.
	l.CID = ""
	return json.Marshal(l)
}

// List returns a copy of the current state.
func (a *Authority) List() List {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.list
	out.Entries = append([]Entry(nil), a.list.Entries...)
	return out
}
