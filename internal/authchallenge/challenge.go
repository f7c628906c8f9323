// Package authchallenge implements the MELD challenge–response protocol:
// a verifier issues a short-lived nonced challenge bound to a chip, the
// holder signs it with the key re-derived from the master seed, and the
// verifier checks structure, freshness, signature and replay state.
package authchallenge

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// ChallengeType tags the wire format version.
	ChallengeType = "meld/auth-challenge-v1"
	// Algorithm is the only signature suite the protocol accepts.
	Algorithm = "Ed25519"
	// DefaultTTL bounds a challenge with no explicit expiry.
	DefaultTTL = 60 * time.Second
	// nonce carries 128 bits of entropy, hex encoded.
	nonceBytes = 16
)

var (
	ErrIssuerClosed   = errors.New("challenge issuer is closed")
	ErrInvalidChipUID = errors.New("chip uid is required")
)

// Challenge is the structured payload the holder signs. The detached
// signature covers the canonical inner message rebuilt from iss, sub,
// nonce and iat; exp and aud stay outside it and are validated
// structurally.
type Challenge struct {
	ID        string `json:"jti"`
	Type      string `json:"typ"`
	Alg       string `json:"alg"`
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Audience  string `json:"aud,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Nonce     string `json:"nonce"`
	Challenge string `json:"challenge"`
}

// SigningMessage rebuilds the canonical inner message from the envelope
// fields. Signing and verification both use this reconstruction, never
// the presented Challenge text, so iss, sub, nonce and iat cannot be
// swapped without invalidating the signature.
func (c Challenge) SigningMessage() []byte {
	return []byte(fmt.Sprintf("meld.auth.v1|iss=%s|sub=%s|nonce=%s|iat=%d",
		c.Issuer, c.Subject, c.Nonce, c.IssuedAt))
}

// ExpiryOrDefault applies the default-TTL rule for challenges missing an
// explicit expiry.
func (c Challenge) ExpiryOrDefault() time.Time {
	if c.ExpiresAt > 0 {
		return time.Unix(c.ExpiresAt, 0)
	}
	return time.Unix(c.IssuedAt, 0).Add(DefaultTTL)
}

// IssuerConfig carries the constructor-injected knobs; zero values fall
// back to protocol defaults.
type IssuerConfig struct {
	RelyingPartyID string
	TTL            time.Duration
	Now            func() time.Time
}

// Issuer mints single-use challenges. It keeps no per-challenge state;
// single-use enforcement is the replay guard's job.
type Issuer struct {
	mu     sync.Mutex
	cfg    IssuerConfig
	closed bool
}

func NewIssuer(cfg IssuerConfig) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{cfg: cfg}
}

// Issue creates a challenge for one authentication attempt against the
// given chip.
func (i *Issuer) Issue(chipUID, audience string) (Challenge, error) {
	chipUID = strings.TrimSpace(chipUID)
	if chipUID == "" {
		return Challenge{}, ErrInvalidChipUID
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return Challenge{}, ErrIssuerClosed
	}

	nonce, err := newNonce()
	if err != nil {
		return Challenge{}, err
	}
	now := i.cfg.Now().UTC()
	ch := Challenge{
		ID:        uuid.NewString(),
		Type:      ChallengeType,
		Alg:       Algorithm,
		Issuer:    i.cfg.RelyingPartyID,
		Subject:   chipUID,
		Audience:  audience,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.cfg.TTL).Unix(),
		Nonce:     nonce,
	}
	// Human-auditable copy of the inner message; everything a signer
	// should be able to read before approving.
	ch.Challenge = string(ch.SigningMessage())
	return ch, nil
}

func (i *Issuer) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
