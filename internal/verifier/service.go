// Package verifier composes the authentication pipeline a relying party
// runs: challenge issuance, then rate limiting, revocation, structural
// checks, replay guarding and signature verification in a fixed order.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meld/authcore/internal/authchallenge"
	"meld/authcore/internal/chip"
	"meld/authcore/internal/platform/metrics"
	"meld/authcore/internal/platform/privacylog"
	"meld/authcore/internal/platform/ratelimiter"
	"meld/authcore/internal/platform/replayguard"
	"meld/authcore/internal/revocation"
)

const (
	StatusVerified = "verified"
	StatusRejected = "rejected"
)

// Decision is the pipeline verdict handed to transport handlers.
type Decision struct {
	Status     string                `json:"status"`
	Code       string                `json:"code,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	RetryAfter time.Duration         `json:"retry_after,omitempty"`
	Confidence revocation.Confidence `json:"revocation_confidence,omitempty"`
	Revocation *revocation.Entry     `json:"revocation,omitempty"`
}

type Config struct {
	RelyingPartyID string
	ChallengeTTL   time.Duration
	Limiter        ratelimiter.SlidingConfig
	Replay         replayguard.Config
	Logger         *slog.Logger
	Now            func() time.Time
}

// Service owns the per-chip state machines. One Service instance serves
// one relying party identity.
type Service struct {
	cfg      Config
	issuer   *authchallenge.Issuer
	registry *revocation.Registry
	limiter  *ratelimiter.SlidingLimiter
	guard    *replayguard.Guard
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, registry *revocation.Registry) (*Service, error) {
	if cfg.RelyingPartyID == "" {
		return nil, errors.New("relying party id is required")
	}
	if registry == nil {
		return nil, errors.New("revocation registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		cfg: cfg,
		issuer: authchallenge.NewIssuer(authchallenge.IssuerConfig{
			RelyingPartyID: cfg.RelyingPartyID,
			TTL:            cfg.ChallengeTTL,
			Now:            cfg.Now,
		}),
		registry: registry,
		limiter:  ratelimiter.NewSlidingLimiter(cfg.Limiter),
		guard:    replayguard.New(cfg.Replay),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Run starts the background sweeps until ctx ends.
func (s *Service) Run(ctx context.Context) {
	go s.limiter.Run(ctx)
	s.guard.Run(ctx)
}

// IssueChallenge mints a challenge for one tap. Issuance is throttled by
// the same per-chip limiter as verification so a stolen chip UID cannot
// farm unlimited challenges.
func (s *Service) IssueChallenge(chipUID, audience string) (authchallenge.Challenge, *Decision) {
	chipUID = chip.NormalizeUID(chipUID)
	now := s.now().UTC()

	if d := s.limiter.Allow("issue:"+chipUID, now); !d.Allowed {
		metrics.RateLimitDrop("challenge")
		return authchallenge.Challenge{}, &Decision{
			Status:     StatusRejected,
			Code:       string(authchallenge.RejectRateLimited),
			Reason:     "too many challenge requests",
			RetryAfter: d.RetryAfter,
		}
	}
	ch, err := s.issuer.Issue(chipUID, audience)
	if err != nil {
		return authchallenge.Challenge{}, &Decision{
			Status: StatusRejected,
			Code:   string(authchallenge.RejectSchemaInvalid),
			Reason: err.Error(),
		}
	}
	metrics.ChallengeIssued()
	s.logger.Info("challenge issued", privacylog.SanitizeArgs("chip_uid", chipUID, "jti", ch.ID)...)
	return ch, nil
}

// Request is one signed challenge presented for verification.
type Request struct {
	DID       string
	ChipUID   string
	Challenge authchallenge.Challenge
	Signature []byte
}

// Verify runs the full pipeline. Order is load-shedding first, crypto
// last: rate limit, revocation, structural validation, replay pre-check,
// signature, replay consume. The nonce burns only after a valid
// signature, so garbage traffic cannot invalidate an in-flight attempt.
func (s *Service) Verify(ctx context.Context, req Request) Decision {
	now := s.now().UTC()
	// The challenge subject is the chip identity the signature covers;
	// every gate below keys on it. The request-level chip_uid is only a
	// hint and must agree when present.
	chipUID := chip.NormalizeUID(req.Challenge.Subject)

	if d := s.limiter.Allow("verify:"+chipUID, now); !d.Allowed {
		metrics.RateLimitDrop("verify")
		return s.reject(chipUID, authchallenge.RejectRateLimited, "too many attempts", d.RetryAfter, "")
	}

	if presented := chip.NormalizeUID(req.ChipUID); presented != "" && presented != chipUID {
		return s.reject(chipUID, authchallenge.RejectSchemaInvalid,
			fmt.Sprintf("chip uid %q does not match the challenge subject", presented), 0, "")
	}

	entry, confidence := s.registry.IsRevoked(chipUID)
	if entry != nil {
		d := s.reject(chipUID, authchallenge.RejectRevoked, string(entry.Reason), 0, confidence)
		d.Revocation = entry
		return d
	}

	// The replay pre-check is non-consuming and runs before signature
	// verification, so replayed traffic never costs an ed25519 verify.
	// Envelopes missing the replay fields fall through to the structural
	// validation below.
	issuedAt := time.Unix(req.Challenge.IssuedAt, 0)
	if req.Challenge.Nonce != "" && req.Challenge.IssuedAt > 0 {
		if err := s.guard.Check(chipUID, req.Challenge.Nonce, issuedAt, now); err != nil {
			metrics.ReplayRejected()
			return s.reject(chipUID, authchallenge.RejectReplay, err.Error(), 0, confidence)
		}
	}

	if s.cfg.RelyingPartyID != "" && req.Challenge.Issuer != "" && req.Challenge.Issuer != s.cfg.RelyingPartyID {
		return s.reject(chipUID, authchallenge.RejectAudienceMismatch,
			fmt.Sprintf("challenge issued by %q", req.Challenge.Issuer), 0, confidence)
	}

	if err := authchallenge.Verify(authchallenge.VerifyRequest{
		DID:       req.DID,
		Challenge: req.Challenge,
		Signature: req.Signature,
		Now:       now,
		MaxTTL:    s.cfg.ChallengeTTL,
	}); err != nil {
		code, _ := authchallenge.RejectCodeOf(err)
		if code == "" {
			code = authchallenge.RejectSchemaInvalid
		}
		return s.reject(chipUID, code, err.Error(), 0, confidence)
	}

	// The nonce burns only after the signature held up.
	if err := s.guard.Consume(chipUID, req.Challenge.Nonce, issuedAt, now); err != nil {
		metrics.ReplayRejected()
		return s.reject(chipUID, authchallenge.RejectReplay, err.Error(), 0, confidence)
	}

	metrics.VerificationAccepted()
	s.logger.Info("authentication verified",
		privacylog.SanitizeArgs("chip_uid", chipUID, "did", req.DID, "confidence", string(confidence))...)
	return Decision{Status: StatusVerified, Confidence: confidence}
}

// RefreshRevocations triggers a registry sync, typically from an
// announcement or the periodic loop.
func (s *Service) RefreshRevocations(ctx context.Context) error {
	err := s.registry.Refresh(ctx)
	if err != nil {
		metrics.RefreshFailed()
		return err
	}
	metrics.RefreshSucceeded()
	metrics.SetRevocationListVersion(s.registry.Status().Version)
	return nil
}

func (s *Service) RevocationStatus() revocation.RegistryStatus {
	return s.registry.Status()
}

func (s *Service) reject(chipUID string, code authchallenge.RejectCode, reason string, retryAfter time.Duration, confidence revocation.Confidence) Decision {
	metrics.VerificationRejected(string(code))
	s.logger.Warn("authentication rejected",
		privacylog.SanitizeArgs("chip_uid", chipUID, "code", string(code), "reason", reason)...)
	return Decision{
		Status:     StatusRejected,
		Code:       string(code),
		Reason:     reason,
		RetryAfter: retryAfter,
		Confidence: confidence,
	}
}
