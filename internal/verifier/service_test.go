package verifier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"meld/authcore/internal/authchallenge"
	"meld/authcore/internal/didkey"
	"meld/authcore/internal/distribution"
	"meld/authcore/internal/identity"
	"meld/authcore/internal/platform/ratelimiter"
	"meld/authcore/internal/revocation"
)

var svcClock = time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)

const testChipUID = "04:D6:94:82:FA:2C:81"

type testEnv struct {
	svc       *Service
	authority *revocation.Authority
	registry  *revocation.Registry
	device    identity.DeviceIdentity
	now       *time.Time
}

func newTestEnv(t *testing.T, limiter ratelimiter.SlidingConfig) *testEnv {
	t.Helper()

	rootPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	authorityPub, authorityPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate authority key: %v", err)
	}
	bundle := revocation.TrustBundle{
		Version:     1,
		BundleID:    "bundle-1",
		GeneratedAt: svcClock.Add(-time.Hour),
		RootKeys: []revocation.RootKey{
			{KeyID: "root-1", Algorithm: "ed25519", PublicKeyBase64: base64.StdEncoding.EncodeToString(rootPub)},
		},
		AuthorityKeys: []revocation.AuthorityKey{
			{
				KeyID:           "authority-1",
				Algorithm:       "ed25519",
				PublicKeyBase64: base64.StdEncoding.EncodeToString(authorityPub),
				NotBefore:       svcClock.Add(-24 * time.Hour),
				NotAfter:        svcClock.Add(180 * 24 * time.Hour),
			},
		},
	}

	now := svcClock
	nowFn := func() time.Time { return now }

	store := distribution.NewMemory()
	authority, err := revocation.NewAuthority(revocation.AuthorityConfig{
		KeyID:      "authority-1",
		SigningKey: authorityPriv,
		Store:      store,
		Channel:    "meld-revocations",
		Now:        nowFn,
	})
	if err != nil {
		t.Fatalf("authority init failed: %v", err)
	}
	registry, err := revocation.NewRegistry(revocation.RegistryConfig{
		Channel: "meld-revocations",
		Now:     nowFn,
	}, bundle, store, nil)
	if err != nil {
		t.Fatalf("registry init failed: %v", err)
	}

	svc, err := New(Config{
		RelyingPartyID: "rp.meld.example",
		Limiter:        limiter,
		Now:            nowFn,
	}, registry)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	seed := make([]byte, identity.SeedSize)
	for i := range seed {
		seed[i] = 0x77
	}
	dev, err := identity.Derive(seed, "pendant-001")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}

	return &testEnv{svc: svc, authority: authority, registry: registry, device: dev, now: &now}
}

func openLimiter() ratelimiter.SlidingConfig {
	return ratelimiter.SlidingConfig{Window: time.Minute, MaxRequests: 1000, MinSpacing: 0}
}

func (e *testEnv) signedRequest(t *testing.T) Request {
	t.Helper()
	ch, rejected := e.svc.IssueChallenge(testChipUID, "")
	if rejected != nil {
		t.Fatalf("challenge rejected: %+v", rejected)
	}
	sig, err := authchallenge.Sign(e.device.PrivateKey, ch)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return Request{
		DID:       didkey.Encode(e.device.PublicKey),
		ChipUID:   testChipUID,
		Challenge: ch,
		Signature: sig,
	}
}

func TestVerifyHappyPath(t *testing.T) {
	env := newTestEnv(t, openLimiter())
	d := env.svc.Verify(context.Background(), env.signedRequest(t))
	if d.Status != StatusVerified {
		t.Fatalf("expected verified, got %+v", d)
	}
	if d.Confidence != revocation.ConfidenceDegraded {
		t.Fatalf("never-synced registry must answer degraded, got %s", d.Confidence)
	}
}

func TestVerifyConfidenceFreshAfterSync(t *testing.T) {
	env := newTestEnv(t, openLimiter())
	if _, err := env.authority.Revoke(context.Background(), "04:99:88:77", revocation.ReasonLost, ""); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := env.svc.RefreshRevocations(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	d := env.svc.Verify(context.Background(), env.signedRequest(t))
	if d.Status != StatusVerified || d.Confidence != revocation.ConfidenceFresh {
		t.Fatalf("expected fresh verified decision, got %+v", d)
	}
}

func TestVerifyRejectsReplayedResponse(t *testing.T) {
	env := newTestEnv(t, openLimiter())
	req := env.signedRequest(t)

	if d := env.svc.Verify(context.Background(), req); d.Status != StatusVerified {
		t.Fatalf("first attempt must verify: %+v", d)
	}
	d := env.svc.Verify(context.Background(), req)
	if d.Status != StatusRejected || d.Code != string(authchallenge.RejectReplay) {
		t.Fatalf("replayed attempt must be rejected with %s, got %+v", authchallenge.RejectReplay, d)
	}
}

func TestVerifyRejectsRevokedChipBeforeCrypto(t *testing.T) {
	env := newTestEnv(t, openLimiter())
	req := env.signedRequest(t)

	if _, err := env.authority.Revoke(context.Background(), testChipUID, revocation.ReasonStolen, ""); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := env.svc.RefreshRevocations(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// Even a correctly signed response fails once the chip is revoked.
	d := env.svc.Verify(context.Background(), req)
	if d.Status != StatusRejected || d.Code != string(authchallenge.RejectRevoked) {
		t.Fatalf("expected %s, got %+v", authchallenge.RejectRevoked, d)
	}
	if d.Revocation == nil || d.Revocation.Reason != revocation.ReasonStolen {
		t.Fatalf("decision must carry the revocation entry: %+v", d.Revocation)
	}
}

func TestVerifyRejectsReplayWithMutatedNonce(t *testing.T) {
	env := newTestEnv(t, openLimiter())
	req := env.signedRequest(t)

	if d := env.svc.Verify(context.Background(), req); d.Status != StatusVerified {
		t.Fatalf("first attempt must verify: %+v", d)
	}

	// Swapping the nonce dodges the replay guard key but breaks the
	// signature, because the nonce is part of the signed message.
	replay := req
	replay.Challenge.Nonce = "00000000000000000000000000000000"
	replay.Challenge.Challenge = string(replay.Challenge.SigningMessage())
	d := env.svc.Verify(context.Background(), replay)
	if d.Status != StatusRejected || d.Code != string(authchallenge.RejectSignatureInvalid) {
		t.Fatalf("expected %s, got %+v", authchallenge.RejectSignatureInvalid, d)
	}
}

func TestVerifyRevocationKeysOnChallengeSubject(t *testing.T) {
	env := newTestEnv(t, openLimiter())
	req := env.signedRequest(t)

	if _, err := env.authority.Revoke(context.Background(), testChipUID, revocation.ReasonStolen, ""); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := env.svc.RefreshRevocations(context.Background()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// A request-level chip uid that disagrees with the signed subject is
	// refused outright instead of rerouting the revocation lookup.
	mismatched := req
	mismatched.ChipUID = "04:00:00:00:00:00:01"
	d := env.svc.Verify(context.Background(), mismatched)
	if d.Status != StatusRejected || d.Code != string(authchallenge.RejectSchemaInvalid) {
		t.Fatalf("expected %s, got %+v", authchallenge.RejectSchemaInvalid, d)
	}

	// Omitting it entirely still resolves to the revoked subject.
	bare := req
	bare.ChipUID = ""
	d = env.svc.Verify(context.Background(), bare)
	if d.Status != StatusRejected || d.Code != string(authchallenge.RejectRevoked) {
		t.Fatalf("expected %s, got %+v", authchallenge.RejectRevoked, d)
	}
}

func TestVerifyRejectsStretchedExpiryAfterTTL(t *testing.T) {
	env := newTestEnv(t, openLimiter())
	req := env.signedRequest(t)
	req.Challenge.ExpiresAt = req.Challenge.IssuedAt + int64(time.Hour/time.Second)

	*env.now = svcClock.Add(2 * time.Minute)
	d := env.svc.Verify(context.Background(), req)
	if d.Status != StatusRejected || d.Code != string(authchallenge.RejectExpired) {
		t.Fatalf("expected %s, got %+v", authchallenge.RejectExpired, d)
	}
}

func TestVerifyRejectsForeignIssuer(t *testing.T) {
	env := newTestEnv(t, openLimiter())
	req := env.signedRequest(t)
	req.Challenge.Issuer = "other-rp.example"

	d := env.svc.Verify(context.Background(), req)
	if d.Status != StatusRejected || d.Code != string(authchallenge.RejectAudienceMismatch) {
		t.Fatalf("expected %s, got %+v", authchallenge.RejectAudienceMismatch, d)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	env := newTestEnv(t, openLimiter())
	req := env.signedRequest(t)
	req.Signature = append([]byte(nil), req.Signature...)
	req.Signature[0] ^= 0x01

	d := env.svc.Verify(context.Background(), req)
	if d.Status != StatusRejected || d.Code != string(authchallenge.RejectSignatureInvalid) {
		t.Fatalf("expected %s, got %+v", authchallenge.RejectSignatureInvalid, d)
	}

	// A failed signature must not burn the nonce.
	if d := env.svc.Verify(context.Background(), env.resign(t, req)); d.Status != StatusVerified {
		t.Fatalf("retry with the fixed signature must verify: %+v", d)
	}
}

func (e *testEnv) resign(t *testing.T, req Request) Request {
	t.Helper()
	sig, err := authchallenge.Sign(e.device.PrivateKey, req.Challenge)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	req.Signature = sig
	return req
}

func TestIssueChallengeIsThrottledPerChip(t *testing.T) {
	env := newTestEnv(t, ratelimiter.SlidingConfig{Window: time.Minute, MaxRequests: 1, MinSpacing: 0})

	if _, rejected := env.svc.IssueChallenge(testChipUID, ""); rejected != nil {
		t.Fatalf("first challenge rejected: %+v", rejected)
	}
	_, rejected := env.svc.IssueChallenge(testChipUID, "")
	if rejected == nil || rejected.Code != string(authchallenge.RejectRateLimited) {
		t.Fatalf("expected %s, got %+v", authchallenge.RejectRateLimited, rejected)
	}
	if rejected.RetryAfter <= 0 {
		t.Fatalf("throttled decision must carry retry-after, got %v", rejected.RetryAfter)
	}
	// Other chips are throttled independently.
	if _, rejected := env.svc.IssueChallenge("04:11:22:33", ""); rejected != nil {
		t.Fatalf("unrelated chip throttled: %+v", rejected)
	}
}

func TestVerifyIsThrottledPerChip(t *testing.T) {
	env := newTestEnv(t, ratelimiter.SlidingConfig{Window: time.Minute, MaxRequests: 2, MinSpacing: 0})
	req := env.signedRequest(t) // consumes one verify-independent issue slot

	if d := env.svc.Verify(context.Background(), req); d.Status != StatusVerified {
		t.Fatalf("first verify must pass: %+v", d)
	}
	env.svc.Verify(context.Background(), req)
	d := env.svc.Verify(context.Background(), req)
	if d.Status != StatusRejected || d.Code != string(authchallenge.RejectRateLimited) {
		t.Fatalf("expected %s, got %+v", authchallenge.RejectRateLimited, d)
	}
}
