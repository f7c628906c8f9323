package authchallenge

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"meld/authcore/internal/didkey"
	"meld/authcore/internal/identity"
)

var testClock = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func testIssuer() *Issuer {
	return NewIssuer(IssuerConfig{
		RelyingPartyID: "rp.meld.example",
		Now:            func() time.Time { return testClock },
	})
}

func testDevice(t *testing.T) identity.DeviceIdentity {
	t.Helper()
	seed := make([]byte, identity.SeedSize)
	for i := range seed {
		seed[i] = 0x33
	}
	dev, err := identity.Derive(seed, "pendant-001")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	return dev
}

func issueFor(t *testing.T, iss *Issuer, chipUID, audience string) Challenge {
	t.Helper()
	ch, err := iss.Issue(chipUID, audience)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	return ch
}

func TestIssueFillsEnvelope(t *testing.T) {
	ch := issueFor(t, testIssuer(), "04:D6:94:82", "")

	if ch.ID == "" {
		t.Fatal("jti must be set")
	}
	if ch.Type != ChallengeType || ch.Alg != Algorithm {
		t.Fatalf("unexpected type/alg: %s %s", ch.Type, ch.Alg)
	}
	if ch.Issuer != "rp.meld.example" || ch.Subject != "04:D6:94:82" {
		t.Fatalf("unexpected iss/sub: %s %s", ch.Issuer, ch.Subject)
	}
	if ch.IssuedAt != testClock.Unix() {
		t.Fatalf("unexpected iat: %d", ch.IssuedAt)
	}
	if ch.ExpiresAt != testClock.Add(DefaultTTL).Unix() {
		t.Fatalf("unexpected exp: %d", ch.ExpiresAt)
	}
	if len(ch.Nonce) != nonceBytes*2 {
		t.Fatalf("nonce must be %d hex chars, got %d", nonceBytes*2, len(ch.Nonce))
	}
	for _, part := range []string{"iss=rp.meld.example", "sub=04:D6:94:82", "nonce=" + ch.Nonce} {
		if !strings.Contains(ch.Challenge, part) {
			t.Fatalf("challenge text missing %q: %s", part, ch.Challenge)
		}
	}
}

func TestIssueNoncesAreUnique(t *testing.T) {
	iss := testIssuer()
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		ch := issueFor(t, iss, "04:D6:94:82", "")
		if _, dup := seen[ch.Nonce]; dup {
			t.Fatal("nonce collision")
		}
		seen[ch.Nonce] = struct{}{}
	}
}

func TestIssueRejectsEmptyChipUID(t *testing.T) {
	if _, err := testIssuer().Issue("  ", ""); !errors.Is(err, ErrInvalidChipUID) {
		t.Fatalf("expected ErrInvalidChipUID, got %v", err)
	}
}

func TestClosedIssuerRefuses(t *testing.T) {
	iss := testIssuer()
	iss.Close()
	if _, err := iss.Issue("04:D6:94:82", ""); !errors.Is(err, ErrIssuerClosed) {
		t.Fatalf("expected ErrIssuerClosed, got %v", err)
	}
}

func TestExpiryOrDefaultAppliesTTL(t *testing.T) {
	ch := Challenge{IssuedAt: testClock.Unix()}
	if got := ch.ExpiryOrDefault(); !got.Equal(testClock.Add(DefaultTTL)) {
		t.Fatalf("expected default ttl expiry, got %v", got)
	}
	explicit := testClock.Add(5 * time.Minute)
	ch.ExpiresAt = explicit.Unix()
	if got := ch.ExpiryOrDefault(); !got.Equal(explicit) {
		t.Fatalf("expected explicit expiry, got %v", got)
	}
}

func TestSignAndVerifyHappyPath(t *testing.T) {
	dev := testDevice(t)
	ch := issueFor(t, testIssuer(), "04:D6:94:82", didkey.Encode(dev.PublicKey))

	sig, err := Sign(dev.PrivateKey, ch)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	err = Verify(VerifyRequest{
		DID:       didkey.Encode(dev.PublicKey),
		Challenge: ch,
		Signature: sig,
		Now:       testClock.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestSignBase64(t *testing.T) {
	dev := testDevice(t)
	ch := issueFor(t, testIssuer(), "04:D6:94:82", "")
	encoded, err := SignBase64(dev.PrivateKey, ch)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}
	if len(raw) != ed25519.SignatureSize {
		t.Fatalf("unexpected signature size: %d", len(raw))
	}
	if _, err := Sign(make([]byte, 5), ch); !errors.Is(err, ErrInvalidSigningKey) {
		t.Fatalf("expected ErrInvalidSigningKey, got %v", err)
	}
}
