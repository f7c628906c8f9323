package chip

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"meld/authcore/internal/didkey"
	"meld/authcore/internal/identity"
)

func testDevice(t *testing.T) identity.DeviceIdentity {
	t.Helper()
	seed := make([]byte, identity.SeedSize)
	for i := range seed {
		seed[i] = 0x5A
	}
	dev, err := identity.Derive(seed, "pendant-001")
	if err != nil {
		t.Fatalf("derive failed: %v", err)
	}
	return dev
}

func TestBuilderSealsValidPayload(t *testing.T) {
	dev := testDevice(t)
	b, err := NewBuilder("auth.meld.example")
	if err != nil {
		t.Fatalf("builder init failed: %v", err)
	}
	p, err := b.WithDevice(dev.DeviceID, dev.DerivationPath, dev.PublicKey).
		WithChipUID("04d69482fa2c81").
		Seal()
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if p.ChipUID != "04:D6:94:82:FA:2C:81" {
		t.Fatalf("uid not normalized: %q", p.ChipUID)
	}
	did := didkey.Encode(dev.PublicKey)
	if !strings.Contains(p.AuthURL, "https://auth.meld.example/nfc?") {
		t.Fatalf("unexpected auth url: %q", p.AuthURL)
	}
	if !strings.Contains(p.AuthURL, "chipUID=") || !strings.Contains(p.AuthURL, did) {
		t.Fatalf("auth url must carry did and chip uid: %q", p.AuthURL)
	}
}

func TestBuilderSealIsWriteOnce(t *testing.T) {
	dev := testDevice(t)
	b, err := NewBuilder("auth.meld.example")
	if err != nil {
		t.Fatalf("builder init failed: %v", err)
	}
	b.WithDevice(dev.DeviceID, dev.DerivationPath, dev.PublicKey).WithChipUID("04:D6:94:82")
	if _, err := b.Seal(); err != nil {
		t.Fatalf("first seal failed: %v", err)
	}
	if _, err := b.Seal(); !errors.Is(err, ErrPayloadImmutable) {
		t.Fatalf("expected ErrPayloadImmutable, got %v", err)
	}
}

func TestBuilderValidation(t *testing.T) {
	dev := testDevice(t)
	if _, err := NewBuilder("  "); !errors.Is(err, ErrInvalidAuthHost) {
		t.Fatalf("expected ErrInvalidAuthHost, got %v", err)
	}

	b, _ := NewBuilder("auth.meld.example")
	if _, err := b.WithDevice(dev.DeviceID, dev.DerivationPath, dev.PublicKey).
		WithChipUID("ZZ:NOT:HEX").Seal(); !errors.Is(err, ErrInvalidChipUID) {
		t.Fatalf("expected ErrInvalidChipUID, got %v", err)
	}

	b2, _ := NewBuilder("auth.meld.example")
	if _, err := b2.WithDevice("pendant-001", "meld/device/pendant-001", make([]byte, 7)).
		WithChipUID("04:D6:94:82").Seal(); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}

	b3, _ := NewBuilder("auth.meld.example")
	if _, err := b3.WithDevice("", "", dev.PublicKey).
		WithChipUID("04:D6:94:82").Seal(); !errors.Is(err, ErrMissingDeviceID) {
		t.Fatalf("expected ErrMissingDeviceID, got %v", err)
	}
}

func TestNormalizeUID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"04d69482", "04:D6:94:82"},
		{"04:d6:94:82", "04:D6:94:82"},
		{"  04D69482FA2C81 ", "04:D6:94:82:FA:2C:81"},
		{"04D6948", "04D6948"}, // odd length passes through unchanged
	}
	for _, tc := range cases {
		if got := NormalizeUID(tc.in); got != tc.want {
			t.Fatalf("NormalizeUID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if !ValidUID("04:D6:94:82") {
		t.Fatal("normalized uid must validate")
	}
	if ValidUID("04d69482") {
		t.Fatal("bare hex must not validate without normalization")
	}
}

func TestIdentityAttestationRoundTrip(t *testing.T) {
	dev := testDevice(t)
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	id, err := NewIdentity("04d69482fa2c81", dev.DeviceID, dev.PrivateKey, now)
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}
	if err := VerifyIdentity(id); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestIdentityAttestationDetectsTampering(t *testing.T) {
	dev := testDevice(t)
	id, err := NewIdentity("04:D6:94:82", dev.DeviceID, dev.PrivateKey, time.Now())
	if err != nil {
		t.Fatalf("new identity failed: %v", err)
	}

	tampered := id
	tampered.ChipUID = "04:D6:94:83"
	if err := VerifyIdentity(tampered); !errors.Is(err, ErrInvalidAttestSig) {
		t.Fatalf("expected ErrInvalidAttestSig for changed uid, got %v", err)
	}

	flipped := id
	flipped.Signature = append([]byte(nil), id.Signature...)
	flipped.Signature[0] ^= 0x01
	if err := VerifyIdentity(flipped); !errors.Is(err, ErrInvalidAttestSig) {
		t.Fatalf("expected ErrInvalidAttestSig for flipped bit, got %v", err)
	}

	wrongKey := id
	otherPub, _, _ := ed25519.GenerateKey(nil)
	wrongKey.PublicKey = otherPub
	if err := VerifyIdentity(wrongKey); err == nil {
		t.Fatal("expected error when public key does not match the did")
	}
}
