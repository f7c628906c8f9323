package revocation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"meld/authcore/internal/distribution"
)

var revClock = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func b64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

func testBundle(rootPub, authorityPub ed25519.PublicKey) TrustBundle {
	return TrustBundle{
		Version:     1,
		BundleID:    "bundle-1",
		GeneratedAt: revClock.Add(-time.Hour),
		RootKeys: []RootKey{
			{KeyID: "root-1", Algorithm: "ed25519", PublicKeyBase64: b64(rootPub)},
		},
		AuthorityKeys: []AuthorityKey{
			{
				KeyID:           "authority-1",
				Algorithm:       "ed25519",
				PublicKeyBase64: b64(authorityPub),
				NotBefore:       revClock.Add(-24 * time.Hour),
				NotAfter:        revClock.Add(180 * 24 * time.Hour),
			},
		},
	}
}

// testAuthority wires an authority over an in-process store together with
// the bundle that trusts its signing key.
func testAuthority(t *testing.T, store *distribution.Memory) (*Authority, TrustBundle, ed25519.PrivateKey) {
	t.Helper()
	rootPub, rootPriv := genKey(t)
	authorityPub, authorityPriv := genKey(t)
	auth, err := NewAuthority(AuthorityConfig{
		KeyID:      "authority-1",
		SigningKey: authorityPriv,
		Store:      store,
		Channel:    "meld-revocations",
		Now:        func() time.Time { return revClock },
	})
	if err != nil {
		t.Fatalf("authority init failed: %v", err)
	}
	return auth, testBundle(rootPub, authorityPub), rootPriv
}

func requireCode(t *testing.T, err error, want RejectCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected rejection %s, got nil", want)
	}
	code, ok := RejectCodeOf(err)
	if !ok {
		t.Fatalf("expected typed rejection, got %v", err)
	}
	if code != want {
		t.Fatalf("expected %s, got %s (%v)", want, code, err)
	}
}
