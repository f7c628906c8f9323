package identity

import (
	"crypto/ed25519"
	"time"
)

// SeedSize is the length of a master seed in bytes.
const SeedSize = 32

// DeviceIdentity is a keypair derived from (master seed, device id).
// PrivateKey exists only for the duration of a signing operation; it is
// re-derived on demand and never written anywhere.
type DeviceIdentity struct {
	DeviceID       string
	DerivationPath string
	PublicKey      ed25519.PublicKey
	PrivateKey     ed25519.PrivateKey
}

// Zero overwrites the private key material in place.
func (d *DeviceIdentity) Zero() {
	for i := range d.PrivateKey {
		d.PrivateKey[i] = 0
	}
	d.PrivateKey = nil
}

type SeedInfo struct {
	CreatedAt  time.Time
	ImportedAt time.Time
}
