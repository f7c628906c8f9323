package identity

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Canonical derivation parameters. Every MELD device key is
// HKDF-SHA512(seed, protocolSalt, "MELD-Device-"+deviceID) fed into
// ed25519.NewKeyFromSeed. Changing either constant invalidates every
// chip in the field.
const (
	protocolSalt     = "MELD-identity-derivation-salt-v1"
	deviceInfoPrefix = "MELD-Device-"
	pathPrefix       = "meld/device/"
)

var (
	ErrInvalidSeed     = errors.New("master seed must be exactly 32 bytes")
	ErrInvalidDeviceID = errors.New("device id is required")
)

// Derive deterministically derives a device keypair from the master seed
// and a device identifier. Identical inputs always produce identical
// output; the returned private key must not outlive the calling operation.
func Derive(masterSeed []byte, deviceID string) (DeviceIdentity, error) {
	if len(masterSeed) != SeedSize {
		return DeviceIdentity{}, fmt.Errorf("%w: got %d", ErrInvalidSeed, len(masterSeed))
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return DeviceIdentity{}, ErrInvalidDeviceID
	}

	keySeed, err := hkdfExpand(masterSeed, deviceInfoPrefix+deviceID, ed25519.SeedSize)
	if err != nil {
		return DeviceIdentity{}, err
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	zeroBytes(keySeed)

	return DeviceIdentity{
		DeviceID:       deviceID,
		DerivationPath: pathPrefix + deviceID,
		PublicKey:      priv.Public().(ed25519.PublicKey),
		PrivateKey:     priv,
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha512.New, seed, []byte(protocolSalt), []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
