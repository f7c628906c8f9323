package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// LegacyScheme names one of the historical derivation variants that shipped
// before the canonical scheme was fixed. They exist only so that chips
// written by early firmware can still be verified; new derivations must
// never use them.
type LegacyScheme string

const (
	// LegacySHA256NoSalt: HKDF-SHA256 with an empty salt and info
	// "meld-device-<id>".
	LegacySHA256NoSalt LegacyScheme = "hkdf-sha256-nosalt"
	// LegacyDigestConcat: SHA-512(seed || deviceID) truncated to 32 bytes.
	LegacyDigestConcat LegacyScheme = "sha512-concat"
)

var ErrUnknownLegacyScheme = errors.New("unknown legacy derivation scheme")

// DeriveLegacy re-derives a device keypair under one of the historical
// schemes. Callers are expected to try the canonical Derive first and fall
// back here only when verifying material from a pre-v1 chip.
func DeriveLegacy(scheme LegacyScheme, masterSeed []byte, deviceID string) (DeviceIdentity, error) {
	if len(masterSeed) != SeedSize {
		return DeviceIdentity{}, fmt.Errorf("%w: got %d", ErrInvalidSeed, len(masterSeed))
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return DeviceIdentity{}, ErrInvalidDeviceID
	}

	var keySeed []byte
	switch scheme {
	case LegacySHA256NoSalt:
		reader := hkdf.New(sha256.New, masterSeed, nil, []byte("meld-device-"+deviceID))
		keySeed = make([]byte, ed25519.SeedSize)
		if _, err := io.ReadFull(reader, keySeed); err != nil {
			return DeviceIdentity{}, err
		}
	case LegacyDigestConcat:
		sum := sha512.Sum512(append(append([]byte(nil), masterSeed...), []byte(deviceID)...))
		keySeed = append([]byte(nil), sum[:ed25519.SeedSize]...)
	default:
		return DeviceIdentity{}, fmt.Errorf("%w: %q", ErrUnknownLegacyScheme, scheme)
	}

	priv := ed25519.NewKeyFromSeed(keySeed)
	zeroBytes(keySeed)
	return DeviceIdentity{
		DeviceID:       deviceID,
		DerivationPath: "meld/legacy/" + string(scheme) + "/" + deviceID,
		PublicKey:      priv.Public().(ed25519.PublicKey),
		PrivateKey:     priv,
	}, nil
}
