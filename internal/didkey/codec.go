// Package didkey encodes Ed25519 public keys as did:key identifiers and
// builds the W3C-shaped DID documents served for MELD pendants.
package didkey

import (
	"crypto/ed25519"
	"strings"

	"github.com/mr-tron/base58/base58"
)

const prefix = "did:key:z"

// Multicodec tag for an Ed25519 public key (0xED as unsigned varint).
var ed25519Multicodec = []byte{0xED, 0x01}

// Encode returns the did:key form of an Ed25519 public key. An empty
// string is returned for keys of the wrong size.
func Encode(pub ed25519.PublicKey) string {
	if len(pub) != ed25519.PublicKeySize {
		return ""
	}
	buf := make([]byte, 0, len(ed25519Multicodec)+ed25519.PublicKeySize)
	buf = append(buf, ed25519Multicodec...)
	buf = append(buf, pub...)
	return prefix + base58.Encode(buf)
}

// Decode is the inverse of Encode. It returns nil, never an error, for
// anything that is not a well-formed Ed25519 did:key: wrong prefix, bad
// base58, wrong multicodec tag, wrong key length.
func Decode(did string) ed25519.PublicKey {
	if !strings.HasPrefix(did, prefix) {
		return nil
	}
	raw, err := base58.Decode(did[len(prefix):])
	if err != nil {
		return nil
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil
	}
	if raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):])
}
