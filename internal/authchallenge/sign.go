package authchallenge

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
)

var ErrInvalidSigningKey = errors.New("invalid ed25519 private key")

// Sign produces the holder-side detached signature over the challenge's
// inner message. The private key is expected to be freshly re-derived and
// discarded by the caller immediately after.
func Sign(priv ed25519.PrivateKey, ch Challenge) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidSigningKey
	}
	return ed25519.Sign(priv, ch.SigningMessage()), nil
}

// SignBase64 is Sign with the wire encoding applied.
func SignBase64(priv ed25519.PrivateKey, ch Challenge) (string, error) {
	sig, err := Sign(priv, ch)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
