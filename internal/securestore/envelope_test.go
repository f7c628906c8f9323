package securestore

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	data, err := Encrypt("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := Decrypt("pass", data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestDecryptHonorsStoredKDFParams(t *testing.T) {
	// An envelope written with hardened settings must decrypt with those
	// settings, not with whatever the package currently writes.
	salt := bytes.Repeat([]byte{0x5A}, saltSize)
	nonce := bytes.Repeat([]byte{0x17}, chacha20poly1305.NonceSizeX)
	key := argon2.IDKey([]byte("pass"), salt, 3, 32*1024, 2, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		t.Fatalf("aead init failed: %v", err)
	}
	env := &Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     3,
		KDFMemoryKB: 32 * 1024,
		KDFThreads:  2,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, []byte("secret"), nil),
	}

	plain, err := DecryptEnvelope("pass", env)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestDecryptRejectsAbsurdKDFParams(t *testing.T) {
	env, err := EncryptEnvelope("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	for name, mutate := range map[string]func(*Envelope){
		"zero time":      func(e *Envelope) { e.KDFTime = 0 },
		"zero threads":   func(e *Envelope) { e.KDFThreads = 0 },
		"giant memory":   func(e *Envelope) { e.KDFMemoryKB = maxKDFMemoryKB + 1 },
		"giant time":     func(e *Envelope) { e.KDFTime = maxKDFTime + 1 },
		"starved memory": func(e *Envelope) { e.KDFThreads = 4; e.KDFMemoryKB = 8 },
	} {
		bad := *env
		mutate(&bad)
		if _, err := DecryptEnvelope("pass", &bad); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestDecryptTamperedFailsDeterministically(t *testing.T) {
	data, err := Encrypt("pass", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(data) < 10 {
		t.Fatalf("unexpected encrypted payload size: %d", len(data))
	}
	data[len(data)-2] ^= 0xFF
	_, err = Decrypt("pass", data)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
