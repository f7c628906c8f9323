// Package chip builds the public payload physically written to an NFC
// tag and the registration record that binds a chip UID to a DID. Nothing
// in this package ever sees secret material.
package chip

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"meld/authcore/internal/didkey"
)

var (
	ErrInvalidChipUID    = errors.New("invalid chip uid")
	ErrInvalidPublicKey  = errors.New("invalid ed25519 public key")
	ErrInvalidAuthHost   = errors.New("auth host is required")
	ErrInvalidAttestSig  = errors.New("invalid identity attestation signature")
	ErrMissingDeviceID   = errors.New("device id is required")
	ErrPayloadImmutable  = errors.New("chip payload is already sealed")
	errAttestKeyMismatch = errors.New("did does not match public key")
)

// uidPattern matches the normalized form: uppercase hex byte pairs joined
// by colons, 4 to 10 bytes (NFC UIDs are 4, 7 or 10).
var uidPattern = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){3,9}$`)

// Payload is the complete public record written to a tag. Immutable once
// sealed by the builder.
type Payload struct {
	DeviceID       string            `json:"deviceId"`
	ChipUID        string            `json:"chipUID"`
	PublicKey      ed25519.PublicKey `json:"publicKey"`
	DerivationPath string            `json:"derivationPath"`
	AuthURL        string            `json:"authUrl"`
}

// Builder assembles a Payload step by step and seals it exactly once.
type Builder struct {
	host    string
	payload Payload
	sealed  bool
}

func NewBuilder(authHost string) (*Builder, error) {
	authHost = strings.TrimSpace(authHost)
	if authHost == "" {
		return nil, ErrInvalidAuthHost
	}
	return &Builder{host: authHost}, nil
}

func (b *Builder) WithDevice(deviceID, derivationPath string, pub ed25519.PublicKey) *Builder {
	b.payload.DeviceID = strings.TrimSpace(deviceID)
	b.payload.DerivationPath = derivationPath
	b.payload.PublicKey = append(ed25519.PublicKey(nil), pub...)
	return b
}

func (b *Builder) WithChipUID(uid string) *Builder {
	b.payload.ChipUID = NormalizeUID(uid)
	return b
}

// Seal validates and finalizes the payload. Further Seal calls fail: the
// payload mirrors a write-once tag.
func (b *Builder) Seal() (Payload, error) {
	if b.sealed {
		return Payload{}, ErrPayloadImmutable
	}
	if b.payload.DeviceID == "" {
		return Payload{}, ErrMissingDeviceID
	}
	if !uidPattern.MatchString(b.payload.ChipUID) {
		return Payload{}, fmt.Errorf("%w: %q", ErrInvalidChipUID, b.payload.ChipUID)
	}
	if len(b.payload.PublicKey) != ed25519.PublicKeySize {
		return Payload{}, ErrInvalidPublicKey
	}
	b.payload.AuthURL = AuthURL(b.host, didkey.Encode(b.payload.PublicKey), b.payload.ChipUID)
	b.sealed = true
	return b.payload, nil
}

// NormalizeUID uppercases a chip UID and inserts colons if the input is a
// bare hex string.
func NormalizeUID(uid string) string {
	uid = strings.ToUpper(strings.TrimSpace(uid))
	if strings.Contains(uid, ":") {
		return uid
	}
	if len(uid)%2 != 0 {
		return uid
	}
	parts := make([]string, 0, len(uid)/2)
	for i := 0; i+2 <= len(uid); i += 2 {
		parts = append(parts, uid[i:i+2])
	}
	return strings.Join(parts, ":")
}

// ValidUID reports whether a UID is in the normalized colon-separated
// form.
func ValidUID(uid string) bool {
	return uidPattern.MatchString(uid)
}

// AuthURL renders the minimal tap-to-authenticate URL.
func AuthURL(host, did, chipUID string) string {
	q := url.Values{}
	q.Set("did", did)
	q.Set("chipUID", chipUID)
	return "https://" + host + "/nfc?" + q.Encode()
}

// ExtendedAuthURL carries the raw public key and a self-attestation
// signature for verifiers that cannot resolve DIDs. Used for chips whose
// payload cannot benefit from DID compression.
func ExtendedAuthURL(host string, pub ed25519.PublicKey, chipUID string, attestSig []byte) string {
	q := url.Values{}
	q.Set("pk", fmt.Sprintf("%x", []byte(pub)))
	q.Set("chipUID", chipUID)
	if len(attestSig) > 0 {
		q.Set("sig", fmt.Sprintf("%x", attestSig))
	}
	return "https://" + host + "/nfc?" + q.Encode()
}

// Identity is the registration record binding a chip to its DID. The
// optional Signature is a self-attestation by the device key over the
// canonical fields; it is an integrity check, not access control.
type Identity struct {
	ChipUID      string            `json:"chipUID"`
	DID          string            `json:"did"`
	PublicKey    ed25519.PublicKey `json:"publicKey"`
	DeviceID     string            `json:"deviceID"`
	RegisteredAt time.Time         `json:"registeredAt"`
	Signature    []byte            `json:"signature,omitempty"`
}

// NewIdentity builds and self-attests a registration record.
func NewIdentity(chipUID, deviceID string, priv ed25519.PrivateKey, registeredAt time.Time) (Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Identity{}, ErrInvalidPublicKey
	}
	pub := priv.Public().(ed25519.PublicKey)
	id := Identity{
		ChipUID:      NormalizeUID(chipUID),
		DID:          didkey.Encode(pub),
		PublicKey:    append(ed25519.PublicKey(nil), pub...),
		DeviceID:     strings.TrimSpace(deviceID),
		RegisteredAt: registeredAt.UTC(),
	}
	if !uidPattern.MatchString(id.ChipUID) {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidChipUID, chipUID)
	}
	if id.DeviceID == "" {
		return Identity{}, ErrMissingDeviceID
	}
	id.Signature = ed25519.Sign(priv, attestationBytes(id))
	return id, nil
}

// VerifyIdentity checks internal consistency: the DID must decode to the
// embedded public key and, when present, the self-attestation must hold.
func VerifyIdentity(id Identity) error {
	pub := didkey.Decode(id.DID)
	if pub == nil || !pub.Equal(id.PublicKey) {
		return errAttestKeyMismatch
	}
	if len(id.Signature) == 0 {
		return nil
	}
	if len(id.Signature) != ed25519.SignatureSize {
		return ErrInvalidAttestSig
	}
	if !ed25519.Verify(pub, attestationBytes(id), id.Signature) {
		return ErrInvalidAttestSig
	}
	return nil
}

// Canonical and deterministic byte encoding for the attestation.
func attestationBytes(id Identity) []byte {
	b := make([]byte, 0, len(id.ChipUID)+len(id.DID)+len(id.DeviceID)+len(id.PublicKey)+12)
	b = append(b, []byte(id.ChipUID)...)
	b = append(b, 0)
	b = append(b, []byte(id.DID)...)
	b = append(b, 0)
	b = append(b, []byte(id.DeviceID)...)
	b = append(b, 0)
	b = append(b, id.PublicKey...)
	b = append(b, 0)
	b = append(b, []byte(fmt.Sprintf("%d", id.RegisteredAt.Unix()))...)
	return b
}
