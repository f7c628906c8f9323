package revocation

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTrustBundleInvalid          = errors.New("trust bundle invalid")
	ErrTrustUpdateChainInvalid     = errors.New("trust update chain invalid")
	ErrTrustUpdateSignatureInvalid = errors.New("trust update signature invalid")
)

// RootKey anchors bundle rotation. Root keys stay offline; they sign
// replacement bundles, never revocation lists.
type RootKey struct {
	KeyID           string `json:"key_id"`
	Algorithm       string `json:"algorithm"`
	PublicKeyBase64 string `json:"public_key_base64"`
}

// AuthorityKey may sign revocation lists while its validity window is
// open.
type AuthorityKey struct {
	KeyID           string    `json:"key_id"`
	Algorithm       string    `json:"algorithm"`
	PublicKeyBase64 string    `json:"public_key_base64"`
	NotBefore       time.Time `json:"not_before"`
	NotAfter        time.Time `json:"not_after"`
}

func (k AuthorityKey) IsActive(at time.Time) bool {
	if k.NotBefore.IsZero() || k.NotAfter.IsZero() {
		return false
	}
	return !at.Before(k.NotBefore) && at.Before(k.NotAfter)
}

// TrustBundle is the verifier-side set of keys allowed to sign
// revocation lists, plus the root keys that govern its own rotation.
type TrustBundle struct {
	Version       int            `json:"version"`
	BundleID      string         `json:"bundle_id"`
	GeneratedAt   time.Time      `json:"generated_at"`
	RootKeys      []RootKey      `json:"root_keys"`
	AuthorityKeys []AuthorityKey `json:"authority_keys"`
}

func ParseTrustBundle(data []byte) (TrustBundle, error) {
	var b TrustBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return TrustBundle{}, fmt.Errorf("%w: %v", ErrTrustBundleInvalid, err)
	}
	if err := b.Validate(); err != nil {
		return TrustBundle{}, err
	}
	return b, nil
}

func (b TrustBundle) Validate() error {
	if b.Version <= 0 {
		return fmt.Errorf("%w: version must be > 0", ErrTrustBundleInvalid)
	}
	if b.BundleID == "" {
		return fmt.Errorf("%w: bundle_id is required", ErrTrustBundleInvalid)
	}
	if b.GeneratedAt.IsZero() {
		return fmt.Errorf("%w: generated_at is required", ErrTrustBundleInvalid)
	}
	if len(b.RootKeys) == 0 {
		return fmt.Errorf("%w: root_keys are required", ErrTrustBundleInvalid)
	}
	if len(b.AuthorityKeys) == 0 {
		return fmt.Errorf("%w: authority_keys are required", ErrTrustBundleInvalid)
	}
	for _, key := range b.RootKeys {
		if err := validatePublicKeyFields(key.KeyID, key.Algorithm, key.PublicKeyBase64); err != nil {
			return err
		}
	}
	for _, key := range b.AuthorityKeys {
		if err := validatePublicKeyFields(key.KeyID, key.Algorithm, key.PublicKeyBase64); err != nil {
			return err
		}
		if key.NotBefore.IsZero() || key.NotAfter.IsZero() || !key.NotAfter.After(key.NotBefore) {
			return fmt.Errorf("%w: invalid authority key validity window", ErrTrustBundleInvalid)
		}
	}
	return nil
}

func validatePublicKeyFields(keyID, algorithm, publicKeyBase64 string) error {
	if keyID == "" {
		return fmt.Errorf("%w: key_id is required", ErrTrustBundleInvalid)
	}
	if algorithm != "ed25519" {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrTrustBundleInvalid, algorithm)
	}
	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return fmt.Errorf("%w: invalid public key base64 for %q", ErrTrustBundleInvalid, keyID)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key size for %q", ErrTrustBundleInvalid, keyID)
	}
	return nil
}

func (b TrustBundle) findAuthorityKey(keyID string) (AuthorityKey, bool) {
	for _, k := range b.AuthorityKeys {
		if k.KeyID == keyID {
			return k, true
		}
	}
	return AuthorityKey{}, false
}

func (b TrustBundle) ActiveAuthorityKeys(at time.Time) []AuthorityKey {
	out := make([]AuthorityKey, 0, len(b.AuthorityKeys))
	for _, k := range b.AuthorityKeys {
		if k.IsActive(at) {
			out = append(out, k)
		}
	}
	return out
}

// VerifyListSignature checks a revocation list signature against the
// bundle: the key must be known, inside its validity window at the check
// time, and the ed25519 signature must cover the list's canonical
// payload.
func VerifyListSignature(b TrustBundle, l List, at time.Time) error {
	key, ok := b.findAuthorityKey(l.KeyID)
	if !ok {
		return &VerifyError{Code: RejectKeyUnknown, Err: fmt.Errorf("key %q not in trust bundle", l.KeyID)}
	}
	if !key.IsActive(at) {
		return &VerifyError{Code: RejectKeyUnknown, Err: fmt.Errorf("key %q outside validity window", l.KeyID)}
	}
	pub, err := decodeEd25519PublicKey(key.PublicKeyBase64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrustBundleInvalid, err)
	}
	payload, err := CanonicalPayload(l)
	if err != nil {
		return &VerifyError{Code: RejectSchemaInvalid, Err: err}
	}
	sig, err := decodeSignature(l.Signature)
	if err != nil {
		return &VerifyError{Code: RejectSignatureInvalid, Err: err}
	}
	if !ed25519.Verify(pub, payload, sig) {
		return &VerifyError{Code: RejectSignatureInvalid, Err: errors.New("list signature does not verify")}
	}
	return nil
}

func decodeEd25519PublicKey(value string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("invalid key size")
	}
	return raw, nil
}

// BundleUpdateEnvelope carries a replacement trust bundle signed by one
// of the current bundle's root keys.
type BundleUpdateEnvelope struct {
	Bundle          TrustBundle `json:"bundle"`
	SignedByKeyID   string      `json:"signed_by_key_id"`
	SignatureBase64 string      `json:"signature_base64"`
}

func (e BundleUpdateEnvelope) Validate() error {
	if err := e.Bundle.Validate(); err != nil {
		return err
	}
	if e.SignedByKeyID == "" {
		return fmt.Errorf("%w: signed_by_key_id is required", ErrTrustBundleInvalid)
	}
	if e.SignatureBase64 == "" {
		return fmt.Errorf("%w: signature_base64 is required", ErrTrustBundleInvalid)
	}
	return nil
}

// VerifyAndApplyUpdate enforces the rotation rules before adopting a new
// bundle: the update must be signed by a current root key, keep at least
// one current root key, never move the version backwards, and at the
// transition moment both bundles must share an active authority key so
// in-flight lists keep verifying.
func VerifyAndApplyUpdate(current TrustBundle, update BundleUpdateEnvelope, at time.Time) (TrustBundle, error) {
	if err := current.Validate(); err != nil {
		return TrustBundle{}, err
	}
	if err := update.Validate(); err != nil {
		return TrustBundle{}, err
	}
	signerRoot, ok := findRootKey(current.RootKeys, update.SignedByKeyID)
	if !ok {
		return TrustBundle{}, ErrTrustUpdateChainInvalid
	}
	if err := verifyBundleUpdateSignature(signerRoot, update); err != nil {
		return TrustBundle{}, err
	}
	if err := verifyRootContinuity(current, update.Bundle); err != nil {
		return TrustBundle{}, err
	}
	if err := verifyBundleMonotonic(current, update.Bundle); err != nil {
		return TrustBundle{}, err
	}
	if err := verifyRotationOverlap(current, update.Bundle, at); err != nil {
		return TrustBundle{}, err
	}
	return update.Bundle, nil
}

func findRootKey(keys []RootKey, keyID string) (RootKey, bool) {
	for _, k := range keys {
		if k.KeyID == keyID {
			return k, true
		}
	}
	return RootKey{}, false
}

func verifyBundleUpdateSignature(root RootKey, update BundleUpdateEnvelope) error {
	pub, err := decodeEd25519PublicKey(root.PublicKeyBase64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrustBundleInvalid, err)
	}
	msg, err := json.Marshal(update.Bundle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrustBundleInvalid, err)
	}
	sig, err := base64.StdEncoding.DecodeString(update.SignatureBase64)
	if err != nil {
		return fmt.Errorf("%w: invalid update signature encoding", ErrTrustUpdateSignatureInvalid)
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrTrustUpdateSignatureInvalid
	}
	return nil
}

func verifyRootContinuity(current, next TrustBundle) error {
	for _, nextRoot := range next.RootKeys {
		for _, curRoot := range current.RootKeys {
			if nextRoot.KeyID == curRoot.KeyID && nextRoot.PublicKeyBase64 == curRoot.PublicKeyBase64 {
				return nil
			}
		}
	}
	return ErrTrustUpdateChainInvalid
}

func verifyBundleMonotonic(current, next TrustBundle) error {
	if next.Version < current.Version {
		return ErrTrustUpdateChainInvalid
	}
	if next.Version == current.Version && next.BundleID != current.BundleID {
		return ErrTrustUpdateChainInvalid
	}
	return nil
}

func verifyRotationOverlap(current, next TrustBundle, at time.Time) error {
	currentActive := current.ActiveAuthorityKeys(at)
	nextActive := next.ActiveAuthorityKeys(at)
	if len(currentActive) == 0 || len(nextActive) == 0 {
		return ErrTrustUpdateChainInvalid
	}
	nextSet := make(map[string]struct{}, len(nextActive))
	for _, k := range nextActive {
		nextSet[k.KeyID] = struct{}{}
	}
	for _, k := range currentActive {
		if _, ok := nextSet[k.KeyID]; ok {
			return nil
		}
	}
	return ErrTrustUpdateChainInvalid
}
