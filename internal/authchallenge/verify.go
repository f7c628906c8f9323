package authchallenge

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"meld/authcore/internal/didkey"
)

// RejectCode classifies why an authentication attempt was refused. Codes
// cover the whole pipeline; this package emits the structural and
// cryptographic ones, the verifier service adds revocation and throttling.
type RejectCode string

const (
	RejectDIDInvalid       RejectCode = "AUTH_DID_INVALID"
	RejectSchemaInvalid    RejectCode = "AUTH_SCHEMA_INVALID"
	RejectAlgUnsupported   RejectCode = "AUTH_ALG_UNSUPPORTED"
	RejectExpired          RejectCode = "AUTH_CHALLENGE_EXPIRED"
	RejectAudienceMismatch RejectCode = "AUTH_AUDIENCE_MISMATCH"
	RejectSignatureInvalid RejectCode = "AUTH_SIGNATURE_INVALID"
	RejectReplay           RejectCode = "AUTH_REPLAY_DETECTED"
	RejectRevoked          RejectCode = "AUTH_CHIP_REVOKED"
	RejectRateLimited      RejectCode = "AUTH_RATE_LIMITED"
)

// VerifyError is a typed rejection; Code is stable wire/log vocabulary,
// Err carries detail.
type VerifyError struct {
	Code RejectCode
	Err  error
}

func (e *VerifyError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *VerifyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RejectCodeOf extracts the code from any error in a wrapped chain.
func RejectCodeOf(err error) (RejectCode, bool) {
	var verr *VerifyError
	if errors.As(err, &verr) {
		return verr.Code, true
	}
	return "", false
}

func Reject(code RejectCode, err error) *VerifyError {
	return &VerifyError{Code: code, Err: err}
}

// ParseStrict decodes a challenge envelope, refusing unknown fields and
// trailing garbage.
func ParseStrict(raw []byte) (Challenge, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var ch Challenge
	if err := dec.Decode(&ch); err != nil {
		return Challenge{}, Reject(RejectSchemaInvalid, err)
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return Challenge{}, Reject(RejectSchemaInvalid, errors.New("unexpected trailing json tokens"))
	} else if !errors.Is(err, io.EOF) {
		return Challenge{}, Reject(RejectSchemaInvalid, err)
	}
	return ch, nil
}

// VerifyRequest is one authentication attempt to check. MaxTTL bounds
// the lifetime granted to the unsigned exp field; zero means DefaultTTL.
type VerifyRequest struct {
	DID       string
	Challenge Challenge
	Signature []byte
	Now       time.Time
	MaxTTL    time.Duration
}

// Verify runs the structural and cryptographic half of the protocol:
// DID decode, envelope validation, expiry, audience, algorithm, signature.
// Replay and revocation are the caller's gates; a nil error here is
// necessary but not sufficient for acceptance.
func Verify(req VerifyRequest) error {
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}

	pub := didkey.Decode(req.DID)
	if pub == nil {
		return Reject(RejectDIDInvalid, fmt.Errorf("cannot decode %q", req.DID))
	}

	// Malformed signatures fail before any cryptographic work.
	if len(req.Signature) != ed25519.SignatureSize {
		return Reject(RejectSignatureInvalid,
			fmt.Errorf("signature must be %d bytes, got %d", ed25519.SignatureSize, len(req.Signature)))
	}

	if err := validateEnvelope(req.Challenge, req.DID, req.Now, req.MaxTTL); err != nil {
		return err
	}

	if !ed25519.Verify(pub, req.Challenge.SigningMessage(), req.Signature) {
		return Reject(RejectSignatureInvalid, errors.New("ed25519 verification failed"))
	}
	return nil
}

func validateEnvelope(ch Challenge, did string, now time.Time, maxTTL time.Duration) error {
	if ch.Challenge == "" {
		return Reject(RejectSchemaInvalid, errors.New("challenge field is required"))
	}
	if ch.Nonce == "" {
		return Reject(RejectSchemaInvalid, errors.New("nonce is required"))
	}
	if ch.IssuedAt <= 0 {
		return Reject(RejectSchemaInvalid, errors.New("iat is required"))
	}
	if ch.Type != "" && ch.Type != ChallengeType {
		return Reject(RejectSchemaInvalid, fmt.Errorf("unsupported challenge type %q", ch.Type))
	}
	if ch.Alg != "" && ch.Alg != Algorithm {
		return Reject(RejectAlgUnsupported, fmt.Errorf("declared algorithm %q", ch.Alg))
	}
	if ch.Audience != "" && ch.Audience != did {
		return Reject(RejectAudienceMismatch,
			fmt.Errorf("challenge audience %q does not cover presented did", ch.Audience))
	}
	// The presented text must match what the signature actually covers.
	if ch.Challenge != string(ch.SigningMessage()) {
		return Reject(RejectSignatureInvalid,
			errors.New("challenge text does not match the signed fields"))
	}
	// exp sits outside the signed message, so it can shorten the lifetime
	// but never extend it past iat plus the verifier's TTL.
	if maxTTL <= 0 {
		maxTTL = DefaultTTL
	}
	expiry := ch.ExpiryOrDefault()
	if limit := time.Unix(ch.IssuedAt, 0).Add(maxTTL); expiry.After(limit) {
		expiry = limit
	}
	if !expiry.After(now) {
		return Reject(RejectExpired, fmt.Errorf("expired at %d", expiry.Unix()))
	}
	return nil
}
