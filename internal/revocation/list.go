// Package revocation maintains the signed, versioned, append-only record
// of chips that must no longer be trusted, and distributes it through the
// content-addressed store so offline verifiers can sync it.
package revocation

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Reason is the closed set of revocation causes.
type Reason string

const (
	ReasonLost        Reason = "lost"
	ReasonStolen      Reason = "stolen"
	ReasonCompromised Reason = "compromised"
	ReasonRotation    Reason = "rotation"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonLost, ReasonStolen, ReasonCompromised, ReasonRotation:
		return true
	}
	return false
}

// RejectCode classifies why a fetched list was refused.
type RejectCode string

const (
	RejectSchemaInvalid    RejectCode = "REVOCATION_SCHEMA_INVALID"
	RejectKeyUnknown       RejectCode = "REVOCATION_KEY_UNKNOWN"
	RejectSignatureInvalid RejectCode = "REVOCATION_SIGNATURE_INVALID"
	RejectVersionReplay    RejectCode = "REVOCATION_VERSION_REPLAY"
)

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

func RejectCodeOf(err error) (RejectCode, bool) {
	var verr *VerifyError
	if errors.As(err, &verr) {
		return verr.Code, true
	}
	return "", false
}

// Entry is one revoked chip. Append-only: entries are never deleted, a
// rotated chip points at its successor through NewChipUID.
type Entry struct {
	ChipUID    string    `json:"chip_uid"`
	RevokedAt  time.Time `json:"revoked_at"`
	Reason     Reason    `json:"reason"`
	NewChipUID string    `json:"new_chip_uid,omitempty"`
	Signature  string    `json:"signature"`
}

// List is the complete signed registry state. Version only ever grows;
// the whole list is re-signed by the revocation authority key on every
// change. CID is filled in after publication.
type List struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Entries   []Entry   `json:"entries"`
	KeyID     string    `json:"key_id"`
	Signature string    `json:"signature"`
	CID       string    `json:"cid,omitempty"`
}

// ParseStrict decodes a serialized list, refusing unknown fields and
// trailing tokens, and validates the schema.
func ParseStrict(raw []byte) (List, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var l List
	if err := dec.Decode(&l); err != nil {
		return List{}, &VerifyError{Code: RejectSchemaInvalid, Err: err}
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return List{}, &VerifyError{Code: RejectSchemaInvalid, Err: errors.New("unexpected trailing json tokens")}
	} else if !errors.Is(err, io.EOF) {
		return List{}, &VerifyError{Code: RejectSchemaInvalid, Err: err}
	}
	if err := validateSchema(l); err != nil {
		return List{}, err
	}
	return l, nil
}

func validateSchema(l List) error {
	if l.Version < 1 {
		return &VerifyError{Code: RejectSchemaInvalid, Err: errors.New("version must be >= 1")}
	}
	if l.UpdatedAt.IsZero() {
		return &VerifyError{Code: RejectSchemaInvalid, Err: errors.New("updated_at is required")}
	}
	if l.KeyID == "" {
		return &VerifyError{Code: RejectSchemaInvalid, Err: errors.New("key_id is required")}
	}
	if l.Signature == "" {
		return &VerifyError{Code: RejectSchemaInvalid, Err: errors.New("signature is required")}
	}
	for i, e := range l.Entries {
		if e.ChipUID == "" {
			return &VerifyError{Code: RejectSchemaInvalid, Err: fmt.Errorf("entry %d: chip_uid is required", i)}
		}
		if e.RevokedAt.IsZero() {
			return &VerifyError{Code: RejectSchemaInvalid, Err: fmt.Errorf("entry %d: revoked_at is required", i)}
		}
		if !e.Reason.Valid() {
			return &VerifyError{Code: RejectSchemaInvalid, Err: fmt.Errorf("entry %d: unknown reason %q", i, e.Reason)}
		}
		if e.Reason == ReasonRotation && e.NewChipUID == "" {
			return &VerifyError{Code: RejectSchemaInvalid, Err: fmt.Errorf("entry %d: rotation requires new_chip_uid", i)}
		}
	}
	return nil
}

// CanonicalPayload is the byte string the authority signs: the list minus
// its own signature and distribution handle, in fixed key order.
func CanonicalPayload(l List) ([]byte, error) {
	entries := make([]map[string]any, 0, len(l.Entries))
	for _, e := range l.Entries {
		entry := map[string]any{
			"chip_uid":   e.ChipUID,
			"revoked_at": e.RevokedAt.UTC().Format(time.RFC3339Nano),
			"reason":     string(e.Reason),
			"signature":  e.Signature,
		}
		if e.NewChipUID != "" {
			entry["new_chip_uid"] = e.NewChipUID
		}
		entries = append(entries, entry)
	}
	v := map[string]any{
		"version":    l.Version,
		"updated_at": l.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"entries":    entries,
		"key_id":     l.KeyID,
	}
	return json.Marshal(v)
}

// entrySigningBytes is the canonical per-entry message.
func entrySigningBytes(e Entry) []byte {
	b := make([]byte, 0, len(e.ChipUID)+len(e.NewChipUID)+len(e.Reason)+24)
	b = append(b, []byte(e.ChipUID)...)
	b = append(b, 0)
	b = append(b, []byte(fmt.Sprintf("%d", e.RevokedAt.Unix()))...)
	b = append(b, 0)
	b = append(b, []byte(e.Reason)...)
	b = append(b, 0)
	b = append(b, []byte(e.NewChipUID)...)
	return b
}

// Lookup builds the O(1) lookup index for a list. Later entries win when
// a chip appears more than once.
func (l List) Lookup() map[string]*Entry {
	idx := make(map[string]*Entry, len(l.Entries))
	for i := range l.Entries {
		idx[l.Entries[i].ChipUID] = &l.Entries[i]
	}
	return idx
}

func decodeSignature(sig string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return nil, errors.New("signature is not valid base64")
	}
	return raw, nil
}
