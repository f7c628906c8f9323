package chip

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Encoding names one on-tag serialization variant. The set is closed:
// pick by declared tag capacity, never ad hoc per call site.
type Encoding string

const (
	// EncodingFull is the complete JSON payload, for tags with room to
	// spare (NTAG216 class, ~888 bytes).
	EncodingFull Encoding = "full"
	// EncodingCompact is the {c,d,t} JSON object sized for mid-range tags.
	EncodingCompact Encoding = "compact"
	// EncodingCBOR is the CBOR form of the compact record, for the
	// smallest usable tags (~130 bytes).
	EncodingCBOR Encoding = "cbor"
)

var ErrCapacityTooSmall = errors.New("tag capacity too small for any encoding")

// Capacity thresholds in usable bytes. Derived from common tag families:
// NTAG213 ≈ 144, NTAG215 ≈ 504, NTAG216 ≈ 888.
const (
	minFullCapacity    = 504
	minCompactCapacity = 180
	minCBORCapacity    = 100
)

// compactRecord is the wire shape shared by compact JSON and CBOR:
// chip UID, DID and registration time, nothing else.
type compactRecord struct {
	C string `json:"c" cbor:"1,keyasint"`
	D string `json:"d" cbor:"2,keyasint"`
	T int64  `json:"t" cbor:"3,keyasint"`
}

// SelectEncoding maps a declared tag capacity (usable bytes) to the
// largest encoding that fits.
func SelectEncoding(capacityBytes int) (Encoding, error) {
	switch {
	case capacityBytes >= minFullCapacity:
		return EncodingFull, nil
	case capacityBytes >= minCompactCapacity:
		return EncodingCompact, nil
	case capacityBytes >= minCBORCapacity:
		return EncodingCBOR, nil
	default:
		return "", fmt.Errorf("%w: %d bytes", ErrCapacityTooSmall, capacityBytes)
	}
}

// Marshal serializes a registration record for the tag using the given
// encoding.
func Marshal(enc Encoding, id Identity) ([]byte, error) {
	switch enc {
	case EncodingFull:
		return json.Marshal(id)
	case EncodingCompact:
		return json.Marshal(compactRecord{
			C: id.ChipUID,
			D: id.DID,
			T: id.RegisteredAt.Unix(),
		})
	case EncodingCBOR:
		return cbor.Marshal(compactRecord{
			C: id.ChipUID,
			D: id.DID,
			T: id.RegisteredAt.Unix(),
		})
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

// MarshalForCapacity picks the encoding for the tag and serializes in one
// step.
func MarshalForCapacity(capacityBytes int, id Identity) (Encoding, []byte, error) {
	enc, err := SelectEncoding(capacityBytes)
	if err != nil {
		return "", nil, err
	}
	raw, err := Marshal(enc, id)
	if err != nil {
		return "", nil, err
	}
	if len(raw) > capacityBytes {
		return "", nil, fmt.Errorf("%w: %s needs %d bytes, tag has %d",
			ErrCapacityTooSmall, enc, len(raw), capacityBytes)
	}
	return enc, raw, nil
}

// UnmarshalCompact decodes the compact JSON or CBOR record. The two are
// distinguished by the leading byte: JSON objects start with '{'.
func UnmarshalCompact(raw []byte) (chipUID, did string, registeredAt int64, err error) {
	var rec compactRecord
	if len(raw) > 0 && raw[0] == '{' {
		err = json.Unmarshal(raw, &rec)
	} else {
		err = cbor.Unmarshal(raw, &rec)
	}
	if err != nil {
		return "", "", 0, err
	}
	return rec.C, rec.D, rec.T, nil
}
