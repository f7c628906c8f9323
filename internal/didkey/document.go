package didkey

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/mr-tron/base58/base58"
)

const (
	contextDIDCore    = "https://www.w3.org/ns/did/v1"
	contextEd25519    = "https://w3id.org/security/suites/ed25519-2020/v1"
	verificationSuite = "Ed25519VerificationKey2020"
	serviceType       = "MELDPendant"
)

var ErrInvalidPublicKey = errors.New("invalid ed25519 public key")

// Document is the resolvable DID document for one pendant. Only the
// fields MELD actually serves are modeled.
type Document struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication"`
	Service            []Service            `json:"service,omitempty"`
}

type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

type Service struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	ServiceEndpoint ServiceEndpoint `json:"serviceEndpoint"`
}

type ServiceEndpoint struct {
	ChipUID      string `json:"chipUID"`
	DeviceID     string `json:"deviceID"`
	RegisteredAt int64  `json:"registeredAt"`
}

// BuildDocument assembles the DID document for a pendant's public key and
// physical binding.
func BuildDocument(pub ed25519.PublicKey, chipUID, deviceID string, registeredAt time.Time) (Document, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Document{}, ErrInvalidPublicKey
	}
	did := Encode(pub)
	keyID := did + "#" + multibaseKey(pub)
	return Document{
		Context: []string{contextDIDCore, contextEd25519},
		ID:      did,
		VerificationMethod: []VerificationMethod{
			{
				ID:                 keyID,
				Type:               verificationSuite,
				Controller:         did,
				PublicKeyMultibase: multibaseKey(pub),
			},
		},
		Authentication: []string{keyID},
		Service: []Service{
			{
				ID:   did + "#pendant",
				Type: serviceType,
				ServiceEndpoint: ServiceEndpoint{
					ChipUID:      chipUID,
					DeviceID:     deviceID,
					RegisteredAt: registeredAt.UTC().Unix(),
				},
			},
		},
	}, nil
}

// multibaseKey is the base58btc multibase form ("z" prefix) of the
// multicodec-tagged key, same bytes the did:key method identifier uses.
func multibaseKey(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	buf = append(buf, ed25519Multicodec...)
	buf = append(buf, pub...)
	return "z" + base58.Encode(buf)
}
