// meld-provision derives a device identity from a seed phrase and emits
// everything a tag writer and a relying party need: the public payload in
// the encoding the tag can hold, the DID document, the signed identity
// attestation and, optionally, an encrypted seed backup.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tyler-smith/go-bip39"

	"meld/authcore/internal/chip"
	"meld/authcore/internal/didkey"
	"meld/authcore/internal/identity"
	"meld/authcore/internal/securestore"
)

func main() {
	var (
		mnemonic  = flag.String("mnemonic", "", "BIP-39 seed phrase; generated when empty")
		deviceID  = flag.String("device-id", "", "device identifier, e.g. pendant-001")
		chipUID   = flag.String("chip-uid", "", "NFC chip UID (hex, with or without colons)")
		authHost  = flag.String("auth-host", "", "relying party host for the tap URL")
		capacity  = flag.Int("capacity", 504, "tag capacity in bytes")
		outDir    = flag.String("out-dir", "", "output directory")
		password  = flag.String("seed-password", "", "when set, writes seed.enc encrypted with this password")
		legacyStr = flag.String("legacy-scheme", "", "derive with a legacy scheme instead of the current one")
	)
	flag.Parse()

	if strings.TrimSpace(*outDir) == "" {
		fail("out-dir is required")
	}
	if strings.TrimSpace(*deviceID) == "" {
		fail("device-id is required")
	}
	if strings.TrimSpace(*authHost) == "" {
		fail("auth-host is required")
	}

	phrase := strings.TrimSpace(*mnemonic)
	generated := false
	if phrase == "" {
		entropy, err := bip39.NewEntropy(128)
		if err != nil {
			failf("generate entropy: %v", err)
		}
		phrase, err = bip39.NewMnemonic(entropy)
		if err != nil {
			failf("generate mnemonic: %v", err)
		}
		generated = true
	}

	seed, err := identity.MasterSeedFromMnemonic(phrase)
	if err != nil {
		failf("derive master seed: %v", err)
	}

	var dev identity.DeviceIdentity
	if *legacyStr != "" {
		dev, err = identity.DeriveLegacy(identity.LegacyScheme(*legacyStr), seed, *deviceID)
	} else {
		dev, err = identity.Derive(seed, *deviceID)
	}
	if err != nil {
		failf("derive device identity: %v", err)
	}
	defer dev.Zero()

	builder, err := chip.NewBuilder(*authHost)
	if err != nil {
		failf("payload builder: %v", err)
	}
	payload, err := builder.
		WithDevice(dev.DeviceID, dev.DerivationPath, dev.PublicKey).
		WithChipUID(*chipUID).
		Seal()
	if err != nil {
		failf("seal payload: %v", err)
	}

	now := time.Now().UTC()
	attested, err := chip.NewIdentity(payload.ChipUID, dev.DeviceID, dev.PrivateKey, now)
	if err != nil {
		failf("build identity attestation: %v", err)
	}
	doc, err := didkey.BuildDocument(dev.PublicKey, payload.ChipUID, dev.DeviceID, now)
	if err != nil {
		failf("build did document: %v", err)
	}
	enc, tagBytes, err := chip.MarshalForCapacity(*capacity, attested)
	if err != nil {
		failf("encode for tag capacity %d: %v", *capacity, err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		failf("create out dir: %v", err)
	}
	writeJSON(filepath.Join(*outDir, "payload.json"), payload)
	writeJSON(filepath.Join(*outDir, "did-document.json"), doc)
	writeFile(filepath.Join(*outDir, "tag-record."+string(enc)), tagBytes, 0o644)

	if *password != "" {
		encrypted, err := securestore.Encrypt(*password, seed)
		if err != nil {
			failf("encrypt seed: %v", err)
		}
		writeFile(filepath.Join(*outDir, "seed.enc"), encrypted, 0o600)
	}

	stdoutf("did:        %s\n", didkey.Encode(dev.PublicKey))
	stdoutf("device:     %s\n", dev.DeviceID)
	stdoutf("chip:       %s\n", payload.ChipUID)
	stdoutf("path:       %s\n", dev.DerivationPath)
	stdoutf("encoding:   %s (%d bytes into %d)\n", enc, len(tagBytes), *capacity)
	stdoutf("public key: %s\n", base64.StdEncoding.EncodeToString(dev.PublicKey))
	if generated {
		// Printed once; never logged or persisted in the clear.
		stdoutf("mnemonic:   %s\n", phrase)
	}
}

func writeJSON(path string, value any) {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		failf("marshal json %s: %v", path, err)
	}
	writeFile(path, raw, 0o644)
}

func writeFile(path string, data []byte, mode os.FileMode) {
	if err := os.WriteFile(path, data, mode); err != nil {
		failf("write file %s: %v", path, err)
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func failf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func stdoutf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
