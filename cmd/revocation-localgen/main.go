// revocation-localgen bootstraps a local revocation setup for
// development and docker-compose runs: it generates a root key and an
// authority key, writes the trust bundle, and produces a signed initial
// revocation list (optionally pre-seeded with revoked chips).
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meld/authcore/internal/distribution"
	"meld/authcore/internal/revocation"
)

func main() {
	var (
		outDir   = flag.String("out-dir", "", "output directory")
		channel  = flag.String("channel", "meld-revocations", "distribution channel name")
		keyID    = flag.String("key-id", "authority-local-1", "authority key id")
		validFor = flag.Duration("valid-for", 24*time.Hour, "authority key validity duration")
		revoke   = flag.String("revoke", "", "comma-separated chip UIDs to pre-revoke as lost")
	)
	flag.Parse()

	if strings.TrimSpace(*outDir) == "" {
		fail("out-dir is required")
	}

	now := time.Now().UTC()
	expiry := now.Add(*validFor)
	if !expiry.After(now) {
		fail("valid-for must be > 0")
	}

	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		failf("generate root key: %v", err)
	}
	authorityPub, authorityPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		failf("generate authority key: %v", err)
	}

	bundle := revocation.TrustBundle{
		Version:     1,
		BundleID:    fmt.Sprintf("tb_local_%d", now.Unix()),
		GeneratedAt: now,
		RootKeys: []revocation.RootKey{
			{
				KeyID:           "root-local-1",
				Algorithm:       "ed25519",
				PublicKeyBase64: base64.StdEncoding.EncodeToString(rootPub),
			},
		},
		AuthorityKeys: []revocation.AuthorityKey{
			{
				KeyID:           strings.TrimSpace(*keyID),
				Algorithm:       "ed25519",
				PublicKeyBase64: base64.StdEncoding.EncodeToString(authorityPub),
				NotBefore:       now.Add(-5 * time.Minute),
				NotAfter:        expiry,
			},
		},
	}

	store := distribution.NewMemory()
	authority, err := revocation.NewAuthority(revocation.AuthorityConfig{
		KeyID:      strings.TrimSpace(*keyID),
		SigningKey: authorityPriv,
		Store:      store,
		Channel:    *channel,
	})
	if err != nil {
		failf("authority init: %v", err)
	}

	ctx := context.Background()
	var handle string
	for _, uid := range splitCSV(*revoke) {
		handle, err = authority.Revoke(ctx, uid, revocation.ReasonLost, "")
		if err != nil {
			failf("revoke %s: %v", uid, err)
		}
	}

	list := authority.List()
	if list.Version == 0 {
		// No seed entries: publish an empty signed v1 so verifiers have a
		// valid starting point.
		list = revocation.List{
			Version:   1,
			UpdatedAt: now,
			KeyID:     strings.TrimSpace(*keyID),
		}
		payload, err := revocation.CanonicalPayload(list)
		if err != nil {
			failf("canonical payload: %v", err)
		}
		list.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(authorityPriv, payload))
		raw, err := json.Marshal(list)
		if err != nil {
			failf("marshal list: %v", err)
		}
		handle, err = store.Publish(ctx, *channel, raw)
		if err != nil {
			failf("publish list: %v", err)
		}
		list.CID = handle
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		failf("create out dir: %v", err)
	}
	writeJSON(filepath.Join(*outDir, "trust_bundle.json"), bundle)
	writeJSON(filepath.Join(*outDir, "revocation-list.json"), list)
	writeText(filepath.Join(*outDir, "root_key.private.b64"), base64.StdEncoding.EncodeToString(rootPriv))
	writeText(filepath.Join(*outDir, "authority_key.private.b64"), base64.StdEncoding.EncodeToString(authorityPriv))
	writeText(filepath.Join(*outDir, "list-handle.txt"), handle)

	fmt.Println("Generated local revocation setup:")
	fmt.Printf("  channel: %s\n", *channel)
	fmt.Printf("  version: %d entries: %d\n", list.Version, len(list.Entries))
	fmt.Printf("  handle:  %s\n", handle)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func writeJSON(path string, value any) {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		failf("marshal json %s: %v", path, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		failf("write file %s: %v", path, err)
	}
}

func writeText(path, value string) {
	if err := os.WriteFile(path, []byte(value+"\n"), 0o600); err != nil {
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
