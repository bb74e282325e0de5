package keystore

import (
	"path/filepath"
	"testing"
)

func TestLoad_GeneratesAndPersistsOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signer.json")

	id, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if id.PublicKeyHex() == "" || id.Address() == "" {
		t.Fatal("expected populated public key and address")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.PublicKeyHex() != id.PublicKeyHex() {
		t.Fatal("expected reload to return the same identity")
	}
	if reloaded.Address() != id.Address() {
		t.Fatal("expected reload to return the same address")
	}
}

func TestLoad_SigningRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signer.json")

	id, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}
	sig, err := id.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig == "" {
		t.Fatal("expected non-empty signature")
	}
}

func TestLoad_RejectsTamperedKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signer.json")

	if _, err := Load(path); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	if err := persistAtomic(path, keyFile{
		PrivateKey: "0101010101010101010101010101010101010101010101010101010101010101"[:64],
		PublicKey:  "not-the-real-derived-key",
		Address:    "0xdeadbeef",
	}); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected mismatch error on tampered key file")
	}
}
