package fingerprint

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/proofvault/engine/pkg/signer"
)

type fakeSigner struct {
	priv []byte
	pub  string
}

func (f fakeSigner) PublicKeyHex() string { return f.pub }

func (f fakeSigner) Sign(digest []byte) (string, error) {
	return signer.Sign(f.priv, digest)
}

func newFakeSigner(t *testing.T) fakeSigner {
	t.Helper()
	priv := make([]byte, 32)
	for i := range priv {
		priv[i] = 0x07
	}
	// pub doesn't need to be the real derived key for this test's purposes;
	// Build only round-trips whatever PublicKeyHex returns into content.signerId.
	return fakeSigner{priv: priv, pub: "03deadbeef"}
}

func TestBuilder_Build_IsPure(t *testing.T) {
	b := NewBuilder("OrgA", "TenantA")
	s := newFakeSigner(t)
	rec := Record{
		ID:                uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		ContentHash:       "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		Filename:          "t.pdf",
		SubmitterLabel:    "alice",
		OrganizationLabel: "Acme",
		CreatedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	att1, fp1, err := b.Build(rec, s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	att2, fp2, err := b.Build(rec, s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if fp1 != fp2 {
		t.Fatalf("expected identical fingerprint hash, got %q and %q", fp1, fp2)
	}
	if att1.Proofs[0].Signature != att2.Proofs[0].Signature {
		t.Fatal("expected identical signature across runs (RFC 6979)")
	}
	if att1.Content.DocumentRef != rec.ContentHash {
		t.Fatal("expected documentRef to equal content hash")
	}
	if att1.Content.EventID != rec.ID.String() {
		t.Fatal("expected eventId to equal record id")
	}
	if att1.Metadata.Hash != fp1 {
		t.Fatal("expected metadata.hash to equal the fingerprint hash")
	}
}

func TestBuilder_Build_FingerprintIndependentOfFilename(t *testing.T) {
	b := NewBuilder("OrgA", "TenantA")
	s := newFakeSigner(t)
	base := Record{
		ID:                uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		ContentHash:       "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		Filename:          "t.pdf",
		OrganizationLabel: "Acme",
		CreatedAt:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	tampered := base
	tampered.Filename = "evil.pdf"

	_, fp1, err := b.Build(base, s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Filename doesn't enter content (only metadata tags), so fingerprint_hash
	// is unaffected by it per spec §4.2 (fingerprint depends only on content).
	_, fp2, err := b.Build(tampered, s)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if fp1 != fp2 {
		t.Fatal("expected fingerprint hash to be independent of filename (not part of content)")
	}
}
