package registration

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/proofvault/engine/pkg/config"
	"github.com/proofvault/engine/pkg/evidence"
	"github.com/proofvault/engine/pkg/fingerprint"
	"github.com/proofvault/engine/pkg/signer"
)

type fakeSigner struct {
	priv []byte
	pub  string
}

func (f fakeSigner) PublicKeyHex() string               { return f.pub }
func (f fakeSigner) Sign(digest []byte) (string, error) { return signer.Sign(f.priv, digest) }

func newFakeSigner() fakeSigner {
	priv := make([]byte, 32)
	for i := range priv {
		priv[i] = 0x03
	}
	_, pub := btcec.PrivKeyFromBytes(priv)
	return fakeSigner{priv: priv, pub: hex.EncodeToString(pub.SerializeCompressed())}
}

func newTestService(t *testing.T) (*Service, *evidence.Repository, func()) {
	t.Helper()
	dsn := os.Getenv("PROOFVAULT_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("test database not configured")
	}
	cfg := &config.Config{DatabaseURL: dsn, DatabaseMaxConns: 5, DatabaseMinConns: 1}
	client, err := evidence.NewClient(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := evidence.NewRepository(client)
	builder := fingerprint.NewBuilder("org-1", "tenant-1")
	svc := New(repo, nil, builder, newFakeSigner(), 10*1024*1024)
	return svc, repo, func() { client.Close() }
}

func minimalPDF() []byte {
	return append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0x20}, 32)...)
}

func TestRegister_RejectsNonPDF(t *testing.T) {
	svc, _, closeFn := newTestService(t)
	defer closeFn()

	_, err := svc.Register(context.Background(), []byte("not a pdf"), "f.pdf", "alice", "Acme")
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v (%T)", err, err)
	}
}

func TestRegister_RejectsOversize(t *testing.T) {
	svc, _, closeFn := newTestService(t)
	defer closeFn()

	oversized := append([]byte("%PDF-1.4\n"), make([]byte, 64)...)
	svc.maxBytes = 10
	_, err := svc.Register(context.Background(), oversized, "f.pdf", "alice", "Acme")
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v (%T)", err, err)
	}
}

func TestRegister_RejectsMissingLabels(t *testing.T) {
	svc, _, closeFn := newTestService(t)
	defer closeFn()

	_, err := svc.Register(context.Background(), minimalPDF(), "", "alice", "Acme")
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError for missing filename, got %v (%T)", err, err)
	}
}

func TestRegister_CreatesThenDuplicateIsIdempotent(t *testing.T) {
	svc, _, closeFn := newTestService(t)
	defer closeFn()

	doc := minimalPDF()
	first, err := svc.Register(context.Background(), doc, "f.pdf", "alice", "Acme")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !first.Created {
		t.Fatal("expected first registration to be Created")
	}

	second, err := svc.Register(context.Background(), doc, "f.pdf", "alice", "Acme")
	if err != nil {
		t.Fatalf("register duplicate: %v", err)
	}
	if second.Created {
		t.Fatal("expected duplicate registration to be Created=false")
	}
	if second.Record.ID != first.Record.ID {
		t.Fatal("expected duplicate to resolve to the same record")
	}
}

func TestVerify_ReportsMismatchBeforeAnySubmission(t *testing.T) {
	svc, _, closeFn := newTestService(t)
	defer closeFn()

	doc := minimalPDF()
	result, err := svc.Register(context.Background(), doc, "f.pdf", "alice", "Acme")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Registration never wrote a fingerprint_hash (that's the confirmation
	// engine's job at submit time), so an immediate Verify is expected to
	// report a mismatch: stored is empty, recomputed is not.
	view, verifyErr := svc.Verify(context.Background(), result.Record.ID)
	if verifyErr == nil {
		t.Fatal("expected IntegrityMismatch before any submission has populated fingerprint_hash")
	}
	if view.RecomputedFingerprintHash == "" {
		t.Fatal("expected a non-empty recomputed fingerprint hash")
	}
}

func TestGetRecord_NotFound(t *testing.T) {
	svc, _, closeFn := newTestService(t)
	defer closeFn()

	_, err := svc.GetRecord(context.Background(), uuid.New())
	if err != evidence.ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}
