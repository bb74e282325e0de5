package evidence

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/proofvault/engine/pkg/config"
)

// testClient is populated by TestMain when PROOFVAULT_TEST_DB_DSN is set.
// Tests that need it skip individually when it's nil, matching the
// teacher's own database test convention.
var testClient *Client

func TestMain(m *testing.M) {
	dsn := os.Getenv("PROOFVAULT_TEST_DB_DSN")
	if dsn == "" {
		os.Exit(m.Run())
	}

	cfg := &config.Config{DatabaseURL: dsn, DatabaseMaxConns: 5, DatabaseMinConns: 1}
	client, err := NewClient(cfg)
	if err != nil {
		panic("failed to connect to test database: " + err.Error())
	}
	if err := client.MigrateUp(context.Background()); err != nil {
		panic("failed to run migrations: " + err.Error())
	}
	testClient = client

	code := m.Run()
	client.Close()
	os.Exit(code)
}

func newTestRecord() Record {
	return Record{
		ID:                uuid.New(),
		ContentHash:       "h-" + uuid.New().String(),
		DocumentBytes:     []byte("hello world"),
		Filename:          "doc.pdf",
		SubmitterLabel:    "alice",
		OrganizationLabel: "Acme",
	}
}

func TestInsertNew_FirstCallerCreates(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewRepository(testClient)
	ctx := context.Background()
	rec := newTestRecord()

	outcome, err := repo.InsertNew(ctx, rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !outcome.Created {
		t.Fatal("expected first insert to report Created=true")
	}
	if outcome.Record.Status != StatusNew {
		t.Fatalf("expected status NEW, got %s", outcome.Record.Status)
	}
}

func TestInsertNew_DuplicateContentHashIsIdempotent(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewRepository(testClient)
	ctx := context.Background()
	rec := newTestRecord()

	first, err := repo.InsertNew(ctx, rec)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := rec
	dup.ID = uuid.New()
	second, err := repo.InsertNew(ctx, dup)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second.Created {
		t.Fatal("expected duplicate content hash to report Created=false")
	}
	if second.Record.ID != first.Record.ID {
		t.Fatal("expected duplicate insert to return the original record")
	}
}

func TestTransition_SucceedsWhenStatusMatches(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewRepository(testClient)
	ctx := context.Background()
	rec := newTestRecord()

	outcome, err := repo.InsertNew(ctx, rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	fp := "abc123"
	err = repo.Transition(ctx, outcome.Record.ID, StatusNew, StatusSubmitted, Patch{FingerprintHash: &fp})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	loaded, err := repo.Load(ctx, outcome.Record.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != StatusSubmitted {
		t.Fatalf("expected status SUBMITTED, got %s", loaded.Status)
	}
	if !loaded.FingerprintHash.Valid || loaded.FingerprintHash.String != fp {
		t.Fatal("expected fingerprint hash to be persisted")
	}
}

func TestTransition_ReturnsStaleStateOnCASMismatch(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewRepository(testClient)
	ctx := context.Background()
	rec := newTestRecord()

	outcome, err := repo.InsertNew(ctx, rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Current status is NEW; asking to move from SUBMITTED should fail as stale.
	err = repo.Transition(ctx, outcome.Record.ID, StatusSubmitted, StatusPendingCommitment, Patch{})
	if err != ErrStaleState {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
}

func TestLoad_NotFound(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewRepository(testClient)
	_, err := repo.Load(context.Background(), uuid.New())
	if err != ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestList_FiltersByOrganization(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewRepository(testClient)
	ctx := context.Background()

	org := "ListOrg-" + uuid.New().String()
	rec := newTestRecord()
	rec.OrganizationLabel = org
	if _, err := repo.InsertNew(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	results, err := repo.List(ctx, ListFilters{OrganizationLabel: &org, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 record, got %d", len(results))
	}
}

func TestClient_Health(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	status := testClient.Health(context.Background())
	if !status.Healthy {
		t.Fatalf("expected healthy status, got error: %s", status.Error)
	}
}
