package confirmation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/proofvault/engine/pkg/config"
	"github.com/proofvault/engine/pkg/evidence"
	"github.com/proofvault/engine/pkg/fingerprint"
	"github.com/proofvault/engine/pkg/ledger"
	"github.com/proofvault/engine/pkg/signer"
)

func newTestID() uuid.UUID { return uuid.New() }

func TestBumpSchedule_DoublesUpToCeiling(t *testing.T) {
	e := &Engine{
		pollInit: 2 * time.Second,
		pollCeil: 8 * time.Second,
		schedule: make(map[uuid.UUID]*pollState),
	}
	id := uuid.New()
	e.bumpSchedule(id)
	if e.schedule[id].delay != 2*time.Second {
		t.Fatalf("expected initial delay 2s, got %s", e.schedule[id].delay)
	}
	e.bumpSchedule(id)
	if e.schedule[id].delay != 4*time.Second {
		t.Fatalf("expected doubled delay 4s, got %s", e.schedule[id].delay)
	}
	e.bumpSchedule(id)
	e.bumpSchedule(id)
	if e.schedule[id].delay != e.pollCeil {
		t.Fatalf("expected delay capped at ceiling %s, got %s", e.pollCeil, e.schedule[id].delay)
	}
}

type fakeSigner struct {
	priv []byte
	pub  string
}

func (f fakeSigner) PublicKeyHex() string               { return f.pub }
func (f fakeSigner) Sign(digest []byte) (string, error) { return signer.Sign(f.priv, digest) }

func newEngineForTest(t *testing.T, ledgerURL string, repo *evidence.Repository) *Engine {
	t.Helper()
	cfg := &config.Config{
		WorkersPoolSize:             4,
		ConfirmationPollInitialMs:   10,
		ConfirmationPollCeilingMs:   100,
		ConfirmationTotalDeadlineMs: 60000,
		LedgerBaseURL:               ledgerURL,
		LedgerAPIKey:                "key",
		LedgerOrgID:                 "org-1",
		LedgerTenantID:              "tenant-1",
		LedgerSubmitDeadlineMs:      5000,
		LedgerMaxAttempts:           2,
		LedgerCircuitThreshold:      5,
		LedgerCircuitOpenMs:         1000,
	}
	lc := ledger.NewClient(cfg)
	builder := fingerprint.NewBuilder("org-1", "tenant-1")
	priv := make([]byte, 32)
	for i := range priv {
		priv[i] = 0x09
	}
	return New(cfg, repo, lc, builder, fakeSigner{priv: priv, pub: "03abc"})
}

// TestEngine_SubmitThenFinalize exercises the full NEW -> SUBMITTED ->
// PENDING_COMMITMENT -> FINALIZED_COMMITMENT path against a real repository and a stub HTTP
// ledger. Skipped unless a test database is configured, matching the
// teacher's database test convention.
func TestEngine_SubmitThenFinalize(t *testing.T) {
	dsn := os.Getenv("PROOFVAULT_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("test database not configured")
	}

	finalized := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]any{"txId": "tx-engine-test"})
		default:
			if !finalized {
				finalized = true
				json.NewEncoder(w).Encode(map[string]any{"status": "PENDING_COMMITMENT", "txId": "tx-engine-test"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"status": "FINALIZED_COMMITMENT", "txId": "tx-engine-test"})
		}
	}))
	defer server.Close()

	dbCfg := &config.Config{DatabaseURL: dsn, DatabaseMaxConns: 5, DatabaseMinConns: 1}
	client, err := evidence.NewClient(dbCfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := evidence.NewRepository(client)

	rec := evidence.Record{
		ID:                newTestID(),
		ContentHash:       "engine-test-" + newTestID().String(),
		DocumentBytes:     []byte("hi"),
		Filename:          "f.pdf",
		SubmitterLabel:    "bob",
		OrganizationLabel: "Acme",
	}
	outcome, err := repo.InsertNew(context.Background(), rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	e := newEngineForTest(t, server.URL, repo)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.processRecord(ctx, outcome.Record)
	loaded, err := repo.Load(ctx, outcome.Record.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != evidence.StatusSubmitted {
		t.Fatalf("expected SUBMITTED after submit, got %s", loaded.Status)
	}

	e.processRecord(ctx, loaded)
	loaded, err = repo.Load(ctx, outcome.Record.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != evidence.StatusPendingCommitment {
		t.Fatalf("expected PENDING_COMMITMENT after first poll, got %s", loaded.Status)
	}

	e.processRecord(ctx, loaded)
	loaded, err = repo.Load(ctx, outcome.Record.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Status != evidence.StatusFinalizedCommitment {
		t.Fatalf("expected FINALIZED_COMMITMENT after second poll, got %s", loaded.Status)
	}
}
