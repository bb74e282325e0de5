// Package registration implements the public contract the HTTP edge
// consumes: register, get_record, list_records and verify. It is grounded
// on the teacher's pkg/server/proof_handlers.go service-layer shape, a
// thin struct wrapping a repository handle with validation and view
// projection kept separate from the HTTP transport.
package registration

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/proofvault/engine/pkg/canonicalize"
	"github.com/proofvault/engine/pkg/confirmation"
	"github.com/proofvault/engine/pkg/evidence"
	"github.com/proofvault/engine/pkg/fingerprint"
	"github.com/proofvault/engine/pkg/hashchain"
	"github.com/proofvault/engine/pkg/signer"
)

var pdfMagic = []byte("%PDF-")

const maxLabelLen = 255

// Service implements register/get_record/list_records/verify over a
// repository and the confirmation engine that drives records to
// finalization in the background.
type Service struct {
	repo     *evidence.Repository
	engine   *confirmation.Engine
	builder  *fingerprint.Builder
	signer   fingerprint.Signer
	maxBytes int64
	logger   *log.Logger
}

// New builds a registration service. engine may be nil in tests that only
// exercise register/get_record/list_records without a live confirmation
// loop; verify and retry do not require it.
func New(repo *evidence.Repository, engine *confirmation.Engine, builder *fingerprint.Builder, signer fingerprint.Signer, maxBytes int64) *Service {
	return &Service{
		repo:     repo,
		engine:   engine,
		builder:  builder,
		signer:   signer,
		maxBytes: maxBytes,
		logger:   log.New(log.Writer(), "[registration] ", log.LstdFlags),
	}
}

// RecordView is the non-byte projection of an evidence record returned to
// callers; document_bytes is never serialized back out.
type RecordView struct {
	ID                uuid.UUID  `json:"id"`
	ContentHash       string     `json:"contentHash"`
	Filename          string     `json:"filename"`
	SubmitterLabel    string     `json:"submitterLabel"`
	OrganizationLabel string     `json:"organizationLabel"`
	CreatedAt         time.Time  `json:"createdAt"`
	FingerprintHash   string     `json:"fingerprintHash,omitempty"`
	LedgerTxID        string     `json:"ledgerTxId,omitempty"`
	Status            string     `json:"status"`
	LastStatusCheckAt *time.Time `json:"lastStatusCheckAt,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
}

func toView(rec *evidence.Record) *RecordView {
	v := &RecordView{
		ID:                rec.ID,
		ContentHash:       rec.ContentHash,
		Filename:          rec.Filename,
		SubmitterLabel:    rec.SubmitterLabel,
		OrganizationLabel: rec.OrganizationLabel,
		CreatedAt:         rec.CreatedAt,
		Status:            string(rec.Status),
	}
	if rec.FingerprintHash.Valid {
		v.FingerprintHash = rec.FingerprintHash.String
	}
	if rec.LedgerTxID.Valid {
		v.LedgerTxID = rec.LedgerTxID.String
	}
	if rec.LastStatusCheckAt.Valid {
		t := rec.LastStatusCheckAt.Time
		v.LastStatusCheckAt = &t
	}
	if rec.LastError.Valid {
		v.LastError = rec.LastError.String
	}
	return v
}

// RegistrationResult is the outcome of Register: exactly one caller
// observes Created=true for a given content hash.
type RegistrationResult struct {
	Created bool
	Record  *RecordView
}

// Register validates docBytes and the accompanying labels, then persists
// the record as NEW. It does not wait for the ledger: a newly created
// record is handed to the confirmation engine via Kick (when an engine is
// configured), and confirmation proceeds asynchronously from there and in
// the engine's regular sweep.
func (s *Service) Register(ctx context.Context, docBytes []byte, filename, submitterLabel, orgLabel string) (*RegistrationResult, error) {
	if err := validate(docBytes, filename, submitterLabel, orgLabel, s.maxBytes); err != nil {
		return nil, err
	}

	rec := evidence.Record{
		ID:                uuid.New(),
		ContentHash:       hashchain.ContentHash(docBytes),
		DocumentBytes:     docBytes,
		Filename:          filename,
		SubmitterLabel:    submitterLabel,
		OrganizationLabel: orgLabel,
		Status:            evidence.StatusNew,
	}

	outcome, err := s.repo.InsertNew(ctx, rec)
	if err != nil {
		s.logger.Printf("insert failed for content_hash %s: %v", rec.ContentHash, err)
		return nil, fmt.Errorf("registration: register failed: %w", err)
	}

	if outcome.Created && s.engine != nil {
		s.engine.Kick(context.Background(), outcome.Record.ID)
	}

	return &RegistrationResult{Created: outcome.Created, Record: toView(outcome.Record)}, nil
}

func validate(docBytes []byte, filename, submitterLabel, orgLabel string, maxBytes int64) error {
	if int64(len(docBytes)) > maxBytes {
		return &ValidationError{Field: "document", Reason: fmt.Sprintf("exceeds maximum size of %d bytes", maxBytes)}
	}
	if !bytes.HasPrefix(docBytes, pdfMagic) {
		return &ValidationError{Field: "document", Reason: "missing PDF magic bytes"}
	}
	if filename == "" || len(filename) > maxLabelLen {
		return &ValidationError{Field: "filename", Reason: "must be non-empty and at most 255 bytes"}
	}
	if submitterLabel == "" || len(submitterLabel) > maxLabelLen {
		return &ValidationError{Field: "submitterLabel", Reason: "must be non-empty and at most 255 bytes"}
	}
	if orgLabel == "" || len(orgLabel) > maxLabelLen {
		return &ValidationError{Field: "organizationLabel", Reason: "must be non-empty and at most 255 bytes"}
	}
	return nil
}

// GetRecord returns the current view of a single record.
func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*RecordView, error) {
	rec, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return toView(rec), nil
}

// Page is a bounded slice of records plus the pagination parameters that
// produced it.
type Page struct {
	Records []*RecordView `json:"records"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
}

// ListRecords applies filters, pagination and sorting over the repository.
func (s *Service) ListRecords(ctx context.Context, filters evidence.ListFilters) (*Page, error) {
	recs, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	views := make([]*RecordView, 0, len(recs))
	for _, r := range recs {
		views = append(views, toView(r))
	}
	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return &Page{Records: views, Limit: limit, Offset: filters.Offset}, nil
}

// VerificationView reports the result of independently re-verifying a
// stored record's integrity.
type VerificationView struct {
	RecordID                  uuid.UUID `json:"recordId"`
	Status                    string    `json:"status"`
	StoredFingerprintHash     string    `json:"storedFingerprintHash"`
	RecomputedFingerprintHash string    `json:"recomputedFingerprintHash"`
	SignatureValid            bool      `json:"signatureValid"`
	Matches                   bool      `json:"matches"`
}

// Verify re-runs the Fingerprint Builder over the stored record and
// compares the result against what was persisted at submit time. A
// mismatch in the recomputed content hash, fingerprint hash, or signature
// validity yields an IntegrityMismatch error; the record itself is left
// untouched. The ledger is not consulted: the view carries no ledger status.
func (s *Service) Verify(ctx context.Context, id uuid.UUID) (*VerificationView, error) {
	rec, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if recomputedContentHash := hashchain.ContentHash(rec.DocumentBytes); recomputedContentHash != rec.ContentHash {
		return nil, &IntegrityMismatch{RecordID: id.String(), Reason: "stored document bytes no longer hash to content_hash"}
	}

	frec := fingerprint.Record{
		ID:                rec.ID,
		ContentHash:       rec.ContentHash,
		Filename:          rec.Filename,
		SubmitterLabel:    rec.SubmitterLabel,
		OrganizationLabel: rec.OrganizationLabel,
		CreatedAt:         rec.CreatedAt,
	}
	attestation, recomputedHash, err := s.builder.Build(frec, s.signer)
	if err != nil {
		return nil, fmt.Errorf("registration: verify failed to rebuild attestation: %w", err)
	}

	storedHash := ""
	if rec.FingerprintHash.Valid {
		storedHash = rec.FingerprintHash.String
	}

	pubKeyBytes, err := hex.DecodeString(s.signer.PublicKeyHex())
	if err != nil {
		return nil, fmt.Errorf("registration: verify failed to decode signer public key: %w", err)
	}
	canonical, err := canonicalize.Canonicalize(attestation.Content)
	if err != nil {
		return nil, fmt.Errorf("registration: verify failed to canonicalize content: %w", err)
	}
	_, digest := hashchain.ChainedDigest(canonical)
	sigValid, err := signer.Verify(pubKeyBytes, digest[:], attestation.Proofs[0].Signature)
	if err != nil {
		return nil, fmt.Errorf("registration: verify failed: %w", err)
	}

	matches := storedHash == recomputedHash && sigValid

	view := &VerificationView{
		RecordID:                  rec.ID,
		Status:                    string(rec.Status),
		StoredFingerprintHash:     storedHash,
		RecomputedFingerprintHash: recomputedHash,
		SignatureValid:            sigValid,
		Matches:                   matches,
	}

	if !matches {
		return view, &IntegrityMismatch{RecordID: id.String(), Reason: "recomputed fingerprint_hash or signature diverges from the stored record"}
	}
	return view, nil
}

// Retry re-arms an ERRORED_COMMITMENT record, transitioning it back to
// SUBMITTED so the confirmation engine's next sweep picks it up again; NEW
// is never a valid retry target (no backward transition skips SUBMITTED).
// If ledger_tx_id is already set (the record errored during polling), the
// engine reuses it and polls; if it is null (the record errored before any
// ledger acknowledgement), the engine re-submits.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) (*RecordView, error) {
	rec, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != evidence.StatusErroredCommitment {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("retry is only valid from ERRORED_COMMITMENT, record is %s", rec.Status)}
	}

	cleared := ""
	if err := s.repo.Transition(ctx, id, evidence.StatusErroredCommitment, evidence.StatusSubmitted, evidence.Patch{LastError: &cleared}); err != nil {
		return nil, fmt.Errorf("registration: retry failed: %w", err)
	}
	reloaded, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.engine != nil {
		s.engine.Kick(context.Background(), id)
	}
	return toView(reloaded), nil
}
