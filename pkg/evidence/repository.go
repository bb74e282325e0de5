package evidence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Repository implements the CRUD and compare-and-swap operations the
// registration service and confirmation engine need. It is grounded on the
// teacher's repository_request.go: an INSERT ... ON CONFLICT DO NOTHING
// dedup path, CAS transitions scoped by a WHERE status = $from clause, and
// parameterized, allowlisted List queries.
type Repository struct {
	client *Client
}

// NewRepository wraps a Client in repository operations.
func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

// InsertNew inserts rec if no record with the same content hash exists yet.
// Exactly one concurrent caller observes Created=true for a given hash; all
// others observe Created=false with Record pointing at the pre-existing row.
func (r *Repository) InsertNew(ctx context.Context, rec Record) (*InsertOutcome, error) {
	const insertQuery = `
		INSERT INTO evidence_records
			(id, content_hash, document_bytes, filename, submitter_label, organization_label, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING id, content_hash, document_bytes, filename, submitter_label, organization_label,
			created_at, fingerprint_hash, ledger_tx_id, status, last_status_check_at, last_error`

	row := r.client.db.QueryRowContext(ctx, insertQuery,
		rec.ID, rec.ContentHash, rec.DocumentBytes, rec.Filename, rec.SubmitterLabel, rec.OrganizationLabel, StatusNew)

	inserted, err := scanRecord(row)
	if err == nil {
		return &InsertOutcome{Created: true, Record: inserted}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evidence: insert failed: %w", err)
	}

	existing, err := r.loadByContentHash(ctx, rec.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("evidence: insert conflicted but lookup failed: %w", err)
	}
	return &InsertOutcome{Created: false, Record: existing}, nil
}

// Load fetches a single record by id. Returns ErrRecordNotFound if absent.
func (r *Repository) Load(ctx context.Context, id uuid.UUID) (*Record, error) {
	const query = `
		SELECT id, content_hash, document_bytes, filename, submitter_label, organization_label,
			created_at, fingerprint_hash, ledger_tx_id, status, last_status_check_at, last_error
		FROM evidence_records WHERE id = $1`

	row := r.client.db.QueryRowContext(ctx, query, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: load failed: %w", err)
	}
	return rec, nil
}

func (r *Repository) loadByContentHash(ctx context.Context, contentHash string) (*Record, error) {
	const query = `
		SELECT id, content_hash, document_bytes, filename, submitter_label, organization_label,
			created_at, fingerprint_hash, ledger_tx_id, status, last_status_check_at, last_error
		FROM evidence_records WHERE content_hash = $1`

	row := r.client.db.QueryRowContext(ctx, query, contentHash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// Transition performs a compare-and-swap status change: the update only
// applies if the record's current status still equals from. If another
// worker already moved the record, ErrStaleState is returned and callers
// (the confirmation engine) are expected to treat it as benign and reload.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to Status, patch Patch) error {
	if !from.valid() || !to.valid() {
		return ErrInvalidStatus
	}

	setClauses := []string{"status = $1"}
	args := []any{to}
	argPos := 2

	if patch.FingerprintHash != nil {
		setClauses = append(setClauses, fmt.Sprintf("fingerprint_hash = $%d", argPos))
		args = append(args, *patch.FingerprintHash)
		argPos++
	}
	if patch.LedgerTxID != nil {
		setClauses = append(setClauses, fmt.Sprintf("ledger_tx_id = $%d", argPos))
		args = append(args, *patch.LedgerTxID)
		argPos++
	}
	if patch.LastError != nil {
		setClauses = append(setClauses, fmt.Sprintf("last_error = $%d", argPos))
		args = append(args, *patch.LastError)
		argPos++
	}
	if patch.LastStatusCheckAt != nil {
		setClauses = append(setClauses, fmt.Sprintf("last_status_check_at = $%d", argPos))
		args = append(args, *patch.LastStatusCheckAt)
		argPos++
	}

	args = append(args, id, from)
	query := fmt.Sprintf(
		"UPDATE evidence_records SET %s WHERE id = $%d AND status = $%d",
		strings.Join(setClauses, ", "), argPos, argPos+1,
	)

	result, err := r.client.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("evidence: transition failed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("evidence: transition rows affected: %w", err)
	}
	if rows == 0 {
		if _, loadErr := r.Load(ctx, id); loadErr != nil {
			return loadErr
		}
		return ErrStaleState
	}
	return nil
}

// List returns records matching filters, ordered by the allowlisted sort
// field.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]*Record, error) {
	var (
		conditions []string
		args       []any
	)

	if filters.Status != nil {
		if !filters.Status.valid() {
			return nil, ErrInvalidStatus
		}
		args = append(args, *filters.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.OrganizationLabel != nil {
		args = append(args, *filters.OrganizationLabel)
		conditions = append(conditions, fmt.Sprintf("organization_label = $%d", len(args)))
	}

	sortColumn, ok := sortFieldAllowlist[filters.SortField]
	if !ok {
		sortColumn = "created_at"
	}
	direction := "ASC"
	if filters.SortDescending {
		direction = "DESC"
	}

	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := "SELECT id, content_hash, document_bytes, filename, submitter_label, organization_label, " +
		"created_at, fingerprint_hash, ledger_tx_id, status, last_status_check_at, last_error FROM evidence_records"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT %d OFFSET %d", sortColumn, direction, limit, filters.Offset)

	rows, err := r.client.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("evidence: list failed: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("evidence: list scan failed: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListPendingConfirmation returns records whose status still requires
// polling, ordered so the least-recently-checked record is picked up first.
// This is the confirmation engine's work queue.
func (r *Repository) ListPendingConfirmation(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT id, content_hash, document_bytes, filename, submitter_label, organization_label,
			created_at, fingerprint_hash, ledger_tx_id, status, last_status_check_at, last_error
		FROM evidence_records
		WHERE status IN ('SUBMITTED', 'PENDING_COMMITMENT')
		ORDER BY last_status_check_at ASC NULLS FIRST
		LIMIT $1`

	rows, err := r.client.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("evidence: list pending failed: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRows(rows)
		if err != nil {
			return nil, fmt.Errorf("evidence: list pending scan failed: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	return scanRows(row)
}

func scanRows(s scanner) (*Record, error) {
	var rec Record
	err := s.Scan(
		&rec.ID, &rec.ContentHash, &rec.DocumentBytes, &rec.Filename, &rec.SubmitterLabel, &rec.OrganizationLabel,
		&rec.CreatedAt, &rec.FingerprintHash, &rec.LedgerTxID, &rec.Status, &rec.LastStatusCheckAt, &rec.LastError,
	)
	if err != nil {
		return nil, err
	}
	if !rec.Status.valid() {
		return nil, ErrInvalidStatus
	}
	return &rec, nil
}
