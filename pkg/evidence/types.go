package evidence

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Status is a closed enumeration of the states an evidence record can be
// in. Unknown values are never stored or read; every query path that reads
// a status column validates it against this set.
type Status string

const (
	StatusNew                 Status = "NEW"
	StatusSubmitted           Status = "SUBMITTED"
	StatusPendingCommitment   Status = "PENDING_COMMITMENT"
	StatusFinalizedCommitment Status = "FINALIZED_COMMITMENT"
	StatusErroredCommitment   Status = "ERRORED_COMMITMENT"
)

func (s Status) valid() bool {
	switch s {
	case StatusNew, StatusSubmitted, StatusPendingCommitment, StatusFinalizedCommitment, StatusErroredCommitment:
		return true
	default:
		return false
	}
}

// Record is the canonical unit of state persisted by the repository.
type Record struct {
	ID                uuid.UUID
	ContentHash       string
	DocumentBytes     []byte
	Filename          string
	SubmitterLabel    string
	OrganizationLabel string
	CreatedAt         time.Time
	FingerprintHash   sql.NullString
	LedgerTxID        sql.NullString
	Status            Status
	LastStatusCheckAt sql.NullTime
	LastError         sql.NullString
}

// InsertOutcome is the result of InsertNew: exactly one concurrent caller
// observes Created=true for a given content hash; all others observe
// Created=false with Record pointing at the existing row.
type InsertOutcome struct {
	Created bool
	Record  *Record
}

// Patch carries the optional fields a CAS transition may update. Nil
// fields are left untouched.
type Patch struct {
	FingerprintHash   *string
	LedgerTxID        *string
	LastError         *string
	LastStatusCheckAt *time.Time
}

// ListFilters constrains List queries. SortField is checked against a fixed
// allowlist; all values are parameterized in the underlying query.
type ListFilters struct {
	Status            *Status
	OrganizationLabel *string
	Limit             int
	Offset            int
	SortField         string // one of: "created_at", "last_status_check_at"
	SortDescending    bool
}

var sortFieldAllowlist = map[string]string{
	"created_at":           "created_at",
	"last_status_check_at": "last_status_check_at",
}
