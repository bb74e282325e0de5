// Package evidence: sentinel errors for repository operations.
// Explicit errors instead of nil, nil returns, matching the teacher's own
// pkg/database/errors.go convention.
package evidence

import "errors"

var (
	// ErrRecordNotFound is returned when a requested record does not exist.
	ErrRecordNotFound = errors.New("evidence: record not found")

	// ErrStaleState is returned when a CAS transition's current status no
	// longer matches the expected from-status. The Confirmation Engine
	// treats this as a benign race: another worker already advanced the
	// record.
	ErrStaleState = errors.New("evidence: stale state (CAS mismatch)")

	// ErrInvalidStatus is returned when a status value outside the closed
	// enumeration is encountered.
	ErrInvalidStatus = errors.New("evidence: invalid status value")
)
