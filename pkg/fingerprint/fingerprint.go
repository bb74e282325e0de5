// Package fingerprint builds the signed Attestation object for an evidence
// record. Builder.Build is a pure function: the same record and signer
// identity always produce byte-identical output.
package fingerprint

import (
	"time"

	"github.com/google/uuid"

	"github.com/proofvault/engine/pkg/canonicalize"
	"github.com/proofvault/engine/pkg/hashchain"
)

// Algorithm is the proof algorithm tag. The canonicalizer is full RFC 8785
// compliant (pkg/canonicalize, backed by gowebpki/jcs), so the tag is
// accurate rather than aspirational.
const Algorithm = "SECP256K1_RFC8785_V1"

// Version is the attestation content schema version.
const Version = 1

// Signer is the minimal capability Builder needs from a signer identity.
type Signer interface {
	PublicKeyHex() string
	Sign(digest []byte) (string, error)
}

// Record is the subset of an evidence record the builder needs. It mirrors
// pkg/evidence.Record's exported fields so fingerprint has no import-cycle
// dependency on the repository package.
type Record struct {
	ID                uuid.UUID
	ContentHash       string
	Filename          string
	SubmitterLabel    string
	OrganizationLabel string
	CreatedAt         time.Time
}

// Content is the attestation's signed payload.
type Content struct {
	OrgID       string `json:"orgId"`
	TenantID    string `json:"tenantId"`
	EventID     string `json:"eventId"`
	SignerID    string `json:"signerId"`
	DocumentID  string `json:"documentId"`
	DocumentRef string `json:"documentRef"`
	Timestamp   string `json:"timestamp"`
	Version     int    `json:"version"`
}

// Proof is a single signature over the attestation content.
type Proof struct {
	ID        string `json:"id"`
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
}

// Metadata carries the fingerprint hash and display tags.
type Metadata struct {
	Hash             string            `json:"hash"`
	OrganizationName string            `json:"organizationName"`
	Tags             map[string]string `json:"tags"`
}

// Attestation is the computed, never-separately-stored signed document.
type Attestation struct {
	Content  Content  `json:"content"`
	Proofs   []Proof  `json:"proofs"`
	Metadata Metadata `json:"metadata"`
}

// Builder assembles Attestations for a fixed organization/tenant policy.
type Builder struct {
	OrgID    string
	TenantID string
}

// NewBuilder constructs a Builder for the given org/tenant identifiers,
// injected from configuration rather than a global.
func NewBuilder(orgID, tenantID string) *Builder {
	return &Builder{OrgID: orgID, TenantID: tenantID}
}

// Build produces a fully-populated, signed Attestation for rec, signed by
// signerID. It returns the canonicalized content bytes' fingerprint hash
// alongside the Attestation so callers can persist it without recomputing.
func (b *Builder) Build(rec Record, signerID Signer) (Attestation, string, error) {
	content := Content{
		OrgID:       b.OrgID,
		TenantID:    b.TenantID,
		EventID:     rec.ID.String(),
		SignerID:    signerID.PublicKeyHex(),
		DocumentID:  rec.ID.String(), // ProofVault attests a record exactly once; document and event coincide.
		DocumentRef: rec.ContentHash,
		Timestamp:   rec.CreatedAt.UTC().Format(time.RFC3339),
		Version:     Version,
	}

	canonical, err := canonicalize.Canonicalize(content)
	if err != nil {
		return Attestation{}, "", err
	}

	fingerprintHash, digest := hashchain.ChainedDigest(canonical)

	sigHex, err := signerID.Sign(digest[:])
	if err != nil {
		return Attestation{}, "", err
	}

	attestation := Attestation{
		Content: content,
		Proofs: []Proof{
			{ID: signerID.PublicKeyHex(), Signature: sigHex, Algorithm: Algorithm},
		},
		Metadata: Metadata{
			Hash:             fingerprintHash,
			OrganizationName: rec.OrganizationLabel,
			Tags: map[string]string{
				"company":  rec.OrganizationLabel,
				"filename": rec.Filename,
			},
		},
	}
	return attestation, fingerprintHash, nil
}
