// Package hashchain implements the SHA-256/SHA-512 primitives and the
// specific chained construction used to turn a canonicalized attestation
// content object into a 32-byte ECDSA pre-image, plus the content-hash used
// to key evidence records.
package hashchain

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
)

// ContentHash returns the lowercase hex SHA-256 digest of b. It is the
// unique key for an evidence record.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChainedDigest runs the signing construction over canonical (the
// canonicalized attestation content bytes):
//
//  1. h1 = SHA-256(canonical)
//  2. h2 = SHA-512(hex_ascii(h1))
//  3. digest = h2[0:32]
//
// fingerprintHash is the lowercase hex of h1; digest is the 32-byte
// pre-image fed to the signer.
func ChainedDigest(canonical []byte) (fingerprintHash string, digest [32]byte) {
	h1 := sha256.Sum256(canonical)
	fingerprintHash = hex.EncodeToString(h1[:])

	h2 := sha512.Sum512([]byte(fingerprintHash))
	copy(digest[:], h2[:32])
	return fingerprintHash, digest
}
