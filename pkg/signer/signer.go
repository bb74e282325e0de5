// Package signer implements ECDSA-secp256k1 signing over a 32-byte digest
// with RFC 6979 deterministic nonces and low-S canonical DER output.
package signer

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// SigningError reports a cryptographic precondition violation: an invalid
// private key or a digest whose length is not 32 bytes.
type SigningError struct {
	Reason string
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signer: %s", e.Reason)
}

// Sign produces a low-S canonical DER-encoded signature, hex-lowercase, over
// digest using privKey. digest must be exactly 32 bytes.
//
// btcec's ecdsa.Sign is RFC 6979-deterministic and Signature.Serialize()
// already emits canonical low-S DER, so no separate canonicalization step is
// needed here.
func Sign(privKey []byte, digest []byte) (string, error) {
	if len(digest) != 32 {
		return "", &SigningError{Reason: fmt.Sprintf("digest length must be 32, got %d", len(digest))}
	}
	if len(privKey) != 32 {
		return "", &SigningError{Reason: fmt.Sprintf("private key length must be 32, got %d", len(privKey))}
	}

	priv, pub := btcec.PrivKeyFromBytes(privKey)
	if pub == nil || priv == nil {
		return "", &SigningError{Reason: "invalid private key"}
	}

	sig := btcecdsa.Sign(priv, digest)
	der := sig.Serialize()
	return hex.EncodeToString(der), nil
}

// Verify reports whether derHex is a valid signature over digest by the
// holder of pubKeyBytes (compressed or uncompressed secp256k1 point).
func Verify(pubKeyBytes []byte, digest []byte, derHex string) (bool, error) {
	if len(digest) != 32 {
		return false, &SigningError{Reason: fmt.Sprintf("digest length must be 32, got %d", len(digest))}
	}
	der, err := hex.DecodeString(derHex)
	if err != nil {
		return false, &SigningError{Reason: "signature is not valid hex"}
	}
	sig, err := btcecdsa.ParseDERSignature(der)
	if err != nil {
		return false, &SigningError{Reason: "signature is not valid DER"}
	}
	pub, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, &SigningError{Reason: "invalid public key"}
	}
	return sig.Verify(digest, pub), nil
}
