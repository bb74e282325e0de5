// Package keystore owns the process-wide signer identity: it loads a
// persisted secp256k1 key file or generates and atomically persists one on
// first run, and exposes the signing operation to the rest of the engine.
package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/proofvault/engine/pkg/signer"
)

// keyFile is the on-disk representation: JSON {privateKey, publicKey,
// address}, mode 0600, written atomically on first run and never rewritten.
type keyFile struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
	Address    string `json:"address"`
}

// Identity is the process-wide signer identity. It is constructed once at
// startup and passed by reference; it is never a package-level variable
// initialized by side effect.
type Identity struct {
	privateKey []byte // 32 bytes
	publicKey  []byte // 65 bytes, uncompressed, 0x04-prefixed
	address    string

	logger *log.Logger
}

// Load consults path: if a key file exists there, it is parsed and the
// derived public key / address are checked against the stored values,
// failing fast on mismatch. If absent, a fresh key is generated, derived,
// and persisted atomically before returning.
func Load(path string) (*Identity, error) {
	logger := log.New(log.Writer(), "[keystore] ", log.LstdFlags)

	if _, err := os.Stat(path); err == nil {
		return loadExisting(path, logger)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keystore: stat %s: %w", path, err)
	}

	return generateAndPersist(path, logger)
}

func loadExisting(path string, logger *log.Logger) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}

	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}

	priv, err := hex.DecodeString(kf.PrivateKey)
	if err != nil || len(priv) != 32 {
		return nil, fmt.Errorf("keystore: %s: invalid privateKey field", path)
	}

	derivedPub, derivedAddr, err := derive(priv)
	if err != nil {
		return nil, fmt.Errorf("keystore: %s: %w", path, err)
	}

	if hex.EncodeToString(derivedPub) != kf.PublicKey {
		return nil, fmt.Errorf("keystore: %s: stored publicKey does not match derived key", path)
	}
	if derivedAddr != kf.Address {
		return nil, fmt.Errorf("keystore: %s: stored address does not match derived key", path)
	}

	logger.Printf("loaded signer identity from %s (address=%s)", path, derivedAddr)
	return &Identity{privateKey: priv, publicKey: derivedPub, address: derivedAddr, logger: logger}, nil
}

func generateAndPersist(path string, logger *log.Logger) (*Identity, error) {
	priv := make([]byte, 32)
	for {
		if _, err := rand.Read(priv); err != nil {
			return nil, fmt.Errorf("keystore: generate key: %w", err)
		}
		if _, pub := btcec.PrivKeyFromBytes(priv); pub != nil {
			break
		}
	}

	pub, addr, err := derive(priv)
	if err != nil {
		return nil, fmt.Errorf("keystore: derive generated key: %w", err)
	}

	kf := keyFile{
		PrivateKey: hex.EncodeToString(priv),
		PublicKey:  hex.EncodeToString(pub),
		Address:    addr,
	}
	if err := persistAtomic(path, kf); err != nil {
		return nil, err
	}

	logger.Printf("generated and persisted new signer identity at %s (address=%s)", path, addr)
	return &Identity{privateKey: priv, publicKey: pub, address: addr, logger: logger}, nil
}

// persistAtomic writes kf to path via write-temp-then-rename so readers
// never observe a partially-written key file.
func persistAtomic(path string, kf keyFile) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("keystore: create dir %s: %w", dir, err)
		}
	}

	raw, err := json.Marshal(kf)
	if err != nil {
		return fmt.Errorf("keystore: marshal key file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("keystore: write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("keystore: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// derive computes the uncompressed public key and address for priv.
func derive(priv []byte) (pubUncompressed []byte, address string, err error) {
	p, pub := btcec.PrivKeyFromBytes(priv)
	if p == nil || pub == nil {
		return nil, "", fmt.Errorf("invalid private key")
	}
	pubUncompressed = pub.SerializeUncompressed()

	// Address derivation follows go-ethereum's convention (Keccak256 of the
	// 64-byte uncompressed point sans the 0x04 prefix, last 20 bytes,
	// 0x-prefixed hex) since go-ethereum's crypto package is already the
	// engine's dependency for this purpose.
	hash := gethcrypto.Keccak256(pubUncompressed[1:])
	address = "0x" + hex.EncodeToString(hash[12:])
	return pubUncompressed, address, nil
}

// PublicKeyHex returns the hex-encoded uncompressed public key.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.publicKey)
}

// Address returns the derived address.
func (id *Identity) Address() string {
	return id.address
}

// Sign produces a low-S canonical DER signature, hex-lowercase, over digest.
func (id *Identity) Sign(digest []byte) (string, error) {
	return signer.Sign(id.privateKey, digest)
}
