// Package identity manages the orchestrator's own Ed25519 keypair: the key
// it signs every outbound command with (spec §4.2). Generated once on first
// boot, persisted to disk, and rotatable via a signed CP_KEY_ROTATION
// command (§4.2).
//
// Grounded on the teacher's agent identity conventions generalized to the
// orchestrator side, and on the Ed25519Provider in the federation example
// (Generativebots-ocx-backend-go-svc/internal/federation/crypto_provider.go)
// for key generation/PEM encoding.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	privateKeyFile = "orchestrator_identity.pem"
	dirPerm        = 0o700
	filePerm       = 0o600
)

// Identity holds the orchestrator's current signing keypair. Safe for
// concurrent use: Rotate swaps the keys under a mutex, Public/Sign read a
// consistent snapshot.
type Identity struct {
	mu         sync.RWMutex
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	createdAt  time.Time
	dir        string
}

// LoadOrGenerate reads the orchestrator identity from dir, generating and
// persisting a fresh keypair if none exists yet.
func LoadOrGenerate(dir string) (*Identity, error) {
	path := filepath.Join(dir, privateKeyFile)

	if data, err := os.ReadFile(path); err == nil {
		priv, err := decodePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("decode orchestrator identity at %s: %w", path, err)
		}
		return &Identity{
			publicKey:  priv.Public().(ed25519.PublicKey),
			privateKey: priv,
			createdAt:  time.Now(),
			dir:        dir,
		}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read orchestrator identity at %s: %w", path, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate orchestrator identity: %w", err)
	}

	id := &Identity{publicKey: pub, privateKey: priv, createdAt: time.Now(), dir: dir}
	if err := id.persist(); err != nil {
		return nil, err
	}
	return id, nil
}

func (id *Identity) persist() error {
	if err := os.MkdirAll(id.dir, dirPerm); err != nil {
		return fmt.Errorf("create identity directory %s: %w", id.dir, err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(id.privateKey)
	if err != nil {
		return fmt.Errorf("marshal orchestrator private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	data := pem.EncodeToMemory(block)

	path := filepath.Join(id.dir, privateKeyFile)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("write orchestrator identity to %s: %w", path, err)
	}
	return nil
}

func decodePrivateKey(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS8 private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not Ed25519")
	}
	return priv, nil
}

// PublicKeyPEM returns the current public key, PEM-encoded for transmission in
// a REGISTERED frame.
func (id *Identity) PublicKeyPEM() (string, error) {
	id.mu.RLock()
	pub := id.publicKey
	id.mu.RUnlock()

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal orchestrator public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PublicKey returns the raw current public key bytes.
func (id *Identity) PublicKey() ed25519.PublicKey {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.publicKey
}

// Sign signs data with the current private key.
func (id *Identity) Sign(data []byte) []byte {
	id.mu.RLock()
	priv := id.privateKey
	id.mu.RUnlock()
	return ed25519.Sign(priv, data)
}

// Rotate generates a new keypair, persists it, swaps it in as the current
// key, and returns the new public key. Sign uses the new key as soon as
// Rotate returns.
func (id *Identity) Rotate() (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate rotated orchestrator identity: %w", err)
	}

	id.mu.Lock()
	oldDir := id.dir
	id.publicKey = pub
	id.privateKey = priv
	id.createdAt = time.Now()
	id.mu.Unlock()

	tmp := &Identity{publicKey: pub, privateKey: priv, dir: oldDir}
	if err := tmp.persist(); err != nil {
		return nil, err
	}
	return pub, nil
}

// CreatedAt reports when the current keypair was generated or loaded.
func (id *Identity) CreatedAt() time.Time {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.createdAt
}
