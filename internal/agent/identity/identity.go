// Package identity manages the agent's own Ed25519 keypair, generated once
// on first boot and persisted under the agent's state directory with
// restrictive permissions (spec §3, §4.1). Also caches the orchestrator's
// public key once delivered in a REGISTERED frame, so subsequent signed
// commands can be verified offline.
//
// Grounded on the key persistence convention implied by
// streamspace-dev-streamspace/agents/docker-agent's file-backed leader
// election lock (internal/leaderelection/file_backend.go: a state file
// under a configurable directory, created with restrictive permissions)
// and on the Ed25519 key handling in
// Generativebots-ocx-backend-go-svc/internal/federation/crypto_provider.go.
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
)

const (
	privateKeyFile  = "agent_identity.pem"
	orchKeyFile     = "orchestrator_key.pem"
	dirPerm         = 0o700
	filePerm        = 0o600
)

// Identity holds the agent's signing keypair and the orchestrator's public
// key once known.
type Identity struct {
	mu         sync.RWMutex
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	orchKey    ed25519.PublicKey
	dir        string
}

// LoadOrGenerate reads the agent identity from dir, generating a fresh
// keypair on first run. It also opportunistically loads a previously
// cached orchestrator public key, if one was persisted by CacheOrchestratorKey.
func LoadOrGenerate(dir string) (*Identity, error) {
	path := filepath.Join(dir, privateKeyFile)

	id := &Identity{dir: dir}

	if data, err := os.ReadFile(path); err == nil {
		priv, err := decodePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("decode agent identity at %s: %w", path, err)
		}
		id.privateKey = priv
		id.publicKey = priv.Public().(ed25519.PublicKey)
	} else if os.IsNotExist(err) {
		pub, priv, genErr := ed25519.GenerateKey(rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("generate agent identity: %w", genErr)
		}
		id.publicKey, id.privateKey = pub, priv
		if err := id.persistPrivate(); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("read agent identity at %s: %w", path, err)
	}

	if data, err := os.ReadFile(filepath.Join(dir, orchKeyFile)); err == nil {
		pub, err := decodePublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("decode cached orchestrator key: %w", err)
		}
		id.orchKey = pub
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read cached orchestrator key: %w", err)
	}

	return id, nil
}

func (id *Identity) persistPrivate() error {
	if err := os.MkdirAll(id.dir, dirPerm); err != nil {
		return fmt.Errorf("create identity directory %s: %w", id.dir, err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(id.privateKey)
	if err != nil {
		return fmt.Errorf("marshal agent private key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	path := filepath.Join(id.dir, privateKeyFile)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("write agent identity to %s: %w", path, err)
	}
	return nil
}

// PublicKey returns the agent's own public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.publicKey
}

// Sign signs data with the agent's private key.
func (id *Identity) Sign(data []byte) []byte {
	id.mu.RLock()
	priv := id.privateKey
	id.mu.RUnlock()
	return ed25519.Sign(priv, data)
}

// OrchestratorKey returns the cached orchestrator public key, or nil if the
// agent has not yet completed a handshake that delivered one. Until this is
// non-nil the agent operates in the degraded, unsigned-command mode
// described in spec §8/§11.1.
func (id *Identity) OrchestratorKey() ed25519.PublicKey {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.orchKey
}

// CacheOrchestratorKey persists pub as the trusted orchestrator key, used
// both on first REGISTERED and after a CP_KEY_ROTATION command.
func (id *Identity) CacheOrchestratorKey(pub ed25519.PublicKey) error {
	id.mu.Lock()
	id.orchKey = pub
	dir := id.dir
	id.mu.Unlock()

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create identity directory %s: %w", dir, err)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal orchestrator public key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	path := filepath.Join(dir, orchKeyFile)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("write cached orchestrator key to %s: %w", path, err)
	}
	return nil
}

// Regenerate discards the current keypair and generates + persists a fresh
// one, for REGENERATE_IDENTITY. The cached orchestrator key is left alone:
// this rotates the agent's own identity, not its trust in the
// orchestrator. Returns the new public key so the caller can report it
// upstream in an acknowledgement.
func (id *Identity) Regenerate() (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate agent identity: %w", err)
	}

	id.mu.Lock()
	id.publicKey, id.privateKey = pub, priv
	id.mu.Unlock()

	if err := id.persistPrivate(); err != nil {
		return nil, err
	}
	return pub, nil
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

func decodePublicKey(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not Ed25519")
	}
	return pub, nil
}
