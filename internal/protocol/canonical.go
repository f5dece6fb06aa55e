package protocol

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
)

// SignedCommand is the canonical form a privileged orchestrator->agent
// command takes on the wire (spec §4.2). Field order is fixed by struct
// declaration order — encoding/json marshals struct fields in the order
// they are declared, so both sides reuse this exact struct to sign and
// verify rather than re-serializing a parsed map (the pitfall called out in
// spec §9's "ad-hoc JSON for signed envelopes" design note).
type SignedCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Nonce     string          `json:"nonce"`
}

// canonicalBytes re-marshals the signing struct, fixing key ordering,
// number representation, and string escaping for both sides. Mirrors the
// teacher's Attestation.canonicalBytes() pattern from the Ed25519
// federation example: sign/verify over a fixed struct shape, never over an
// arbitrary parsed map.
func (c SignedCommand) canonicalBytes() ([]byte, error) {
	return json.Marshal(c)
}

// Sign produces an Ed25519 signature over the canonical encoding of c.
func (c SignedCommand) Sign(priv ed25519.PrivateKey) ([]byte, error) {
	data, err := c.canonicalBytes()
	if err != nil {
		return nil, fmt.Errorf("canonicalize signed command: %w", err)
	}
	return ed25519.Sign(priv, data), nil
}

// Verify checks sig against the canonical encoding of c using pub.
func (c SignedCommand) Verify(pub ed25519.PublicKey, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid ed25519 public key size: got %d, want %d", len(pub), ed25519.PublicKeySize)
	}
	data, err := c.canonicalBytes()
	if err != nil {
		return false, fmt.Errorf("canonicalize signed command: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}

// DecodeEd25519PublicKey accepts either a PEM-encoded PKIX public key (the
// format identity.PublicKeyPEM produces) or a bare hex string, used both
// when an agent caches the orchestrator's key from a REGISTERED frame and
// when it applies a CP_KEY_ROTATION payload.
func DecodeEd25519PublicKey(pemOrHex string) (ed25519.PublicKey, error) {
	if block, _ := pem.Decode([]byte(pemOrHex)); block != nil {
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
	if decoded, err := hex.DecodeString(pemOrHex); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}
	return nil, fmt.Errorf("key is neither valid PEM nor %d-byte hex", ed25519.PublicKeySize)
}
