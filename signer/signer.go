// Package signer loads the executor's ed25519 keypair and signs
// compiled transaction messages. Keypair files use the chain CLI's
// JSON-array-of-64-bytes convention; no signing library appears
// anywhere in the example pack, so this loader uses the standard
// library's crypto/ed25519 directly rather than an out-of-pack
// dependency for a single Sign call.
package signer

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/luxfi/automaton/types"
)

// Signer holds one ed25519 keypair and signs transaction messages with
// it. The chain program re-signs thread-owned accounts on-chain via
// CPI; this is the only signature produced at the transaction level.
type Signer struct {
	priv   ed25519.PrivateKey
	pubkey types.Pubkey
}

// LoadFile reads a CLI-style JSON keypair file: a 64-element byte array
// whose first 32 bytes are the ed25519 seed and whose last 32 bytes are
// the public key.
func LoadFile(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer: reading keypair file: %w", err)
	}
	var bytes []byte
	if err := json.Unmarshal(raw, &bytes); err != nil {
		return nil, fmt.Errorf("signer: parsing keypair file: %w", err)
	}
	return FromBytes(bytes)
}

// FromBytes builds a Signer from a raw 64-byte ed25519 keypair.
func FromBytes(raw []byte) (*Signer, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer: keypair must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	var pubkey types.Pubkey
	copy(pubkey[:], priv.Public().(ed25519.PublicKey))
	return &Signer{priv: priv, pubkey: pubkey}, nil
}

// Pubkey returns the executor's public key.
func (s *Signer) Pubkey() types.Pubkey {
	return s.pubkey
}

// Sign returns a detached ed25519 signature over message.
func (s *Signer) Sign(message []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(s.priv, message))
	return sig
}
