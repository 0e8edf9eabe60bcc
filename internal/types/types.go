// Package types defines the core key and hash types shared by the host.
//
// These types follow Solana conventions: 32-byte keys rendered in base58.
package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size constants for core types.
const (
	PubkeySize = 32
	HashSize   = 32

	// MaxSeedLen is the longest seed accepted by CreateWithSeed.
	MaxSeedLen = 32
)

var (
	// ErrInvalidPubkey is returned when a pubkey has invalid length.
	ErrInvalidPubkey = errors.New("invalid pubkey: must be 32 bytes")

	// ErrInvalidHash is returned when a hash has invalid length.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")

	// ErrSeedTooLong is returned when a derivation seed exceeds MaxSeedLen.
	ErrSeedTooLong = errors.New("seed exceeds 32 bytes")
)

// Pubkey represents a 32-byte Ed25519 public key or a derived address.
type Pubkey [PubkeySize]byte

// PubkeyFromBase58 parses a base58-encoded public key.
func PubkeyFromBase58(s string) (Pubkey, error) {
	var p Pubkey
	data, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != PubkeySize {
		return p, ErrInvalidPubkey
	}
	copy(p[:], data)
	return p, nil
}

// PubkeyFromBytes creates a Pubkey from a byte slice.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var p Pubkey
	if len(b) != PubkeySize {
		return p, ErrInvalidPubkey
	}
	copy(p[:], b)
	return p, nil
}

// PubkeyFromSeed returns the Ed25519 public key whose private key is derived
// from sha256(seed). It is used for local test identities.
func PubkeyFromSeed(seed []byte) Pubkey {
	sum := sha256.Sum256(seed)
	pub := ed25519.NewKeyFromSeed(sum[:]).Public().(ed25519.PublicKey)
	var p Pubkey
	copy(p[:], pub)
	return p
}

// CreateWithSeed derives an address from a base key, a string seed and an
// owner program: sha256(base || seed || owner).
func CreateWithSeed(base Pubkey, seed string, owner Pubkey) (Pubkey, error) {
	if len(seed) > MaxSeedLen {
		return Pubkey{}, ErrSeedTooLong
	}
	h := sha256.New()
	h.Write(base[:])
	h.Write([]byte(seed))
	h.Write(owner[:])
	var p Pubkey
	copy(p[:], h.Sum(nil))
	return p, nil
}

// String returns the base58-encoded representation.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero returns true if the pubkey is all zeros.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// Bytes returns the pubkey as a byte slice.
func (p Pubkey) Bytes() []byte {
	return p[:]
}

// MarshalText implements encoding.TextMarshaler.
func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := PubkeyFromBase58(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Hash represents a 32-byte digest.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// ComputeHash computes the SHA256 hash of data.
func ComputeHash(data []byte) Hash {
	return sha256.Sum256(data)
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Hex returns the hex-encoded representation.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromBase58(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
