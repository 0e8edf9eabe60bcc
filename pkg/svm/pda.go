package svm

import (
	"crypto/sha256"
	"errors"

	"filippo.io/edwards25519"

	"github.com/fortiblox/golana/internal/types"
)

// PDA constants.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// pdaMarker is appended to every program address preimage.
var pdaMarker = []byte("ProgramDerivedAddress")

// PDA errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")
	ErrInvalidSeeds          = errors.New("invalid seeds - derived address is on curve")
	ErrNoViableBump          = errors.New("unable to find a viable program address bump seed")
)

// CreateProgramAddress derives a program address from seeds and a program ID.
// Returns ErrInvalidSeeds if the derived address lies on the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return types.Pubkey{}, ErrMaxSeedsExceeded
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return types.Pubkey{}, ErrMaxSeedLengthExceeded
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)

	var addr types.Pubkey
	copy(addr[:], h.Sum(nil))
	if isOnCurve(addr[:]) {
		return types.Pubkey{}, ErrInvalidSeeds
	}
	return addr, nil
}

// FindProgramAddress finds a valid PDA by iterating bump seeds from 255 to 0.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrInvalidSeeds) {
			return types.Pubkey{}, 0, err
		}
	}
	return types.Pubkey{}, 0, ErrNoViableBump
}

// isOnCurve reports whether the bytes decode to a valid compressed
// ed25519 point.
func isOnCurve(point []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
