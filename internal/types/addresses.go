package types

import "fmt"

// Well-known program addresses.
var (
	// SystemProgramAddr is the System Program address.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// TokenProgramAddr is the SPL Token Program address.
	TokenProgramAddr = MustPubkeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// AssociatedTokenProgramAddr is the Associated Token Account Program address.
	AssociatedTokenProgramAddr = MustPubkeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// LoaderProgramAddr is the golana loader program address.
	LoaderProgramAddr = MustPubkeyFromBase58("55oqciWs2A8NRof7jSTrhi6HNpRhKWCMuYcEczGzkVy6")

	// SysvarRentAddr is the Rent sysvar address.
	SysvarRentAddr = MustPubkeyFromBase58("SysvarRent111111111111111111111111111111111")
)

// MustPubkeyFromBase58 parses a base58 pubkey or panics.
// Only use for compile-time constants.
func MustPubkeyFromBase58(s string) Pubkey {
	p, err := PubkeyFromBase58(s)
	if err != nil {
		panic(fmt.Sprintf("invalid pubkey constant %q: %v", s, err))
	}
	return p
}

// IsNativeProgram returns true if the pubkey is a program implemented by the host.
func IsNativeProgram(p Pubkey) bool {
	switch p {
	case SystemProgramAddr,
		TokenProgramAddr,
		AssociatedTokenProgramAddr,
		LoaderProgramAddr:
		return true
	default:
		return false
	}
}
