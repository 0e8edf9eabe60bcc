package token

import (
	"encoding/binary"

	"github.com/fortiblox/golana/internal/types"
)

// Packed state sizes.
const (
	MintLen    = 82
	AccountLen = 165
)

// AccountState is the lifecycle state of a token account.
type AccountState uint8

const (
	AccountUninitialized AccountState = iota
	AccountInitialized
	AccountFrozen
)

// Mint is the state of a token mint.
type Mint struct {
	MintAuthority   *types.Pubkey
	Supply          uint64
	Decimals        uint8
	IsInitialized   bool
	FreezeAuthority *types.Pubkey
}

// Account is the state of a token account.
type Account struct {
	Mint            types.Pubkey
	Owner           types.Pubkey
	Amount          uint64
	Delegate        *types.Pubkey
	State           AccountState
	IsNative        *uint64
	DelegatedAmount uint64
	CloseAuthority  *types.Pubkey
}

// COption values carry a four byte little-endian tag in account state.
func putOptionKey(dst []byte, key *types.Pubkey) {
	if key == nil {
		binary.LittleEndian.PutUint32(dst, 0)
		clear(dst[4:36])
		return
	}
	binary.LittleEndian.PutUint32(dst, 1)
	copy(dst[4:36], key[:])
}

func optionKey(src []byte) (*types.Pubkey, error) {
	switch binary.LittleEndian.Uint32(src) {
	case 0:
		return nil, nil
	case 1:
		var k types.Pubkey
		copy(k[:], src[4:36])
		return &k, nil
	default:
		return nil, ErrInvalidAccountData
	}
}

// Pack writes the mint into dst, which must be MintLen bytes.
func (m *Mint) Pack(dst []byte) error {
	if len(dst) != MintLen {
		return ErrInvalidAccountData
	}
	putOptionKey(dst[0:36], m.MintAuthority)
	binary.LittleEndian.PutUint64(dst[36:44], m.Supply)
	dst[44] = m.Decimals
	dst[45] = boolByte(m.IsInitialized)
	putOptionKey(dst[46:82], m.FreezeAuthority)
	return nil
}

// UnpackMint decodes an initialized mint.
func UnpackMint(src []byte) (*Mint, error) {
	m, err := unpackMintUnchecked(src)
	if err != nil {
		return nil, err
	}
	if !m.IsInitialized {
		return nil, ErrUninitializedState
	}
	return m, nil
}

func unpackMintUnchecked(src []byte) (*Mint, error) {
	if len(src) != MintLen {
		return nil, ErrInvalidAccountData
	}
	var m Mint
	var err error
	if m.MintAuthority, err = optionKey(src[0:36]); err != nil {
		return nil, err
	}
	m.Supply = binary.LittleEndian.Uint64(src[36:44])
	m.Decimals = src[44]
	switch src[45] {
	case 0:
	case 1:
		m.IsInitialized = true
	default:
		return nil, ErrInvalidAccountData
	}
	if m.FreezeAuthority, err = optionKey(src[46:82]); err != nil {
		return nil, err
	}
	return &m, nil
}

// Pack writes the account into dst, which must be AccountLen bytes.
func (a *Account) Pack(dst []byte) error {
	if len(dst) != AccountLen {
		return ErrInvalidAccountData
	}
	copy(dst[0:32], a.Mint[:])
	copy(dst[32:64], a.Owner[:])
	binary.LittleEndian.PutUint64(dst[64:72], a.Amount)
	putOptionKey(dst[72:108], a.Delegate)
	dst[108] = byte(a.State)
	if a.IsNative != nil {
		binary.LittleEndian.PutUint32(dst[109:113], 1)
		binary.LittleEndian.PutUint64(dst[113:121], *a.IsNative)
	} else {
		clear(dst[109:121])
	}
	binary.LittleEndian.PutUint64(dst[121:129], a.DelegatedAmount)
	putOptionKey(dst[129:165], a.CloseAuthority)
	return nil
}

// UnpackAccount decodes an initialized token account.
func UnpackAccount(src []byte) (*Account, error) {
	a, err := unpackAccountUnchecked(src)
	if err != nil {
		return nil, err
	}
	if a.State == AccountUninitialized {
		return nil, ErrUninitializedState
	}
	return a, nil
}

func unpackAccountUnchecked(src []byte) (*Account, error) {
	if len(src) != AccountLen {
		return nil, ErrInvalidAccountData
	}
	var a Account
	var err error
	copy(a.Mint[:], src[0:32])
	copy(a.Owner[:], src[32:64])
	a.Amount = binary.LittleEndian.Uint64(src[64:72])
	if a.Delegate, err = optionKey(src[72:108]); err != nil {
		return nil, err
	}
	if src[108] > byte(AccountFrozen) {
		return nil, ErrInvalidAccountData
	}
	a.State = AccountState(src[108])
	switch binary.LittleEndian.Uint32(src[109:113]) {
	case 0:
	case 1:
		v := binary.LittleEndian.Uint64(src[113:121])
		a.IsNative = &v
	default:
		return nil, ErrInvalidAccountData
	}
	a.DelegatedAmount = binary.LittleEndian.Uint64(src[121:129])
	if a.CloseAuthority, err = optionKey(src[129:165]); err != nil {
		return nil, err
	}
	return &a, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
