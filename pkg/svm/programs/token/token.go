// Package token implements the subset of the SPL Token program the golana
// host calls need: mints, token accounts, transfers, minting, burning,
// authority changes and closing. Account and mint layouts match SPL Token so
// guest programs can unpack them byte for byte.
package token

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/svm"
)

// ProgramID is the Token Program address.
var ProgramID = types.TokenProgramAddr

// Instruction tags.
const (
	InstructionInitializeMint     = 0
	InstructionTransfer           = 3
	InstructionSetAuthority       = 6
	InstructionMintTo             = 7
	InstructionBurn               = 8
	InstructionCloseAccount       = 9
	InstructionInitializeAccount3 = 18
	InstructionInitializeMint2    = 20
)

// AuthorityType selects which authority SetAuthority replaces.
type AuthorityType uint8

const (
	AuthorityMintTokens AuthorityType = iota
	AuthorityFreezeAccount
	AuthorityAccountOwner
	AuthorityCloseAccount
)

// Token program errors.
var (
	ErrInvalidInstruction        = errors.New("invalid instruction")
	ErrInvalidAccountData        = errors.New("invalid account data")
	ErrNotEnoughAccountKeys      = errors.New("not enough account keys")
	ErrUninitializedState        = errors.New("state is uninitialized")
	ErrAlreadyInUse              = errors.New("account or token already in use")
	ErrNotRentExempt             = errors.New("lamport balance below rent-exempt threshold")
	ErrOwnerMismatch             = errors.New("owner does not match")
	ErrMintMismatch              = errors.New("account not associated with this mint")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrFixedSupply               = errors.New("fixed supply")
	ErrAccountFrozen             = errors.New("account is frozen")
	ErrOverflow                  = errors.New("operation overflowed")
	ErrNonNativeHasBalance       = errors.New("non-native account can only be closed if its balance is zero")
	ErrAuthorityTypeNotSupported = errors.New("account does not support specified authority type")
	ErrMissingRequiredSignature  = errors.New("missing required signature")
	ErrIncorrectProgramID        = errors.New("account not owned by the token program")
)

// Processor executes Token Program instructions.
type Processor struct{}

// NewProcessor creates a new Token Program processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process executes a Token Program instruction.
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 1 {
		return ErrInvalidInstruction
	}
	if err := ctx.ConsumeCU(svm.CUTokenProgramDefault); err != nil {
		return err
	}

	switch data[0] {
	case InstructionInitializeMint, InstructionInitializeMint2:
		return p.processInitializeMint(ctx, data[1:], data[0] == InstructionInitializeMint)
	case InstructionInitializeAccount3:
		return p.processInitializeAccount3(ctx, data[1:])
	case InstructionTransfer:
		return p.processTransfer(ctx, data[1:])
	case InstructionSetAuthority:
		return p.processSetAuthority(ctx, data[1:])
	case InstructionMintTo:
		return p.processMintTo(ctx, data[1:])
	case InstructionBurn:
		return p.processBurn(ctx, data[1:])
	case InstructionCloseAccount:
		return p.processCloseAccount(ctx)
	default:
		return fmt.Errorf("%w: unsupported tag %d", ErrInvalidInstruction, data[0])
	}
}

func accounts(ctx svm.InvokeContext, n int) ([]*svm.AccountInfo, error) {
	if ctx.AccountCount() < n {
		return nil, ErrNotEnoughAccountKeys
	}
	return ctx.Accounts()[:n], nil
}

func checkOwned(acc *svm.AccountInfo) error {
	if acc.Owner != ProgramID {
		return fmt.Errorf("%w: %s", ErrIncorrectProgramID, acc.Key)
	}
	return nil
}

// validateAuthority checks that the expected authority signed.
func validateAuthority(expected types.Pubkey, auth *svm.AccountInfo) error {
	if expected != auth.Key {
		return ErrOwnerMismatch
	}
	if !auth.IsSigner {
		return ErrMissingRequiredSignature
	}
	return nil
}

// decodeOptionKey reads an instruction COption<Pubkey>, which uses a one
// byte tag.
func decodeOptionKey(data []byte) (*types.Pubkey, []byte, error) {
	if len(data) < 1 {
		return nil, nil, ErrInvalidInstruction
	}
	switch data[0] {
	case 0:
		return nil, data[1:], nil
	case 1:
		if len(data) < 33 {
			return nil, nil, ErrInvalidInstruction
		}
		var k types.Pubkey
		copy(k[:], data[1:33])
		return &k, data[33:], nil
	default:
		return nil, nil, ErrInvalidInstruction
	}
}

func decodeAmount(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, ErrInvalidInstruction
	}
	return binary.LittleEndian.Uint64(data[:8]), nil
}

func (p *Processor) processInitializeMint(ctx svm.InvokeContext, data []byte, withRentSysvar bool) error {
	if len(data) < 33 {
		return ErrInvalidInstruction
	}
	decimals := data[0]
	var mintAuthority types.Pubkey
	copy(mintAuthority[:], data[1:33])
	freezeAuthority, _, err := decodeOptionKey(data[33:])
	if err != nil {
		return err
	}

	need := 1
	if withRentSysvar {
		need = 2
	}
	accs, err := accounts(ctx, need)
	if err != nil {
		return err
	}
	mintInfo := accs[0]
	if err := checkOwned(mintInfo); err != nil {
		return err
	}

	mint, err := unpackMintUnchecked(mintInfo.Data)
	if err != nil {
		return err
	}
	if mint.IsInitialized {
		return ErrAlreadyInUse
	}
	if mintInfo.Lamports < ctx.GetRentMinimum(uint64(len(mintInfo.Data))) {
		return ErrNotRentExempt
	}

	mint.MintAuthority = &mintAuthority
	mint.Decimals = decimals
	mint.IsInitialized = true
	mint.FreezeAuthority = freezeAuthority
	ctx.Log("Instruction: InitializeMint")
	return mint.Pack(mintInfo.Data)
}

func (p *Processor) processInitializeAccount3(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 32 {
		return ErrInvalidInstruction
	}
	var owner types.Pubkey
	copy(owner[:], data[:32])

	accs, err := accounts(ctx, 2)
	if err != nil {
		return err
	}
	accInfo, mintInfo := accs[0], accs[1]
	if err := checkOwned(accInfo); err != nil {
		return err
	}

	acc, err := unpackAccountUnchecked(accInfo.Data)
	if err != nil {
		return err
	}
	if acc.State != AccountUninitialized {
		return ErrAlreadyInUse
	}
	if accInfo.Lamports < ctx.GetRentMinimum(uint64(len(accInfo.Data))) {
		return ErrNotRentExempt
	}
	if err := checkOwned(mintInfo); err != nil {
		return err
	}
	if _, err := UnpackMint(mintInfo.Data); err != nil {
		return err
	}

	acc.Mint = mintInfo.Key
	acc.Owner = owner
	acc.State = AccountInitialized
	ctx.Log("Instruction: InitializeAccount3")
	return acc.Pack(accInfo.Data)
}

func (p *Processor) processTransfer(ctx svm.InvokeContext, data []byte) error {
	amount, err := decodeAmount(data)
	if err != nil {
		return err
	}
	accs, err := accounts(ctx, 3)
	if err != nil {
		return err
	}
	srcInfo, dstInfo, auth := accs[0], accs[1], accs[2]
	for _, info := range []*svm.AccountInfo{srcInfo, dstInfo} {
		if err := checkOwned(info); err != nil {
			return err
		}
	}

	src, err := UnpackAccount(srcInfo.Data)
	if err != nil {
		return err
	}
	dst, err := UnpackAccount(dstInfo.Data)
	if err != nil {
		return err
	}
	if src.State == AccountFrozen || dst.State == AccountFrozen {
		return ErrAccountFrozen
	}
	if src.Mint != dst.Mint {
		return ErrMintMismatch
	}
	if src.Amount < amount {
		return ErrInsufficientFunds
	}
	if err := validateAuthority(src.Owner, auth); err != nil {
		return err
	}

	ctx.Log("Instruction: Transfer")
	if srcInfo.Key == dstInfo.Key {
		return nil
	}
	if dst.Amount > ^uint64(0)-amount {
		return ErrOverflow
	}
	src.Amount -= amount
	dst.Amount += amount
	if err := src.Pack(srcInfo.Data); err != nil {
		return err
	}
	return dst.Pack(dstInfo.Data)
}

func (p *Processor) processSetAuthority(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 1 {
		return ErrInvalidInstruction
	}
	authType := AuthorityType(data[0])
	newAuthority, _, err := decodeOptionKey(data[1:])
	if err != nil {
		return err
	}
	accs, err := accounts(ctx, 2)
	if err != nil {
		return err
	}
	target, auth := accs[0], accs[1]
	if err := checkOwned(target); err != nil {
		return err
	}

	switch len(target.Data) {
	case AccountLen:
		acc, err := UnpackAccount(target.Data)
		if err != nil {
			return err
		}
		if acc.State == AccountFrozen {
			return ErrAccountFrozen
		}
		switch authType {
		case AuthorityAccountOwner:
			if err := validateAuthority(acc.Owner, auth); err != nil {
				return err
			}
			if newAuthority == nil {
				return ErrInvalidInstruction
			}
			acc.Owner = *newAuthority
			acc.Delegate = nil
			acc.DelegatedAmount = 0
		case AuthorityCloseAccount:
			current := acc.Owner
			if acc.CloseAuthority != nil {
				current = *acc.CloseAuthority
			}
			if err := validateAuthority(current, auth); err != nil {
				return err
			}
			acc.CloseAuthority = newAuthority
		default:
			return ErrAuthorityTypeNotSupported
		}
		ctx.Log("Instruction: SetAuthority")
		return acc.Pack(target.Data)

	case MintLen:
		mint, err := UnpackMint(target.Data)
		if err != nil {
			return err
		}
		switch authType {
		case AuthorityMintTokens:
			if mint.MintAuthority == nil {
				return ErrFixedSupply
			}
			if err := validateAuthority(*mint.MintAuthority, auth); err != nil {
				return err
			}
			mint.MintAuthority = newAuthority
		case AuthorityFreezeAccount:
			if mint.FreezeAuthority == nil {
				return ErrAuthorityTypeNotSupported
			}
			if err := validateAuthority(*mint.FreezeAuthority, auth); err != nil {
				return err
			}
			mint.FreezeAuthority = newAuthority
		default:
			return ErrAuthorityTypeNotSupported
		}
		ctx.Log("Instruction: SetAuthority")
		return mint.Pack(target.Data)

	default:
		return ErrInvalidAccountData
	}
}

func (p *Processor) processMintTo(ctx svm.InvokeContext, data []byte) error {
	amount, err := decodeAmount(data)
	if err != nil {
		return err
	}
	accs, err := accounts(ctx, 3)
	if err != nil {
		return err
	}
	mintInfo, dstInfo, auth := accs[0], accs[1], accs[2]
	for _, info := range []*svm.AccountInfo{mintInfo, dstInfo} {
		if err := checkOwned(info); err != nil {
			return err
		}
	}

	dst, err := UnpackAccount(dstInfo.Data)
	if err != nil {
		return err
	}
	if dst.State == AccountFrozen {
		return ErrAccountFrozen
	}
	if dst.Mint != mintInfo.Key {
		return ErrMintMismatch
	}
	mint, err := UnpackMint(mintInfo.Data)
	if err != nil {
		return err
	}
	if mint.MintAuthority == nil {
		return ErrFixedSupply
	}
	if err := validateAuthority(*mint.MintAuthority, auth); err != nil {
		return err
	}
	if mint.Supply > ^uint64(0)-amount {
		return ErrOverflow
	}

	dst.Amount += amount
	mint.Supply += amount
	ctx.Log("Instruction: MintTo")
	if err := dst.Pack(dstInfo.Data); err != nil {
		return err
	}
	return mint.Pack(mintInfo.Data)
}

func (p *Processor) processBurn(ctx svm.InvokeContext, data []byte) error {
	amount, err := decodeAmount(data)
	if err != nil {
		return err
	}
	accs, err := accounts(ctx, 3)
	if err != nil {
		return err
	}
	srcInfo, mintInfo, auth := accs[0], accs[1], accs[2]
	for _, info := range []*svm.AccountInfo{srcInfo, mintInfo} {
		if err := checkOwned(info); err != nil {
			return err
		}
	}

	src, err := UnpackAccount(srcInfo.Data)
	if err != nil {
		return err
	}
	if src.State == AccountFrozen {
		return ErrAccountFrozen
	}
	if src.Mint != mintInfo.Key {
		return ErrMintMismatch
	}
	if src.Amount < amount {
		return ErrInsufficientFunds
	}
	mint, err := UnpackMint(mintInfo.Data)
	if err != nil {
		return err
	}
	if err := validateAuthority(src.Owner, auth); err != nil {
		return err
	}

	src.Amount -= amount
	mint.Supply -= amount
	ctx.Log("Instruction: Burn")
	if err := src.Pack(srcInfo.Data); err != nil {
		return err
	}
	return mint.Pack(mintInfo.Data)
}

func (p *Processor) processCloseAccount(ctx svm.InvokeContext) error {
	accs, err := accounts(ctx, 3)
	if err != nil {
		return err
	}
	srcInfo, dstInfo, auth := accs[0], accs[1], accs[2]
	if srcInfo.Key == dstInfo.Key {
		return ErrInvalidAccountData
	}
	if err := checkOwned(srcInfo); err != nil {
		return err
	}

	src, err := UnpackAccount(srcInfo.Data)
	if err != nil {
		return err
	}
	if src.IsNative == nil && src.Amount != 0 {
		return ErrNonNativeHasBalance
	}
	current := src.Owner
	if src.CloseAuthority != nil {
		current = *src.CloseAuthority
	}
	if err := validateAuthority(current, auth); err != nil {
		return err
	}
	if dstInfo.Lamports > ^uint64(0)-srcInfo.Lamports {
		return ErrOverflow
	}

	dstInfo.Lamports += srcInfo.Lamports
	srcInfo.Lamports = 0
	srcInfo.Data = nil
	ctx.Log("Instruction: CloseAccount")
	return nil
}
