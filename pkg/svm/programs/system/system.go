// Package system implements the System Program.
//
// The System Program is responsible for:
// - Creating new accounts
// - Transferring lamports
// - Assigning account ownership
// - Allocating account space
// - Creating accounts at seed-derived addresses
package system

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/svm"
)

// ProgramID is the System Program address.
var ProgramID = types.SystemProgramAddr

// Instruction discriminants.
const (
	InstructionCreateAccount = iota
	InstructionAssign
	InstructionTransfer
	InstructionCreateAccountWithSeed
	InstructionAdvanceNonceAccount
	InstructionWithdrawNonceAccount
	InstructionInitializeNonceAccount
	InstructionAuthorizeNonceAccount
	InstructionAllocate
)

// Error types.
var (
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrNotEnoughAccountKeys     = errors.New("not enough account keys")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrAccountNotRentExempt     = errors.New("account not rent exempt")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrAccountDataTooSmall      = errors.New("account data too small")
	ErrAccountDataTooLarge      = errors.New("account data too large")
	ErrInvalidSeed              = errors.New("invalid seed")
	ErrAddressWithSeedMismatch  = errors.New("create address with seed mismatch")
	ErrAccountNotWritable       = errors.New("account not writable")
)

// MaxAccountDataSize is the largest allocation the program accepts.
const MaxAccountDataSize = 10 * 1024 * 1024

// Processor executes System Program instructions.
type Processor struct{}

// NewProcessor creates a new System Program processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process executes a System Program instruction.
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 4 {
		return ErrInvalidInstructionData
	}
	if err := ctx.ConsumeCU(svm.CUSystemProgramDefault); err != nil {
		return err
	}

	instruction := binary.LittleEndian.Uint32(data[:4])
	switch instruction {
	case InstructionCreateAccount:
		return p.processCreateAccount(ctx, data[4:])
	case InstructionAssign:
		return p.processAssign(ctx, data[4:])
	case InstructionTransfer:
		return p.processTransfer(ctx, data[4:])
	case InstructionAllocate:
		return p.processAllocate(ctx, data[4:])
	case InstructionCreateAccountWithSeed:
		return p.processCreateAccountWithSeed(ctx, data[4:])
	default:
		return fmt.Errorf("%w: unsupported instruction %d", ErrInvalidInstructionData, instruction)
	}
}

func accountPair(ctx svm.InvokeContext) (*svm.AccountInfo, *svm.AccountInfo, error) {
	first, err := ctx.GetAccount(0)
	if err != nil {
		return nil, nil, ErrNotEnoughAccountKeys
	}
	second, err := ctx.GetAccount(1)
	if err != nil {
		return nil, nil, ErrNotEnoughAccountKeys
	}
	return first, second, nil
}

// isUnused reports whether an account can be created at this address.
func isUnused(acc *svm.AccountInfo) bool {
	return acc.Owner == ProgramID && len(acc.Data) == 0 && acc.Lamports == 0
}

// create funds, allocates and assigns newAccount.
func create(ctx svm.InvokeContext, funder, newAccount *svm.AccountInfo, lamports, space uint64, owner types.Pubkey) error {
	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}
	if !funder.IsWritable || !newAccount.IsWritable {
		return ErrAccountNotWritable
	}
	if funder.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if !isUnused(newAccount) {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyInUse, newAccount.Key)
	}
	if lamports < ctx.GetRentMinimum(space) {
		return ErrAccountNotRentExempt
	}

	funder.Lamports -= lamports
	newAccount.Lamports = lamports
	newAccount.Data = make([]byte, space)
	newAccount.Owner = owner
	return nil
}

// processCreateAccount creates a new account.
// Accounts: [0] funding (signer, writable), [1] new account (signer, writable).
func (p *Processor) processCreateAccount(ctx svm.InvokeContext, data []byte) error {
	// lamports (8) + space (8) + owner (32)
	if len(data) < 48 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])
	space := binary.LittleEndian.Uint64(data[8:16])
	var owner types.Pubkey
	copy(owner[:], data[16:48])

	funder, newAccount, err := accountPair(ctx)
	if err != nil {
		return err
	}
	if !funder.IsSigner || !newAccount.IsSigner {
		return ErrMissingRequiredSignature
	}
	if err := create(ctx, funder, newAccount, lamports, space, owner); err != nil {
		return err
	}
	ctx.Log("CreateAccount: success")
	return nil
}

// processAssign changes the owner of an account.
func (p *Processor) processAssign(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 32 {
		return ErrInvalidInstructionData
	}
	var newOwner types.Pubkey
	copy(newOwner[:], data[0:32])

	account, err := ctx.GetAccount(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if account.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}

	account.Owner = newOwner
	ctx.Log("Assign: success")
	return nil
}

// processTransfer transfers lamports between accounts.
func (p *Processor) processTransfer(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])

	from, to, err := accountPair(ctx)
	if err != nil {
		return err
	}
	if !from.IsSigner {
		return ErrMissingRequiredSignature
	}
	if !from.IsWritable || !to.IsWritable {
		return ErrAccountNotWritable
	}
	if len(from.Data) != 0 {
		return fmt.Errorf("%w: transfer source carries data", ErrInvalidAccountOwner)
	}
	if from.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if to.Lamports > ^uint64(0)-lamports {
		return errors.New("lamport overflow")
	}

	from.Lamports -= lamports
	to.Lamports += lamports
	ctx.Log("Transfer: success")
	return nil
}

// processAllocate allocates space in an account.
func (p *Processor) processAllocate(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}
	space := binary.LittleEndian.Uint64(data[0:8])
	if space > MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	account, err := ctx.GetAccount(0)
	if err != nil {
		return ErrNotEnoughAccountKeys
	}
	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if account.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}
	if uint64(len(account.Data)) > space {
		return ErrAccountDataTooSmall
	}

	if uint64(len(account.Data)) < space {
		newData := make([]byte, space)
		copy(newData, account.Data)
		account.Data = newData
	}
	ctx.Log("Allocate: success")
	return nil
}

// processCreateAccountWithSeed creates an account at a seed-derived address.
// Accounts: [0] funding (signer, writable), [1] new account (writable),
// [2] base (signer) when base differs from the funding account.
func (p *Processor) processCreateAccountWithSeed(ctx svm.InvokeContext, data []byte) error {
	// base (32) + seed_len (8) + seed + lamports (8) + space (8) + owner (32)
	if len(data) < 40 {
		return ErrInvalidInstructionData
	}
	var base types.Pubkey
	copy(base[:], data[0:32])

	seedLen := binary.LittleEndian.Uint64(data[32:40])
	if seedLen > types.MaxSeedLen {
		return ErrInvalidSeed
	}
	offset := 40 + seedLen
	if uint64(len(data)) < offset+48 {
		return ErrInvalidInstructionData
	}
	seed := string(data[40:offset])
	lamports := binary.LittleEndian.Uint64(data[offset : offset+8])
	space := binary.LittleEndian.Uint64(data[offset+8 : offset+16])
	var owner types.Pubkey
	copy(owner[:], data[offset+16:offset+48])

	funder, newAccount, err := accountPair(ctx)
	if err != nil {
		return err
	}
	if !funder.IsSigner {
		return ErrMissingRequiredSignature
	}
	if base != funder.Key {
		baseAcc, err := ctx.GetAccount(2)
		if err != nil {
			return ErrNotEnoughAccountKeys
		}
		if baseAcc.Key != base || !baseAcc.IsSigner {
			return ErrMissingRequiredSignature
		}
	}

	expected, err := types.CreateWithSeed(base, seed, owner)
	if err != nil {
		return ErrInvalidSeed
	}
	if expected != newAccount.Key {
		return ErrAddressWithSeedMismatch
	}

	if err := create(ctx, funder, newAccount, lamports, space, owner); err != nil {
		return err
	}
	ctx.Log("CreateAccountWithSeed: success")
	return nil
}
