// Package associated implements the Associated Token Account program, which
// creates the canonical token account of a wallet for a given mint.
package associated

import (
	"errors"
	"fmt"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
	"github.com/fortiblox/golana/pkg/svm/programs/token"
)

// ProgramID is the Associated Token Account program address.
var ProgramID = types.AssociatedTokenProgramAddr

// Instruction tags.
const (
	InstructionCreate           = 0
	InstructionCreateIdempotent = 1
)

var (
	// ErrInvalidSeeds is returned when the destination is not the
	// associated address of wallet and mint.
	ErrInvalidSeeds = errors.New("associated address does not match seed derivation")

	// ErrInvalidOwner is returned when an existing account is not a token
	// account of the expected wallet.
	ErrInvalidOwner = errors.New("associated token account owner does not match")

	// ErrNotEnoughAccountKeys is returned when accounts are missing.
	ErrNotEnoughAccountKeys = errors.New("not enough account keys")
)

// Address derives the associated token account of wallet for mint.
func Address(wallet, mint types.Pubkey) (types.Pubkey, uint8, error) {
	return svm.FindProgramAddress([][]byte{wallet[:], token.ProgramID[:], mint[:]}, ProgramID)
}

// Processor executes Associated Token Account instructions.
type Processor struct{}

// NewProcessor creates a new processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process creates an associated token account.
// Accounts: [0] payer (signer, writable), [1] associated account (writable),
// [2] wallet, [3] mint, [4] system program, [5] token program.
func (p *Processor) Process(ctx svm.InvokeContext, data []byte) error {
	idempotent := false
	if len(data) > 0 {
		switch data[0] {
		case InstructionCreate:
		case InstructionCreateIdempotent:
			idempotent = true
		default:
			return fmt.Errorf("invalid instruction tag %d", data[0])
		}
	}
	if err := ctx.ConsumeCU(svm.CUAssociatedTokenDefault); err != nil {
		return err
	}
	if ctx.AccountCount() < 4 {
		return ErrNotEnoughAccountKeys
	}
	accs := ctx.Accounts()
	payer, dest, wallet, mint := accs[0], accs[1], accs[2], accs[3]

	addr, bump, err := Address(wallet.Key, mint.Key)
	if err != nil {
		return err
	}
	if addr != dest.Key {
		return ErrInvalidSeeds
	}

	if idempotent && dest.Owner == token.ProgramID {
		acc, err := token.UnpackAccount(dest.Data)
		if err != nil {
			return err
		}
		if acc.Owner != wallet.Key || acc.Mint != mint.Key {
			return ErrInvalidOwner
		}
		ctx.Log("associated token account already exists")
		return nil
	}

	seeds := [][][]byte{{wallet.Key[:], token.ProgramID[:], mint.Key[:], {bump}}}
	space := uint64(token.AccountLen)
	lamports := ctx.GetRentMinimum(space)
	create := system.CreateAccount(payer.Key, dest.Key, lamports, space, token.ProgramID)
	if err := ctx.Invoke(create, seeds); err != nil {
		return fmt.Errorf("create associated account: %w", err)
	}

	init := token.InitializeAccount3(dest.Key, mint.Key, wallet.Key)
	if err := ctx.Invoke(init, nil); err != nil {
		return fmt.Errorf("initialize associated account: %w", err)
	}
	ctx.Log("Create")
	return nil
}

// Create builds a Create instruction. With idempotent set the instruction
// succeeds when the account already exists.
func Create(payer, wallet, mint types.Pubkey, idempotent bool) (*svm.Instruction, error) {
	addr, _, err := Address(wallet, mint)
	if err != nil {
		return nil, err
	}
	tag := byte(InstructionCreate)
	if idempotent {
		tag = InstructionCreateIdempotent
	}
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: payer, IsSigner: true, IsWritable: true},
			{Pubkey: addr, IsWritable: true},
			{Pubkey: wallet},
			{Pubkey: mint},
			{Pubkey: system.ProgramID},
			{Pubkey: token.ProgramID},
		},
		Data: []byte{tag},
	}, nil
}
