package token

import (
	"encoding/binary"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/svm"
)

func appendOptionKey(data []byte, key *types.Pubkey) []byte {
	if key == nil {
		return append(data, 0)
	}
	data = append(data, 1)
	return append(data, key[:]...)
}

func amountIx(tag byte, amount uint64, metas []svm.AccountMeta) *svm.Instruction {
	data := binary.LittleEndian.AppendUint64([]byte{tag}, amount)
	return &svm.Instruction{ProgramID: ProgramID, Accounts: metas, Data: data}
}

// InitializeMint2 builds an InitializeMint2 instruction.
func InitializeMint2(mint types.Pubkey, decimals uint8, mintAuthority types.Pubkey, freezeAuthority *types.Pubkey) *svm.Instruction {
	data := []byte{InstructionInitializeMint2, decimals}
	data = append(data, mintAuthority[:]...)
	data = appendOptionKey(data, freezeAuthority)
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts:  []svm.AccountMeta{{Pubkey: mint, IsWritable: true}},
		Data:      data,
	}
}

// InitializeAccount3 builds an InitializeAccount3 instruction.
func InitializeAccount3(account, mint, owner types.Pubkey) *svm.Instruction {
	data := append([]byte{InstructionInitializeAccount3}, owner[:]...)
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: account, IsWritable: true},
			{Pubkey: mint},
		},
		Data: data,
	}
}

// Transfer builds a Transfer instruction.
func Transfer(source, destination, authority types.Pubkey, amount uint64) *svm.Instruction {
	return amountIx(InstructionTransfer, amount, []svm.AccountMeta{
		{Pubkey: source, IsWritable: true},
		{Pubkey: destination, IsWritable: true},
		{Pubkey: authority, IsSigner: true},
	})
}

// MintTo builds a MintTo instruction.
func MintTo(mint, destination, authority types.Pubkey, amount uint64) *svm.Instruction {
	return amountIx(InstructionMintTo, amount, []svm.AccountMeta{
		{Pubkey: mint, IsWritable: true},
		{Pubkey: destination, IsWritable: true},
		{Pubkey: authority, IsSigner: true},
	})
}

// Burn builds a Burn instruction.
func Burn(account, mint, authority types.Pubkey, amount uint64) *svm.Instruction {
	return amountIx(InstructionBurn, amount, []svm.AccountMeta{
		{Pubkey: account, IsWritable: true},
		{Pubkey: mint, IsWritable: true},
		{Pubkey: authority, IsSigner: true},
	})
}

// SetAuthority builds a SetAuthority instruction. A nil newAuthority
// removes the authority.
func SetAuthority(target types.Pubkey, newAuthority *types.Pubkey, authType AuthorityType, current types.Pubkey) *svm.Instruction {
	data := appendOptionKey([]byte{InstructionSetAuthority, byte(authType)}, newAuthority)
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: target, IsWritable: true},
			{Pubkey: current, IsSigner: true},
		},
		Data: data,
	}
}

// CloseAccount builds a CloseAccount instruction.
func CloseAccount(account, destination, authority types.Pubkey) *svm.Instruction {
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: account, IsWritable: true},
			{Pubkey: destination, IsWritable: true},
			{Pubkey: authority, IsSigner: true},
		},
		Data: []byte{InstructionCloseAccount},
	}
}
