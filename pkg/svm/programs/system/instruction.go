package system

import (
	"encoding/binary"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/svm"
)

func header(discriminant uint32, size int) []byte {
	data := make([]byte, 4, 4+size)
	binary.LittleEndian.PutUint32(data, discriminant)
	return data
}

// CreateAccount builds a CreateAccount instruction.
func CreateAccount(from, to types.Pubkey, lamports, space uint64, owner types.Pubkey) *svm.Instruction {
	data := header(InstructionCreateAccount, 48)
	data = binary.LittleEndian.AppendUint64(data, lamports)
	data = binary.LittleEndian.AppendUint64(data, space)
	data = append(data, owner[:]...)
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: from, IsSigner: true, IsWritable: true},
			{Pubkey: to, IsSigner: true, IsWritable: true},
		},
		Data: data,
	}
}

// CreateAccountWithSeed builds a CreateAccountWithSeed instruction. The new
// address must equal types.CreateWithSeed(base, seed, owner).
func CreateAccountWithSeed(from, to, base types.Pubkey, seed string, lamports, space uint64, owner types.Pubkey) *svm.Instruction {
	data := header(InstructionCreateAccountWithSeed, 32+8+len(seed)+48)
	data = append(data, base[:]...)
	data = binary.LittleEndian.AppendUint64(data, uint64(len(seed)))
	data = append(data, seed...)
	data = binary.LittleEndian.AppendUint64(data, lamports)
	data = binary.LittleEndian.AppendUint64(data, space)
	data = append(data, owner[:]...)

	metas := []svm.AccountMeta{
		{Pubkey: from, IsSigner: true, IsWritable: true},
		{Pubkey: to, IsWritable: true},
	}
	if base != from {
		metas = append(metas, svm.AccountMeta{Pubkey: base, IsSigner: true})
	}
	return &svm.Instruction{ProgramID: ProgramID, Accounts: metas, Data: data}
}

// Transfer builds a Transfer instruction.
func Transfer(from, to types.Pubkey, lamports uint64) *svm.Instruction {
	data := header(InstructionTransfer, 8)
	data = binary.LittleEndian.AppendUint64(data, lamports)
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: from, IsSigner: true, IsWritable: true},
			{Pubkey: to, IsWritable: true},
		},
		Data: data,
	}
}

// Assign builds an Assign instruction.
func Assign(account, owner types.Pubkey) *svm.Instruction {
	data := header(InstructionAssign, 32)
	data = append(data, owner[:]...)
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts:  []svm.AccountMeta{{Pubkey: account, IsSigner: true, IsWritable: true}},
		Data:      data,
	}
}

// Allocate builds an Allocate instruction.
func Allocate(account types.Pubkey, space uint64) *svm.Instruction {
	data := header(InstructionAllocate, 8)
	data = binary.LittleEndian.AppendUint64(data, space)
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts:  []svm.AccountMeta{{Pubkey: account, IsSigner: true, IsWritable: true}},
		Data:      data,
	}
}
