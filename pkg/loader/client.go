package loader

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
)

// Processor runs transactions. *svm.Runtime implements it.
type Processor interface {
	Process(ctx context.Context, tx *svm.Transaction) (*svm.ExecutionResult, error)
}

// Describe returns a short label for a loader instruction, or "" for any
// other program's instruction.
func Describe(ix *svm.Instruction) string {
	if ix.ProgramID != ProgramID || len(ix.Data) < 8 {
		return ""
	}
	var disc [8]byte
	copy(disc[:], ix.Data)
	data := ix.Data[8:]
	switch disc {
	case ixInitialize:
		var args InitializeArgs
		if decodeArgs(&args, data) == nil {
			return "initialize " + args.Handle
		}
	case ixClear:
		var args ClearArgs
		if decodeArgs(&args, data) == nil {
			return fmt.Sprintf("clear %s to %d bytes", args.Handle, args.NewSize)
		}
	case ixWrite:
		var args WriteArgs
		if decodeArgs(&args, data) == nil {
			return fmt.Sprintf("write %d bytes", len(args.Data))
		}
	case ixFinalize:
		var args FinalizeArgs
		if decodeArgs(&args, data) == nil {
			return "finalize " + StepName(args.Step)
		}
	case ixExecute:
		var args ExecuteArgs
		if decodeArgs(&args, data) == nil {
			return "execute " + args.ID
		}
	}
	return "unknown"
}

// InitializeIx builds a gol_initialize instruction.
func InitializeIx(authority types.Pubkey, handle string) (*svm.Instruction, error) {
	bcAddr, mdAddr, err := Addresses(authority, handle)
	if err != nil {
		return nil, err
	}
	data, err := encodeInstruction(ixInitialize, InitializeArgs{Handle: handle})
	if err != nil {
		return nil, err
	}
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: authority, IsSigner: true},
			{Pubkey: bcAddr, IsWritable: true},
			{Pubkey: mdAddr, IsWritable: true},
		},
		Data: data,
	}, nil
}

// ClearIx builds a gol_clear instruction.
func ClearIx(authority types.Pubkey, handle string, newSize uint64) (*svm.Instruction, error) {
	bcAddr, mdAddr, err := Addresses(authority, handle)
	if err != nil {
		return nil, err
	}
	data, err := encodeInstruction(ixClear, ClearArgs{Handle: handle, NewSize: newSize})
	if err != nil {
		return nil, err
	}
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: authority, IsSigner: true, IsWritable: true},
			{Pubkey: bcAddr, IsWritable: true},
			{Pubkey: mdAddr, IsWritable: true},
			{Pubkey: system.ProgramID},
		},
		Data: data,
	}, nil
}

// WriteIx builds a gol_write instruction carrying chunk.
func WriteIx(authority types.Pubkey, handle string, chunk []byte) (*svm.Instruction, error) {
	bcAddr, _, err := Addresses(authority, handle)
	if err != nil {
		return nil, err
	}
	data, err := encodeInstruction(ixWrite, WriteArgs{Data: chunk})
	if err != nil {
		return nil, err
	}
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: authority, IsSigner: true},
			{Pubkey: bcAddr, IsWritable: true},
		},
		Data: data,
	}, nil
}

// FinalizeIx builds a gol_finalize instruction for one step.
func FinalizeIx(authority types.Pubkey, handle string, step uint8) (*svm.Instruction, error) {
	bcAddr, mdAddr, err := Addresses(authority, handle)
	if err != nil {
		return nil, err
	}
	data, err := encodeInstruction(ixFinalize, FinalizeArgs{Step: step})
	if err != nil {
		return nil, err
	}
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts: []svm.AccountMeta{
			{Pubkey: authority, IsSigner: true},
			{Pubkey: bcAddr, IsWritable: true},
			{Pubkey: mdAddr, IsWritable: true},
		},
		Data: data,
	}, nil
}

// ExecuteIx builds a gol_execute instruction running handler id with the
// encoded args. accounts are the handler's accounts in declaration order.
func ExecuteIx(bytecodeAddr, memDumpAddr types.Pubkey, id string, args []byte, accounts []svm.AccountMeta) (*svm.Instruction, error) {
	data, err := encodeInstruction(ixExecute, ExecuteArgs{ID: id, Args: args})
	if err != nil {
		return nil, err
	}
	metas := make([]svm.AccountMeta, 0, 2+len(accounts))
	metas = append(metas,
		svm.AccountMeta{Pubkey: bytecodeAddr},
		svm.AccountMeta{Pubkey: memDumpAddr},
	)
	return &svm.Instruction{
		ProgramID: ProgramID,
		Accounts:  append(metas, accounts...),
		Data:      data,
	}, nil
}

// CreateAccountsIxs builds the system instructions that allocate the
// deployment accounts: capacity content bytes and an arena of arenaSize.
func CreateAccountsIxs(authority types.Pubkey, handle string, capacity, arenaSize int) ([]*svm.Instruction, error) {
	bcAddr, mdAddr, err := Addresses(authority, handle)
	if err != nil {
		return nil, err
	}
	bcSpace := uint64(BytecodeHeaderLen + capacity)
	mdSpace := uint64(MemDumpHeaderLen + arenaSize)
	return []*svm.Instruction{
		system.CreateAccountWithSeed(authority, bcAddr, authority, "BC"+handle, svm.MinimumBalance(bcSpace), bcSpace, ProgramID),
		system.CreateAccountWithSeed(authority, mdAddr, authority, "MM"+handle, svm.MinimumBalance(mdSpace), mdSpace, ProgramID),
	}, nil
}

// Chunks splits content into writes of at most ChunkSize bytes.
func Chunks(content []byte) [][]byte {
	var out [][]byte
	for len(content) > 0 {
		n := min(len(content), ChunkSize)
		out = append(out, content[:n])
		content = content[n:]
	}
	return out
}

// Deployment describes a completed deploy.
type Deployment struct {
	Handle   string
	Bytecode types.Pubkey
	MemDump  types.Pubkey

	// Writes is the number of write transactions.
	Writes int

	// StepCU is the compute consumed by each finalize step.
	StepCU [NumSteps]uint64
}

// Deploy creates authority's deployment named handle, uploads content and
// runs every finalize step, one transaction each. The loader must be
// registered at ProgramID.
func Deploy(ctx context.Context, rt Processor, authority types.Pubkey, handle string, content []byte, arenaSize int, log *zap.Logger) (*Deployment, error) {
	create, err := CreateAccountsIxs(authority, handle, len(content), arenaSize)
	if err != nil {
		return nil, err
	}
	initIx, err := InitializeIx(authority, handle)
	if err != nil {
		return nil, err
	}
	if _, err := process(ctx, rt, append(create, initIx)...); err != nil {
		return nil, fmt.Errorf("create accounts: %w", err)
	}
	return Upload(ctx, rt, authority, handle, content, log)
}

// Upload writes content into an initialized or cleared deployment and
// finalizes it.
func Upload(ctx context.Context, rt Processor, authority types.Pubkey, handle string, content []byte, log *zap.Logger) (*Deployment, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bcAddr, mdAddr, err := Addresses(authority, handle)
	if err != nil {
		return nil, err
	}
	d := &Deployment{Handle: handle, Bytecode: bcAddr, MemDump: mdAddr}

	for i, chunk := range Chunks(content) {
		ix, err := WriteIx(authority, handle, chunk)
		if err != nil {
			return nil, err
		}
		if _, err := process(ctx, rt, ix); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", i, err)
		}
		d.Writes++
	}

	for step := StepInit; step <= StepCheck; step++ {
		ix, err := FinalizeIx(authority, handle, step)
		if err != nil {
			return nil, err
		}
		res, err := process(ctx, rt, ix)
		if err != nil {
			return nil, fmt.Errorf("finalize %s: %w", StepName(step), err)
		}
		d.StepCU[step] = res.ComputeUnitsConsumed
		log.Info("finalize step done",
			zap.String("handle", handle),
			zap.String("step", StepName(step)),
			zap.Uint64("cu", res.ComputeUnitsConsumed))
	}
	return d, nil
}

func process(ctx context.Context, rt Processor, ixs ...*svm.Instruction) (*svm.ExecutionResult, error) {
	return rt.Process(ctx, &svm.Transaction{Instructions: ixs})
}
