package svm

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/accounts"
)

// CPI errors.
var (
	ErrCPIDepthExceeded       = errors.New("CPI depth exceeded")
	ErrCPIPrivilegeEscalation = errors.New("CPI privilege escalation")
	ErrCPIAccountMissing      = errors.New("CPI account not available to caller")
	ErrCPITooManySignerSeeds  = errors.New("too many signer seeds")
)

// AccountInfo holds an account as seen by an executing program.
type AccountInfo struct {
	// Key is the account public key.
	Key types.Pubkey

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Lamports is the account balance.
	Lamports uint64

	// Data is the account data.
	Data []byte

	// Executable indicates if this is a program account.
	Executable bool

	// RentEpoch is the rent epoch.
	RentEpoch uint64

	// IsSigner indicates if this account signed the instruction.
	IsSigner bool

	// IsWritable indicates if this account can be modified.
	IsWritable bool
}

func newAccountInfo(key types.Pubkey, acc *accounts.Account, signer, writable bool) *AccountInfo {
	data := make([]byte, len(acc.Data))
	copy(data, acc.Data)
	return &AccountInfo{
		Key:        key,
		Owner:      acc.Owner,
		Lamports:   acc.Lamports,
		Data:       data,
		Executable: acc.Executable,
		RentEpoch:  acc.RentEpoch,
		IsSigner:   signer,
		IsWritable: writable,
	}
}

func (a *AccountInfo) toAccount() *accounts.Account {
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return &accounts.Account{
		Lamports:   a.Lamports,
		Data:       data,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

func accountsEqual(a, b *accounts.Account) bool {
	return a.Lamports == b.Lamports &&
		a.Owner == b.Owner &&
		a.Executable == b.Executable &&
		bytes.Equal(a.Data, b.Data)
}

// InvokeContext is the environment a program executes in.
type InvokeContext interface {
	// Context returns the transaction's context.
	Context() context.Context

	// ProgramID returns the address of the executing program.
	ProgramID() types.Pubkey

	// AccountCount returns the number of accounts passed to the instruction.
	AccountCount() int

	// GetAccount returns the account at the given index.
	GetAccount(index int) (*AccountInfo, error)

	// Accounts returns all accounts in instruction order. Duplicate metas
	// share one AccountInfo.
	Accounts() []*AccountInfo

	// Invoke executes ix as a cross-program invocation. Each entry of
	// signerSeeds derives one PDA of the calling program that is treated
	// as a signer.
	Invoke(ix *Instruction, signerSeeds [][][]byte) error

	// ConsumeCU charges compute units against the transaction budget.
	ConsumeCU(cost uint64) error

	// RemainingCU returns the compute units left in the transaction.
	RemainingCU() uint64

	// StackHeight returns the invocation depth, starting at 1.
	StackHeight() int

	// GetRentMinimum returns the rent-exempt minimum for given data size.
	GetRentMinimum(dataLen uint64) uint64

	// Log records a program log message.
	Log(msg string)
}

// frame implements InvokeContext for one program invocation.
type frame struct {
	ctx       context.Context
	rt        *Runtime
	programID types.Pubkey
	accounts  []*AccountInfo
	meter     *ComputeMeter
	logs      *logCollector
	height    int

	// pre holds the last verified state of each account. It is refreshed
	// after every successful CPI since the callee verified its own changes.
	pre      map[types.Pubkey]*accounts.Account
	entrySum uint64
}

func newFrame(ctx context.Context, rt *Runtime, programID types.Pubkey, infos []*AccountInfo, meter *ComputeMeter, logs *logCollector, height int) *frame {
	f := &frame{
		ctx:       ctx,
		rt:        rt,
		programID: programID,
		accounts:  infos,
		meter:     meter,
		logs:      logs,
		height:    height,
		pre:       make(map[types.Pubkey]*accounts.Account, len(infos)),
	}
	for _, info := range infos {
		if _, ok := f.pre[info.Key]; ok {
			continue
		}
		f.pre[info.Key] = info.toAccount()
		f.entrySum += info.Lamports
	}
	return f
}

func (f *frame) Context() context.Context { return f.ctx }

func (f *frame) ProgramID() types.Pubkey { return f.programID }

func (f *frame) AccountCount() int { return len(f.accounts) }

func (f *frame) Accounts() []*AccountInfo { return f.accounts }

func (f *frame) GetAccount(index int) (*AccountInfo, error) {
	if index < 0 || index >= len(f.accounts) {
		return nil, fmt.Errorf("%w: %d", ErrAccountIndex, index)
	}
	return f.accounts[index], nil
}

func (f *frame) ConsumeCU(cost uint64) error {
	return f.meter.Consume(cost)
}

func (f *frame) RemainingCU() uint64 {
	return f.meter.Remaining()
}

func (f *frame) StackHeight() int { return f.height }

func (f *frame) GetRentMinimum(dataLen uint64) uint64 {
	return MinimumBalance(dataLen)
}

func (f *frame) Log(msg string) {
	f.logs.add("Program log: " + msg)
}

func (f *frame) lookup(key types.Pubkey) *AccountInfo {
	for _, info := range f.accounts {
		if info.Key == key {
			return info
		}
	}
	return nil
}

// verify checks the changes made to one account since its last verified
// state.
func (f *frame) verify(info *AccountInfo) error {
	pre := f.pre[info.Key]
	post := info

	dataChanged := !bytes.Equal(pre.Data, post.Data)
	changed := dataChanged || pre.Lamports != post.Lamports || pre.Owner != post.Owner
	if !post.IsWritable && changed {
		return fmt.Errorf("%w: %s", ErrReadonlyModified, info.Key)
	}
	if pre.Executable != post.Executable {
		return fmt.Errorf("%w: %s", ErrExecutableModified, info.Key)
	}
	if pre.Owner != post.Owner && pre.Owner != f.programID {
		return fmt.Errorf("%w: %s", ErrOwnerModified, info.Key)
	}
	if dataChanged && pre.Owner != f.programID {
		return fmt.Errorf("%w: %s", ErrExternalDataModified, info.Key)
	}
	if post.Lamports < pre.Lamports && pre.Owner != f.programID {
		return fmt.Errorf("%w: %s", ErrExternalLamportSpend, info.Key)
	}
	return nil
}

// finish verifies every account the frame touched and lamport
// conservation across them.
func (f *frame) finish() error {
	seen := make(map[types.Pubkey]bool, len(f.accounts))
	var sum uint64
	for _, info := range f.accounts {
		if seen[info.Key] {
			continue
		}
		seen[info.Key] = true
		if err := f.verify(info); err != nil {
			return err
		}
		sum += info.Lamports
	}
	if sum != f.entrySum {
		return ErrUnbalancedInstruction
	}
	return nil
}

// Invoke executes a cross-program invocation.
func (f *frame) Invoke(ix *Instruction, signerSeeds [][][]byte) error {
	if f.height >= MaxInvokeDepth {
		return ErrCPIDepthExceeded
	}
	if len(signerSeeds) > MaxSeeds {
		return ErrCPITooManySignerSeeds
	}
	if err := f.ConsumeCU(CUInvokeBase); err != nil {
		return err
	}

	program, ok := f.rt.programs[ix.ProgramID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, ix.ProgramID)
	}

	pdaSigners := make(map[types.Pubkey]bool, len(signerSeeds))
	for _, seeds := range signerSeeds {
		addr, err := CreateProgramAddress(seeds, f.programID)
		if err != nil {
			return fmt.Errorf("signer seeds: %w", err)
		}
		pdaSigners[addr] = true
	}

	// Settle the caller's own changes before handing accounts over.
	callerViews := make(map[types.Pubkey]*AccountInfo)
	for _, meta := range ix.Accounts {
		caller := f.lookup(meta.Pubkey)
		if caller == nil {
			return fmt.Errorf("%w: %s", ErrCPIAccountMissing, meta.Pubkey)
		}
		if meta.IsWritable && !caller.IsWritable {
			return fmt.Errorf("%w: %s writable", ErrCPIPrivilegeEscalation, meta.Pubkey)
		}
		if meta.IsSigner && !caller.IsSigner && !pdaSigners[meta.Pubkey] {
			return fmt.Errorf("%w: %s signer", ErrCPIPrivilegeEscalation, meta.Pubkey)
		}
		if _, ok := callerViews[meta.Pubkey]; ok {
			continue
		}
		if err := f.verify(caller); err != nil {
			return err
		}
		f.pre[caller.Key] = caller.toAccount()
		callerViews[meta.Pubkey] = caller
	}

	signer := make(map[types.Pubkey]bool)
	writable := make(map[types.Pubkey]bool)
	for _, meta := range ix.Accounts {
		signer[meta.Pubkey] = signer[meta.Pubkey] || meta.IsSigner
		writable[meta.Pubkey] = writable[meta.Pubkey] || meta.IsWritable
	}
	calleeViews := make(map[types.Pubkey]*AccountInfo, len(callerViews))
	infos := make([]*AccountInfo, len(ix.Accounts))
	for i, meta := range ix.Accounts {
		view, ok := calleeViews[meta.Pubkey]
		if !ok {
			caller := callerViews[meta.Pubkey]
			view = newAccountInfo(caller.Key, caller.toAccount(), signer[meta.Pubkey], writable[meta.Pubkey])
			calleeViews[meta.Pubkey] = view
		}
		infos[i] = view
	}

	child := newFrame(f.ctx, f.rt, ix.ProgramID, infos, f.meter, f.logs, f.height+1)
	f.logs.add(fmt.Sprintf("Program %s invoke [%d]", ix.ProgramID, child.height))
	if err := program.Process(child, ix.Data); err != nil {
		f.logs.add(fmt.Sprintf("Program %s failed: %v", ix.ProgramID, err))
		return err
	}
	if err := child.finish(); err != nil {
		return err
	}
	f.logs.add(fmt.Sprintf("Program %s success", ix.ProgramID))

	for key, view := range calleeViews {
		caller := callerViews[key]
		caller.Lamports = view.Lamports
		caller.Owner = view.Owner
		caller.Data = view.Data
		f.pre[key] = caller.toAccount()
	}
	return nil
}
