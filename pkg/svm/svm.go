// Package svm implements a minimal Solana-style host runtime.
//
// The runtime executes transactions made of instructions addressed to
// programs implemented in Go. It provides what the golana loader needs from
// its host chain:
// - Account loading and atomic commit against an accounts.DB
// - Per-transaction compute unit metering
// - Cross-Program Invocation (CPI) with PDA signing
// - Ownership and lamport-conservation checks after every instruction
//
// There is no consensus, no signature verification and no fee market. A
// transaction marks its signers directly in its account metas.
package svm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/accounts"
)

var (
	// ErrComputeExceeded is returned when compute units are exhausted.
	ErrComputeExceeded = errors.New("compute units exceeded")

	// ErrProgramNotFound is returned when an instruction targets an
	// unregistered program.
	ErrProgramNotFound = errors.New("program not found")

	// ErrInvalidInstruction is returned for malformed instructions.
	ErrInvalidInstruction = errors.New("invalid instruction")

	// ErrAccountIndex is returned when a program asks for a missing account.
	ErrAccountIndex = errors.New("account index out of bounds")

	// ErrReadonlyModified is returned when a read-only account changed.
	ErrReadonlyModified = errors.New("instruction modified a read-only account")

	// ErrExternalDataModified is returned when a program changed data of an
	// account it does not own.
	ErrExternalDataModified = errors.New("instruction modified data of an account it does not own")

	// ErrExternalLamportSpend is returned when a program debited an account
	// it does not own.
	ErrExternalLamportSpend = errors.New("instruction spent from an account it does not own")

	// ErrOwnerModified is returned for an illegal owner change.
	ErrOwnerModified = errors.New("instruction illegally modified the program id of an account")

	// ErrExecutableModified is returned when the executable flag changed.
	ErrExecutableModified = errors.New("instruction changed executable flag")

	// ErrUnbalancedInstruction is returned when lamports were created or
	// destroyed.
	ErrUnbalancedInstruction = errors.New("sum of account balances before and after instruction do not match")

	// ErrEmptyTransaction is returned for a transaction with no instructions.
	ErrEmptyTransaction = errors.New("transaction has no instructions")
)

// AccountMeta describes an account referenced by an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is an ordered list of instructions executed atomically.
type Transaction struct {
	Instructions []*Instruction

	// ComputeUnitLimit caps the whole transaction. Zero selects the
	// runtime default.
	ComputeUnitLimit uint64
}

// Program is a natively implemented on-chain program.
type Program interface {
	Process(ctx InvokeContext, data []byte) error
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ctx InvokeContext, data []byte) error

// Process calls f(ctx, data).
func (f ProgramFunc) Process(ctx InvokeContext, data []byte) error {
	return f(ctx, data)
}

// Config contains runtime configuration.
type Config struct {
	// DefaultComputeUnits is used when a transaction sets no limit.
	DefaultComputeUnits uint64

	// Logger receives runtime diagnostics.
	Logger *zap.Logger
}

// DefaultConfig returns default runtime configuration.
func DefaultConfig() Config {
	return Config{
		DefaultComputeUnits: CUDefault,
		Logger:              zap.NewNop(),
	}
}

// ExecutionResult contains the result of transaction execution.
type ExecutionResult struct {
	// Success indicates whether the transaction committed.
	Success bool

	// Error contains the error message if execution failed.
	Error string

	// Slot is the slot the transaction committed in, or the current slot
	// for a failed transaction.
	Slot uint64

	// Logs contains program log messages.
	Logs []string

	// ComputeUnitsConsumed is the number of compute units used.
	ComputeUnitsConsumed uint64

	// ModifiedAccounts lists writable accounts whose state changed.
	ModifiedAccounts []types.Pubkey

	// DeltaHash is the merkle root of the committed writable accounts.
	DeltaHash types.Hash
}

// Runtime executes transactions against an accounts database.
type Runtime struct {
	db       accounts.DB
	cfg      Config
	log      *zap.Logger
	programs map[types.Pubkey]Program

	// mu serializes transactions.
	mu sync.Mutex
}

// NewRuntime creates a runtime over db.
func NewRuntime(db accounts.DB, cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultComputeUnits == 0 {
		cfg.DefaultComputeUnits = CUDefault
	}
	return &Runtime{
		db:       db,
		cfg:      cfg,
		log:      cfg.Logger,
		programs: make(map[types.Pubkey]Program),
	}
}

// Register installs a program at the given address, replacing any
// previous registration.
func (r *Runtime) Register(programID types.Pubkey, p Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[programID] = p
}

// DB returns the accounts database the runtime commits to.
func (r *Runtime) DB() accounts.DB {
	return r.db
}

// Airdrop credits lamports to a system-owned account outside of any
// transaction. It is used by local tooling and tests.
func (r *Runtime) Airdrop(to types.Pubkey, lamports uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc, err := r.loadAccount(to)
	if err != nil {
		return err
	}
	acc.Lamports += lamports
	if err := r.db.SetAccount(to, acc); err != nil {
		return err
	}
	return r.db.Commit()
}

func (r *Runtime) loadAccount(key types.Pubkey) (*accounts.Account, error) {
	acc, err := r.db.GetAccount(key)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return &accounts.Account{Owner: types.SystemProgramAddr}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", key, err)
	}
	return acc, nil
}

// txAccount is the transaction-wide state of one account.
type txAccount struct {
	key        types.Pubkey
	state      *accounts.Account
	isSigner   bool
	isWritable bool
}

// Process executes tx. Either every writable account is committed and the
// slot advances, or nothing is written. The returned result is non-nil even
// when execution fails, so callers can inspect logs and compute usage.
func (r *Runtime) Process(ctx context.Context, tx *Transaction) (*ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &ExecutionResult{Slot: r.db.GetSlot()}
	if len(tx.Instructions) == 0 {
		result.Error = ErrEmptyTransaction.Error()
		return result, ErrEmptyTransaction
	}

	// Collect message-level privileges in first-seen order.
	var order []*txAccount
	byKey := make(map[types.Pubkey]*txAccount)
	for _, ix := range tx.Instructions {
		for _, meta := range ix.Accounts {
			ta, ok := byKey[meta.Pubkey]
			if !ok {
				state, err := r.loadAccount(meta.Pubkey)
				if err != nil {
					result.Error = err.Error()
					return result, err
				}
				ta = &txAccount{key: meta.Pubkey, state: state}
				byKey[meta.Pubkey] = ta
				order = append(order, ta)
			}
			ta.isSigner = ta.isSigner || meta.IsSigner
			ta.isWritable = ta.isWritable || meta.IsWritable
		}
	}

	limit := tx.ComputeUnitLimit
	if limit == 0 {
		limit = r.cfg.DefaultComputeUnits
	}
	meter := NewComputeMeter(limit)
	logs := &logCollector{}

	fail := func(i int, err error) (*ExecutionResult, error) {
		err = fmt.Errorf("instruction %d: %w", i, err)
		result.Error = err.Error()
		result.Logs = logs.lines
		result.ComputeUnitsConsumed = meter.Consumed()
		r.log.Debug("transaction failed", zap.Error(err), zap.Uint64("cu", meter.Consumed()))
		return result, err
	}

	for i, ix := range tx.Instructions {
		if err := ctx.Err(); err != nil {
			return fail(i, err)
		}
		program, ok := r.programs[ix.ProgramID]
		if !ok {
			return fail(i, fmt.Errorf("%w: %s", ErrProgramNotFound, ix.ProgramID))
		}

		views := make(map[types.Pubkey]*AccountInfo)
		infos := make([]*AccountInfo, len(ix.Accounts))
		for j, meta := range ix.Accounts {
			view, ok := views[meta.Pubkey]
			if !ok {
				ta := byKey[meta.Pubkey]
				view = newAccountInfo(ta.key, ta.state, ta.isSigner, ta.isWritable)
				views[meta.Pubkey] = view
			}
			infos[j] = view
		}

		frame := newFrame(ctx, r, ix.ProgramID, infos, meter, logs, 1)
		logs.add(fmt.Sprintf("Program %s invoke [1]", ix.ProgramID))
		if err := program.Process(frame, ix.Data); err != nil {
			logs.add(fmt.Sprintf("Program %s failed: %v", ix.ProgramID, err))
			return fail(i, err)
		}
		if err := frame.finish(); err != nil {
			return fail(i, err)
		}
		logs.add(fmt.Sprintf("Program %s success", ix.ProgramID))

		for key, view := range views {
			byKey[key].state = view.toAccount()
		}
	}

	var entries []*accounts.AccountEntry
	for _, ta := range order {
		if !ta.isWritable {
			continue
		}
		entries = append(entries, &accounts.AccountEntry{Pubkey: ta.key, Account: ta.state})
	}
	for _, e := range entries {
		prev, err := r.loadAccount(e.Pubkey)
		if err != nil {
			return fail(len(tx.Instructions)-1, err)
		}
		if !accountsEqual(prev, e.Account) {
			result.ModifiedAccounts = append(result.ModifiedAccounts, e.Pubkey)
		}
	}

	if err := r.db.WriteAccounts(entries); err != nil {
		return fail(len(tx.Instructions)-1, fmt.Errorf("commit accounts: %w", err))
	}
	slot := r.db.GetSlot() + 1
	if err := r.db.SetSlot(slot); err != nil {
		return result, err
	}
	if err := r.db.Commit(); err != nil {
		return result, err
	}

	result.Success = true
	result.Slot = slot
	result.Logs = logs.lines
	result.ComputeUnitsConsumed = meter.Consumed()
	result.DeltaHash = accounts.ComputeDeltaHash(entries)
	r.log.Debug("transaction committed",
		zap.Uint64("slot", slot),
		zap.Int("instructions", len(tx.Instructions)),
		zap.Uint64("cu", result.ComputeUnitsConsumed))
	return result, nil
}

type logCollector struct {
	lines []string
}

func (l *logCollector) add(line string) {
	l.lines = append(l.lines, line)
}
