// Package loader implements the golana loader program: the on-ledger entry
// points that upload guest bytecode, finalize it step by step and execute
// its handlers.
//
// A deployment is two accounts derived from the authority and a handle. The
// bytecode account holds the uploaded image. The memdump account holds the
// arena of the allocator in which finalize keeps its decoded sections
// between transactions. Execute restores that arena, or takes the decoded
// program from the cache when the arena is unchanged.
package loader

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/dgraph-io/ristretto"
	"github.com/near/borsh-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/ffi"
	"github.com/fortiblox/golana/pkg/heap"
	"github.com/fortiblox/golana/pkg/svm"
)

// ProgramID is the address the loader is registered at.
var ProgramID = types.LoaderProgramAddr

// Compute costs of the loader itself. Guest host calls are charged by ffi.
const (
	CUEntry       = uint64(200) // Every loader instruction
	CUParseByte   = uint64(1)   // Per content byte hashed or decoded
	CUSnapshotKiB = uint64(8)   // Per KiB of arena restored or dumped
)

// ChunkSize is the largest write a single transaction carries.
const ChunkSize = 850

var (
	// ErrInvalidInstruction is returned for instruction data that does not
	// name a loader entry or whose arguments do not decode.
	ErrInvalidInstruction = errors.New("invalid loader instruction")

	// ErrNotEnoughAccounts is returned when an entry is given fewer
	// accounts than it declares.
	ErrNotEnoughAccounts = errors.New("not enough accounts")

	// ErrNotOwned is returned for deployment accounts the loader does not
	// own.
	ErrNotOwned = errors.New("account is not owned by the loader")

	// ErrNotWritable is returned when a deployment account that must be
	// written is passed read-only.
	ErrNotWritable = errors.New("account is not writable")

	// ErrAccountInUse is returned by initialize for accounts that already
	// hold data.
	ErrAccountInUse = errors.New("account is already in use")

	// ErrMemDumpSize is returned when a memdump account does not match the
	// configured arena.
	ErrMemDumpSize = errors.New("memdump account size does not match the arena")
)

// Config contains loader configuration.
type Config struct {
	// Heap sizes the allocator. Memdump accounts must hold exactly
	// Heap.ArenaSize bytes after their header.
	Heap heap.Config

	// Engine configures the guest engine.
	Engine engine.Config

	// Imports are the host calls guests link against. Nil selects
	// ffi.DefaultImports.
	Imports *ffi.Imports

	// CacheSize is the number of decoded programs kept in memory. Zero
	// disables the cache.
	CacheSize int64

	// Registerer receives the loader metrics when set.
	Registerer prometheus.Registerer

	Logger *zap.Logger
}

// DefaultConfig returns default loader configuration.
func DefaultConfig() Config {
	return Config{
		Heap:      heap.DefaultConfig(),
		Engine:    engine.DefaultConfig(),
		CacheSize: 64,
		Logger:    zap.NewNop(),
	}
}

// Loader is the loader program. Register it with svm.Runtime.Register at
// ProgramID.
type Loader struct {
	cfg     Config
	log     *zap.Logger
	imports *ffi.Imports
	cache   *ristretto.Cache
	metrics *metrics
}

var _ svm.Program = (*Loader)(nil)

// New creates a loader.
func New(cfg Config) (*Loader, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = cfg.Logger
	}
	if cfg.Imports == nil {
		cfg.Imports = ffi.DefaultImports()
	}
	// Validate the region sizes once up front.
	if _, err := heap.New(cfg.Heap); err != nil {
		return nil, err
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	l := &Loader{
		cfg:     cfg,
		log:     cfg.Logger,
		imports: cfg.Imports,
		metrics: m,
	}
	if cfg.CacheSize > 0 {
		l.cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.CacheSize * 10,
			MaxCost:     cfg.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("program cache: %w", err)
		}
	}
	return l, nil
}

// Close releases the program cache.
func (l *Loader) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}

// ArenaSize returns the arena size memdump accounts must hold.
func (l *Loader) ArenaSize() int {
	return l.cfg.Heap.ArenaSize
}

// Instruction discriminators, sha256("global:<name>")[:8].
var (
	ixInitialize = discriminator("global:gol_initialize")
	ixClear      = discriminator("global:gol_clear")
	ixWrite      = discriminator("global:gol_write")
	ixFinalize   = discriminator("global:gol_finalize")
	ixExecute    = discriminator("global:gol_execute")
)

// Instruction arguments.
type (
	InitializeArgs struct {
		Handle string
	}
	ClearArgs struct {
		Handle  string
		NewSize uint64
	}
	WriteArgs struct {
		Data []byte
	}
	FinalizeArgs struct {
		Step uint8
	}
	ExecuteArgs struct {
		ID   string
		Args []byte
	}
)

// Process implements svm.Program.
func (l *Loader) Process(ctx svm.InvokeContext, data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidInstruction, len(data))
	}
	if err := ctx.ConsumeCU(CUEntry); err != nil {
		return err
	}
	start := ctx.RemainingCU()
	defer func() {
		l.metrics.computeUnits.Observe(float64(start - ctx.RemainingCU()))
	}()

	var disc [8]byte
	copy(disc[:], data)
	body := data[8:]
	switch disc {
	case ixInitialize:
		var args InitializeArgs
		if err := decodeArgs(&args, body); err != nil {
			return err
		}
		return l.initialize(ctx, args.Handle)
	case ixClear:
		var args ClearArgs
		if err := decodeArgs(&args, body); err != nil {
			return err
		}
		return l.clear(ctx, args.Handle, args.NewSize)
	case ixWrite:
		var args WriteArgs
		if err := decodeArgs(&args, body); err != nil {
			return err
		}
		return l.write(ctx, args.Data)
	case ixFinalize:
		var args FinalizeArgs
		if err := decodeArgs(&args, body); err != nil {
			return err
		}
		return l.finalize(ctx, args.Step)
	case ixExecute:
		var args ExecuteArgs
		if err := decodeArgs(&args, body); err != nil {
			return err
		}
		err := l.execute(ctx, args.ID, args.Args)
		l.metrics.executed(err)
		return err
	default:
		return fmt.Errorf("%w: unknown discriminator %x", ErrInvalidInstruction, disc)
	}
}

// decodeArgs decodes instruction arguments. Trailing bytes are rejected.
func decodeArgs(v any, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidInstruction, r)
		}
	}()
	if err := borsh.Deserialize(v, data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	again, err := borsh.Serialize(reflect.ValueOf(v).Elem().Interface())
	if err != nil || len(again) != len(data) {
		return fmt.Errorf("%w: trailing argument bytes", ErrInvalidInstruction)
	}
	return nil
}

// encodeInstruction prefixes the borsh encoding of args with disc.
func encodeInstruction(disc [8]byte, args any) ([]byte, error) {
	body, err := borsh.Serialize(args)
	if err != nil {
		return nil, err
	}
	return append(disc[:], body...), nil
}

// accounts returns the first n accounts of the instruction.
func accounts(ctx svm.InvokeContext, n int) ([]*svm.AccountInfo, error) {
	if ctx.AccountCount() < n {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrNotEnoughAccounts, n, ctx.AccountCount())
	}
	return ctx.Accounts()[:n], nil
}

// chargeBytes charges the per-byte parse cost of n bytes.
func chargeBytes(ctx svm.InvokeContext, n int) error {
	return ctx.ConsumeCU(uint64(n) * CUParseByte)
}

// chargeSnapshot charges restoring or dumping n arena bytes.
func chargeSnapshot(ctx svm.InvokeContext, n int) error {
	return ctx.ConsumeCU(uint64((n+1023)/1024) * CUSnapshotKiB)
}
