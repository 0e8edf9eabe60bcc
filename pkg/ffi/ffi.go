// Package ffi is the host-call library guest programs link against.
//
// Host calls are grouped into import modules (solana, token, math2, fmt2,
// hash). Each call is charged a fixed compute cost before it runs and sees
// the instruction being executed through a CallInfo.
//
// A call returns a Go error only for misuse or exhausted budget, which ends
// the guest. Failures the guest is expected to handle, like a rejected
// cross-program call, come back as error values it can test against null
// and print with solana.error_string.
package ffi

import (
	"context"
	"crypto/sha256"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/bridge"
	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/svm"
)

// ErrNoHost is returned by calls that need the host chain when the call
// info carries no invoke context.
var ErrNoHost = errors.New("no host invoke context")

// CallInfo is what a host call sees of the running instruction.
type CallInfo struct {
	// Ix is the instruction being executed.
	Ix *bridge.Instruction

	// Ctx is the host invocation. It may be nil outside of a transaction,
	// in which case nothing is charged and cross-program calls fail.
	Ctx svm.InvokeContext

	// Program is the guest program id: the address of its bytecode
	// account. Seeds are hashed with it.
	Program types.Pubkey

	Log *zap.Logger
}

// ConsumeCU charges cost against the transaction budget.
func (ci *CallInfo) ConsumeCU(cost uint64) error {
	if ci.Ctx == nil || cost == 0 {
		return nil
	}
	return ci.Ctx.ConsumeCU(cost)
}

func (ci *CallInfo) log(msg string) {
	if ci.Ctx != nil {
		ci.Ctx.Log(msg)
	}
	if ci.Log != nil {
		ci.Log.Debug("guest log", zap.String("program", ci.Program.String()), zap.String("msg", msg))
	}
}

// loaderID is the program PDAs are derived against.
func (ci *CallInfo) loaderID() types.Pubkey {
	if ci.Ctx != nil {
		return ci.Ctx.ProgramID()
	}
	return types.LoaderProgramAddr
}

// account resolves argument i as one of the handler's accounts.
func (ci *CallInfo) account(args *engine.Args, i int) (*svm.AccountInfo, error) {
	idx, err := args.AccountIndex(i)
	if err != nil {
		return nil, err
	}
	return ci.Ix.Account(idx)
}

// invoke runs ix as a cross-program call signed by seeds. The guest's view
// of every balance is reloaded afterwards, so balances set but not yet
// committed are lost.
func (ci *CallInfo) invoke(ix *svm.Instruction, seeds []engine.Seed) error {
	if ci.Ctx == nil {
		return ErrNoHost
	}
	err := ci.Ctx.Invoke(ix, SignerSeeds(ci.Program, seeds))
	ci.Ix.RefreshLamports()
	return err
}

// SeedHash returns sha256(program || seed). Guest seeds always take this
// form before they reach address derivation.
func SeedHash(program types.Pubkey, seed []byte) []byte {
	h := sha256.New()
	h.Write(program[:])
	h.Write(seed)
	return h.Sum(nil)
}

// SignerSeeds expands guest seeds into the seed groups of the PDAs that
// sign a cross-program call.
func SignerSeeds(program types.Pubkey, seeds []engine.Seed) [][][]byte {
	if len(seeds) == 0 {
		return nil
	}
	out := make([][][]byte, len(seeds))
	for i, s := range seeds {
		out[i] = [][]byte{SeedHash(program, []byte(s.Seed)), {s.Bump}}
	}
	return out
}

// outcome hands err to the guest, unless it means the transaction cannot
// continue.
func outcome(err error) (any, error) {
	if err == nil {
		return nil, nil
	}
	if fatal(err) {
		return nil, err
	}
	return engine.Fail(err), nil
}

func fatal(err error) bool {
	return errors.Is(err, svm.ErrComputeExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Function implements a host call.
type Function func(ci *CallInfo, args *engine.Args) (any, error)

// HostFunction is a host call and its fixed compute cost.
type HostFunction struct {
	Function Function
	Cost     uint64
}

// ImportModule is a named group of host calls.
type ImportModule struct {
	Name          string
	HostFunctions map[string]HostFunction
}

// SetCost changes the cost of one call. It reports whether the call
// exists.
func (m *ImportModule) SetCost(functionName string, cost uint64) bool {
	hf, ok := m.HostFunctions[functionName]
	if ok {
		hf.Cost = cost
		m.HostFunctions[functionName] = hf
	}
	return ok
}

// Imports is the set of modules a program links against.
type Imports struct {
	Modules map[string]*ImportModule
}

func NewImports() *Imports {
	return &Imports{Modules: map[string]*ImportModule{}}
}

func (i *Imports) AddModule(mod *ImportModule) {
	i.Modules[mod.Name] = mod
}

func (i *Imports) SetCost(moduleName, functionName string, cost uint64) bool {
	if mod, ok := i.Modules[moduleName]; ok {
		return mod.SetCost(functionName, cost)
	}
	return false
}

// Clone returns a copy whose costs can be changed without touching i.
func (i *Imports) Clone() *Imports {
	out := &Imports{Modules: make(map[string]*ImportModule, len(i.Modules))}
	for name, mod := range i.Modules {
		out.Modules[name] = &ImportModule{Name: mod.Name, HostFunctions: maps.Clone(mod.HostFunctions)}
	}
	return out
}

// Names returns the module names, sorted.
func (i *Imports) Names() []string {
	names := make([]string, 0, len(i.Modules))
	for name := range i.Modules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Bind closes every call over ci for one engine instance.
func (i *Imports) Bind(ci *CallInfo) engine.Modules {
	out := make(engine.Modules, len(i.Modules))
	for name, mod := range i.Modules {
		funcs := make(map[string]engine.HostFunc, len(mod.HostFunctions))
		for fname, hf := range mod.HostFunctions {
			hf := hf
			funcs[fname] = func(args *engine.Args) (any, error) {
				if err := ci.ConsumeCU(hf.Cost); err != nil {
					return nil, err
				}
				return hf.Function(ci, args)
			}
		}
		out[name] = funcs
	}
	return out
}

// DefaultImports returns every module of the library.
func DefaultImports() *Imports {
	imports := NewImports()
	imports.AddModule(NewSolanaModule())
	imports.AddModule(NewTokenModule())
	imports.AddModule(NewMath2Module())
	imports.AddModule(NewFmt2Module())
	imports.AddModule(NewHashModule())
	return imports
}
