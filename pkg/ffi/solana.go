package ffi

import (
	"fmt"

	"github.com/fortiblox/golana/pkg/bridge"
	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
)

const (
	commitCost = svm.CUSyscallBase
	getterCost = svm.CUSyscallBase
)

// NewSolanaModule returns the core host calls: instruction access, commits,
// account getters, PDA derivation and account creation.
func NewSolanaModule() *ImportModule {
	return &ImportModule{
		Name: "solana",
		HostFunctions: map[string]HostFunction{
			"get_ix":                   {Cost: getterCost, Function: getIx},
			"get_id":                   {Cost: getterCost, Function: getID},
			"commit_lamports":          {Cost: commitCost, Function: commit((*bridge.Instruction).CommitLamports)},
			"commit_data":              {Cost: commitCost, Function: commit((*bridge.Instruction).CommitData)},
			"commit_lamports_and_data": {Cost: commitCost, Function: commit((*bridge.Instruction).CommitLamportsAndData)},
			"commit_everything":        {Cost: commitCost, Function: commitEverything},
			"error_string":             {Cost: getterCost, Function: errorString},
			"log_compute_unit":         {Cost: svm.CULogBase, Function: logComputeUnit},
			"log":                      {Cost: svm.CULogBase, Function: logMessage},
			"find_program_address":     {Cost: svm.CUFindProgramAddress, Function: findProgramAddress},
			"create_account":           {Cost: svm.CUSyscallBase, Function: createAccount},
			"account_key":              {Cost: getterCost, Function: accountKey},
			"account_lamports":         {Cost: getterCost, Function: accountLamports},
			"account_owner":            {Cost: getterCost, Function: accountOwner},
			"account_executable":       {Cost: getterCost, Function: accountExecutable},
			"account_rent_epoch":       {Cost: getterCost, Function: accountRentEpoch},
			"set_lamports":             {Cost: getterCost, Function: setLamports},
			"account_data":             {Cost: commitCost, Function: accountData},
			"save_data":                {Cost: commitCost, Function: saveData},
		},
	}
}

func getIx(ci *CallInfo, _ *engine.Args) (any, error) {
	if obj := ci.Ix.Bound(); obj != nil {
		return obj, nil
	}
	return nil, nil
}

func getID(ci *CallInfo, _ *engine.Args) (any, error) {
	return ci.Program, nil
}

// commit adapts a per-account commit. A failed commit ends the guest.
func commit(fn func(*bridge.Instruction, int) error) Function {
	return func(ci *CallInfo, args *engine.Args) (any, error) {
		i, err := args.AccountIndex(0)
		if err != nil {
			return nil, err
		}
		return nil, fn(ci.Ix, i)
	}
}

func commitEverything(ci *CallInfo, _ *engine.Args) (any, error) {
	return nil, ci.Ix.CommitEverything()
}

func errorString(_ *CallInfo, args *engine.Args) (any, error) {
	e, err := args.Error(0)
	if err != nil || e == nil {
		return "", err
	}
	return e.Error(), nil
}

func logComputeUnit(ci *CallInfo, _ *engine.Args) (any, error) {
	var remaining uint64
	if ci.Ctx != nil {
		remaining = ci.Ctx.RemainingCU()
	}
	ci.log(fmt.Sprintf("Program consumption: %d units remaining", remaining))
	return nil, nil
}

func logMessage(ci *CallInfo, args *engine.Args) (any, error) {
	ci.log(args.Display(0))
	return nil, nil
}

// findProgramAddress derives the PDA of a seed under a guest program. The
// returned pair is [address, bump].
func findProgramAddress(ci *CallInfo, args *engine.Args) (any, error) {
	seed, err := args.Bytes(0)
	if err != nil {
		return nil, err
	}
	program, err := args.Pubkey(1)
	if err != nil {
		return nil, err
	}
	pda, bump, err := svm.FindProgramAddress([][]byte{SeedHash(program, seed)}, ci.loaderID())
	if err != nil {
		return nil, err
	}
	return []any{pda, bump}, nil
}

// createAccount creates account to, funded by from, through the system
// program: create_account(from, to, owner, lamports, space, seeds).
func createAccount(ci *CallInfo, args *engine.Args) (any, error) {
	from, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	to, err := ci.account(args, 1)
	if err != nil {
		return nil, err
	}
	owner, err := args.Pubkey(2)
	if err != nil {
		return nil, err
	}
	lamports, err := args.Uint64(3)
	if err != nil {
		return nil, err
	}
	space, err := args.Uint64(4)
	if err != nil {
		return nil, err
	}
	seeds, err := args.Seeds(5)
	if err != nil {
		return nil, err
	}
	return outcome(ci.invoke(system.CreateAccount(from.Key, to.Key, lamports, space, owner), seeds))
}

func accountKey(ci *CallInfo, args *engine.Args) (any, error) {
	acc, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	return acc.Key, nil
}

func accountLamports(ci *CallInfo, args *engine.Args) (any, error) {
	i, err := args.AccountIndex(0)
	if err != nil {
		return nil, err
	}
	return ci.Ix.Lamports(i)
}

func accountOwner(ci *CallInfo, args *engine.Args) (any, error) {
	acc, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	return acc.Owner, nil
}

func accountExecutable(ci *CallInfo, args *engine.Args) (any, error) {
	acc, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	return acc.Executable, nil
}

func accountRentEpoch(ci *CallInfo, args *engine.Args) (any, error) {
	acc, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	return acc.RentEpoch, nil
}

// setLamports changes the guest's view of a balance. It reaches the account
// on the next lamport commit.
func setLamports(ci *CallInfo, args *engine.Args) (any, error) {
	i, err := args.AccountIndex(0)
	if err != nil {
		return nil, err
	}
	lamports, err := args.Uint64(1)
	if err != nil {
		return nil, err
	}
	return nil, ci.Ix.SetLamports(i, lamports)
}

// accountData decodes an account's current data as its declared type,
// independent of the handler's data field.
func accountData(ci *CallInfo, args *engine.Args) (any, error) {
	i, err := args.AccountIndex(0)
	if err != nil {
		return nil, err
	}
	return ci.Ix.LoadData(i)
}

// saveData encodes a value of an account's declared type into its data.
func saveData(ci *CallInfo, args *engine.Args) (any, error) {
	i, err := args.AccountIndex(0)
	if err != nil {
		return nil, err
	}
	m, ok := ci.Ix.SlotType(i)
	if !ok {
		return nil, fmt.Errorf("%w: account %d", bridge.ErrNoDataSlot, i)
	}
	v, err := args.Typed(1, m)
	if err != nil {
		return nil, err
	}
	return nil, ci.Ix.SaveData(i, v)
}
