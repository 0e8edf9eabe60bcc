package ffi

import (
	"fmt"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/errcode"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/associated"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
	"github.com/fortiblox/golana/pkg/svm/programs/token"
)

const tokenCost = svm.CUSyscallBase

// NewTokenModule returns host calls over the token and associated token
// programs. Every call that reaches a program returns an error value, null
// on success.
func NewTokenModule() *ImportModule {
	return &ImportModule{
		Name: "token",
		HostFunctions: map[string]HostFunction{
			"unpack_mint":               {Cost: tokenCost, Function: unpackMint},
			"unpack_account":            {Cost: tokenCost, Function: unpackAccount},
			"init_account":              {Cost: tokenCost, Function: initAccount},
			"create_and_init_account":   {Cost: tokenCost, Function: createAndInitAccount},
			"close_account":             {Cost: tokenCost, Function: closeAccount},
			"set_authority":             {Cost: tokenCost, Function: setAuthority},
			"transfer":                  {Cost: tokenCost, Function: amountCall(token.Transfer)},
			"mint_to":                   {Cost: tokenCost, Function: amountCall(token.MintTo)},
			"burn":                      {Cost: tokenCost, Function: amountCall(token.Burn)},
			"create_associated_account": {Cost: tokenCost, Function: createAssociatedAccount},
		},
	}
}

// unpackMint returns [mint, err] for a mint account.
func unpackMint(ci *CallInfo, args *engine.Args) (any, error) {
	acc, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	m, err := token.UnpackMint(acc.Data)
	if err != nil {
		return []any{nil, engine.Fail(err)}, nil
	}
	return []any{map[string]any{
		"MintAuthority":   m.MintAuthority,
		"Supply":          m.Supply,
		"Decimals":        m.Decimals,
		"IsInitialized":   m.IsInitialized,
		"FreezeAuthority": m.FreezeAuthority,
	}, nil}, nil
}

// unpackAccount returns [account, err] for a token account.
func unpackAccount(ci *CallInfo, args *engine.Args) (any, error) {
	acc, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	a, err := token.UnpackAccount(acc.Data)
	if err != nil {
		return []any{nil, engine.Fail(err)}, nil
	}
	var reserve uint64
	if a.IsNative != nil {
		reserve = *a.IsNative
	}
	return []any{map[string]any{
		"Mint":            a.Mint,
		"Owner":           a.Owner,
		"Amount":          a.Amount,
		"Delegate":        a.Delegate,
		"State":           uint8(a.State),
		"IsNative":        a.IsNative != nil,
		"NativeReserve":   reserve,
		"DelegatedAmount": a.DelegatedAmount,
		"CloseAuthority":  a.CloseAuthority,
	}, nil}, nil
}

// initAccount initializes an allocated token account:
// init_account(account, mint, wallet, seeds).
func initAccount(ci *CallInfo, args *engine.Args) (any, error) {
	acc, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	mint, err := ci.account(args, 1)
	if err != nil {
		return nil, err
	}
	wallet, err := args.Pubkey(2)
	if err != nil {
		return nil, err
	}
	seeds, err := args.Seeds(3)
	if err != nil {
		return nil, err
	}
	return outcome(ci.invoke(token.InitializeAccount3(acc.Key, mint.Key, wallet), seeds))
}

// createAndInitAccount allocates a rent-exempt token account and
// initializes it for wallet:
// create_and_init_account(from, to, mint, wallet, seeds).
func createAndInitAccount(ci *CallInfo, args *engine.Args) (any, error) {
	from, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	to, err := ci.account(args, 1)
	if err != nil {
		return nil, err
	}
	mint, err := ci.account(args, 2)
	if err != nil {
		return nil, err
	}
	wallet, err := args.Pubkey(3)
	if err != nil {
		return nil, err
	}
	seeds, err := args.Seeds(4)
	if err != nil {
		return nil, err
	}

	space := uint64(token.AccountLen)
	lamports := svm.MinimumBalance(space)
	if ci.Ctx != nil {
		lamports = ci.Ctx.GetRentMinimum(space)
	}
	create := system.CreateAccount(from.Key, to.Key, lamports, space, token.ProgramID)
	if err := ci.invoke(create, seeds); err != nil {
		return outcome(fmt.Errorf("create token account: %w", err))
	}
	return outcome(ci.invoke(token.InitializeAccount3(to.Key, mint.Key, wallet), seeds))
}

// closeAccount closes a token account into dest:
// close_account(account, dest, auth, seeds).
func closeAccount(ci *CallInfo, args *engine.Args) (any, error) {
	acc, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	dest, err := ci.account(args, 1)
	if err != nil {
		return nil, err
	}
	auth, err := ci.account(args, 2)
	if err != nil {
		return nil, err
	}
	seeds, err := args.Seeds(3)
	if err != nil {
		return nil, err
	}
	return outcome(ci.invoke(token.CloseAccount(acc.Key, dest.Key, auth.Key), seeds))
}

// setAuthority replaces one authority of a mint or token account:
// set_authority(target, current, new, auth_type, seeds). A null new
// authority removes it.
func setAuthority(ci *CallInfo, args *engine.Args) (any, error) {
	target, err := ci.account(args, 0)
	if err != nil {
		return nil, err
	}
	current, err := ci.account(args, 1)
	if err != nil {
		return nil, err
	}
	newAuth, err := args.OptionalPubkey(2)
	if err != nil {
		return nil, err
	}
	authType, err := args.Uint8(3)
	if err != nil {
		return nil, err
	}
	seeds, err := args.Seeds(4)
	if err != nil {
		return nil, err
	}
	if authType > uint8(token.AuthorityCloseAccount) {
		return outcome(fmt.Errorf("%w: %d", errcode.BadAuthorityType, authType))
	}
	ix := token.SetAuthority(target.Key, newAuth, token.AuthorityType(authType), current.Key)
	return outcome(ci.invoke(ix, seeds))
}

// amountCall adapts the three-account amount instructions:
// transfer(from, to, auth, amount, seeds), mint_to(mint, dest, auth, amount,
// seeds) and burn(account, mint, auth, amount, seeds).
func amountCall(build func(a, b, auth types.Pubkey, amount uint64) *svm.Instruction) Function {
	return func(ci *CallInfo, args *engine.Args) (any, error) {
		a, err := ci.account(args, 0)
		if err != nil {
			return nil, err
		}
		b, err := ci.account(args, 1)
		if err != nil {
			return nil, err
		}
		auth, err := ci.account(args, 2)
		if err != nil {
			return nil, err
		}
		amount, err := args.Uint64(3)
		if err != nil {
			return nil, err
		}
		seeds, err := args.Seeds(4)
		if err != nil {
			return nil, err
		}
		return outcome(ci.invoke(build(a.Key, b.Key, auth.Key, amount), seeds))
	}
}

// createAssociatedAccount creates wallet's associated token account for
// mint: create_associated_account(payer, dest, wallet, mint, sys, tp,
// idempotent, seeds). The system and token program accounts must be among
// the handler's accounts.
func createAssociatedAccount(ci *CallInfo, args *engine.Args) (any, error) {
	var accs [6]*svm.AccountInfo
	for i := range accs {
		acc, err := ci.account(args, i)
		if err != nil {
			return nil, err
		}
		accs[i] = acc
	}
	idempotent, err := args.Bool(6)
	if err != nil {
		return nil, err
	}
	seeds, err := args.Seeds(7)
	if err != nil {
		return nil, err
	}
	payer, wallet, mint := accs[0], accs[2], accs[3]
	ix, err := associated.Create(payer.Key, wallet.Key, mint.Key, idempotent)
	if err != nil {
		return outcome(err)
	}
	return outcome(ci.invoke(ix, seeds))
}
