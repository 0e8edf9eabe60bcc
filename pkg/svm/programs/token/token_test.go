package token_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/accounts"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
	"github.com/fortiblox/golana/pkg/svm/programs/token"
)

type fixture struct {
	rt        *svm.Runtime
	db        *accounts.MemoryDB
	payer     types.Pubkey
	authority types.Pubkey
	mint      types.Pubkey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := accounts.NewMemoryDB()
	rt := svm.NewRuntime(db, svm.DefaultConfig())
	rt.Register(system.ProgramID, system.NewProcessor())
	rt.Register(token.ProgramID, token.NewProcessor())

	f := &fixture{
		rt:        rt,
		db:        db,
		payer:     types.PubkeyFromSeed([]byte("payer")),
		authority: types.PubkeyFromSeed([]byte("mint-authority")),
		mint:      types.PubkeyFromSeed([]byte("mint")),
	}
	if err := rt.Airdrop(f.payer, 10_000_000_000); err != nil {
		t.Fatalf("Airdrop failed: %v", err)
	}
	f.process(t,
		system.CreateAccount(f.payer, f.mint, svm.MinimumBalance(token.MintLen), token.MintLen, token.ProgramID),
		token.InitializeMint2(f.mint, 6, f.authority, nil),
	)
	return f
}

func (f *fixture) process(t *testing.T, ixs ...*svm.Instruction) {
	t.Helper()
	if _, err := f.tryProcess(ixs...); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
}

func (f *fixture) tryProcess(ixs ...*svm.Instruction) (*svm.ExecutionResult, error) {
	return f.rt.Process(context.Background(), &svm.Transaction{Instructions: ixs})
}

func (f *fixture) newTokenAccount(t *testing.T, seed string, owner types.Pubkey) types.Pubkey {
	t.Helper()
	key := types.PubkeyFromSeed([]byte(seed))
	f.process(t,
		system.CreateAccount(f.payer, key, svm.MinimumBalance(token.AccountLen), token.AccountLen, token.ProgramID),
		token.InitializeAccount3(key, f.mint, owner),
	)
	return key
}

func (f *fixture) tokenAccount(t *testing.T, key types.Pubkey) *token.Account {
	t.Helper()
	acc, err := f.db.GetAccount(key)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	state, err := token.UnpackAccount(acc.Data)
	if err != nil {
		t.Fatalf("UnpackAccount failed: %v", err)
	}
	return state
}

func (f *fixture) supply(t *testing.T) uint64 {
	t.Helper()
	acc, err := f.db.GetAccount(f.mint)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	m, err := token.UnpackMint(acc.Data)
	if err != nil {
		t.Fatalf("UnpackMint failed: %v", err)
	}
	return m.Supply
}

func TestInitializeMint(t *testing.T) {
	f := newFixture(t)
	acc, err := f.db.GetAccount(f.mint)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Owner != token.ProgramID {
		t.Errorf("mint owner: got %s", acc.Owner)
	}
	m, err := token.UnpackMint(acc.Data)
	if err != nil {
		t.Fatalf("UnpackMint failed: %v", err)
	}
	if m.Decimals != 6 || m.MintAuthority == nil || *m.MintAuthority != f.authority {
		t.Errorf("unexpected mint: %+v", m)
	}
	if m.FreezeAuthority != nil {
		t.Error("freeze authority should be unset")
	}

	_, err = f.tryProcess(token.InitializeMint2(f.mint, 9, f.authority, nil))
	if !errors.Is(err, token.ErrAlreadyInUse) {
		t.Errorf("expected ErrAlreadyInUse, got %v", err)
	}
}

func TestMintTransferBurn(t *testing.T) {
	f := newFixture(t)
	alice := types.PubkeyFromSeed([]byte("alice"))
	bob := types.PubkeyFromSeed([]byte("bob"))
	aliceTokens := f.newTokenAccount(t, "alice-tokens", alice)
	bobTokens := f.newTokenAccount(t, "bob-tokens", bob)

	f.process(t, token.MintTo(f.mint, aliceTokens, f.authority, 1_000))
	f.process(t, token.Transfer(aliceTokens, bobTokens, alice, 400))

	if got := f.tokenAccount(t, aliceTokens).Amount; got != 600 {
		t.Errorf("alice amount: got %d, want 600", got)
	}
	if got := f.tokenAccount(t, bobTokens).Amount; got != 400 {
		t.Errorf("bob amount: got %d, want 400", got)
	}

	f.process(t, token.Burn(bobTokens, f.mint, bob, 150))
	if got := f.supply(t); got != 850 {
		t.Errorf("supply: got %d, want 850", got)
	}
}

func TestTransferRequiresOwner(t *testing.T) {
	f := newFixture(t)
	alice := types.PubkeyFromSeed([]byte("alice"))
	mallory := types.PubkeyFromSeed([]byte("mallory"))
	aliceTokens := f.newTokenAccount(t, "alice-tokens", alice)
	malloryTokens := f.newTokenAccount(t, "mallory-tokens", mallory)
	f.process(t, token.MintTo(f.mint, aliceTokens, f.authority, 10))

	_, err := f.tryProcess(token.Transfer(aliceTokens, malloryTokens, mallory, 10))
	if !errors.Is(err, token.ErrOwnerMismatch) {
		t.Fatalf("expected ErrOwnerMismatch, got %v", err)
	}
	_, err = f.tryProcess(token.Transfer(aliceTokens, malloryTokens, alice, 11))
	if !errors.Is(err, token.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.tokenAccount(t, aliceTokens).Amount; got != 10 {
		t.Errorf("alice amount: got %d, want 10", got)
	}
}

func TestMintToWrongAuthority(t *testing.T) {
	f := newFixture(t)
	alice := types.PubkeyFromSeed([]byte("alice"))
	aliceTokens := f.newTokenAccount(t, "alice-tokens", alice)

	_, err := f.tryProcess(token.MintTo(f.mint, aliceTokens, alice, 5))
	if !errors.Is(err, token.ErrOwnerMismatch) {
		t.Fatalf("expected ErrOwnerMismatch, got %v", err)
	}

	f.process(t, token.SetAuthority(f.mint, nil, token.AuthorityMintTokens, f.authority))
	_, err = f.tryProcess(token.MintTo(f.mint, aliceTokens, f.authority, 5))
	if !errors.Is(err, token.ErrFixedSupply) {
		t.Fatalf("expected ErrFixedSupply, got %v", err)
	}
}

func TestCloseAccount(t *testing.T) {
	f := newFixture(t)
	alice := types.PubkeyFromSeed([]byte("alice"))
	aliceTokens := f.newTokenAccount(t, "alice-tokens", alice)
	f.process(t, token.MintTo(f.mint, aliceTokens, f.authority, 1))

	_, err := f.tryProcess(token.CloseAccount(aliceTokens, alice, alice))
	if !errors.Is(err, token.ErrNonNativeHasBalance) {
		t.Fatalf("expected ErrNonNativeHasBalance, got %v", err)
	}

	f.process(t, token.Burn(aliceTokens, f.mint, alice, 1))
	f.process(t, token.CloseAccount(aliceTokens, alice, alice))

	if ok, _ := f.db.HasAccount(aliceTokens); ok {
		t.Error("closed account should be removed")
	}
	acc, err := f.db.GetAccount(alice)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Lamports != svm.MinimumBalance(token.AccountLen) {
		t.Errorf("alice lamports: got %d, want %d", acc.Lamports, svm.MinimumBalance(token.AccountLen))
	}
}

func TestStatePackLayout(t *testing.T) {
	owner := types.PubkeyFromSeed([]byte("owner"))
	native := uint64(2_039_280)
	in := &token.Account{
		Owner:    owner,
		Amount:   42,
		State:    token.AccountInitialized,
		IsNative: &native,
	}
	buf := make([]byte, token.AccountLen)
	if err := in.Pack(buf); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if buf[108] != byte(token.AccountInitialized) {
		t.Errorf("state byte: got %d", buf[108])
	}
	out, err := token.UnpackAccount(buf)
	if err != nil {
		t.Fatalf("UnpackAccount failed: %v", err)
	}
	if out.IsNative == nil || *out.IsNative != native || out.Owner != owner {
		t.Errorf("unexpected account: %+v", out)
	}

	if _, err := token.UnpackAccount(make([]byte, token.AccountLen)); !errors.Is(err, token.ErrUninitializedState) {
		t.Errorf("expected ErrUninitializedState, got %v", err)
	}
	if _, err := token.UnpackMint(make([]byte, 10)); !errors.Is(err, token.ErrInvalidAccountData) {
		t.Errorf("expected ErrInvalidAccountData, got %v", err)
	}
}
