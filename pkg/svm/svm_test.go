package svm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/accounts"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
)

var testProgramID = types.PubkeyFromSeed([]byte("test-program"))

func newRuntime(t *testing.T) (*svm.Runtime, *accounts.MemoryDB) {
	t.Helper()
	db := accounts.NewMemoryDB()
	rt := svm.NewRuntime(db, svm.DefaultConfig())
	rt.Register(system.ProgramID, system.NewProcessor())
	return rt, db
}

func TestTransferCommits(t *testing.T) {
	rt, db := newRuntime(t)
	alice := types.PubkeyFromSeed([]byte("alice"))
	bob := types.PubkeyFromSeed([]byte("bob"))
	if err := rt.Airdrop(alice, 1_000_000); err != nil {
		t.Fatalf("Airdrop failed: %v", err)
	}

	result, err := rt.Process(context.Background(), &svm.Transaction{
		Instructions: []*svm.Instruction{system.Transfer(alice, bob, 400_000)},
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if !result.Success || result.Slot != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.DeltaHash.IsZero() {
		t.Error("delta hash should be set")
	}
	if len(result.ModifiedAccounts) != 2 {
		t.Errorf("modified accounts: got %d, want 2", len(result.ModifiedAccounts))
	}

	acc, err := db.GetAccount(bob)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Lamports != 400_000 {
		t.Errorf("bob lamports: got %d, want 400000", acc.Lamports)
	}
}

func TestFailedTransactionWritesNothing(t *testing.T) {
	rt, db := newRuntime(t)
	alice := types.PubkeyFromSeed([]byte("alice"))
	bob := types.PubkeyFromSeed([]byte("bob"))
	rt.Airdrop(alice, 1_000)

	_, err := rt.Process(context.Background(), &svm.Transaction{
		Instructions: []*svm.Instruction{
			system.Transfer(alice, bob, 500),
			system.Transfer(alice, bob, 5_000),
		},
	})
	if !errors.Is(err, system.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	acc, _ := db.GetAccount(alice)
	if acc.Lamports != 1_000 {
		t.Errorf("alice lamports: got %d, want 1000", acc.Lamports)
	}
	if ok, _ := db.HasAccount(bob); ok {
		t.Error("bob should not exist")
	}
	if db.GetSlot() != 0 {
		t.Errorf("slot advanced on failure: %d", db.GetSlot())
	}
}

func TestReadonlyModificationRejected(t *testing.T) {
	rt, _ := newRuntime(t)
	target := types.PubkeyFromSeed([]byte("target"))
	rt.Register(testProgramID, svm.ProgramFunc(func(ctx svm.InvokeContext, data []byte) error {
		acc, err := ctx.GetAccount(0)
		if err != nil {
			return err
		}
		acc.Data = []byte{1}
		return nil
	}))

	_, err := rt.Process(context.Background(), &svm.Transaction{
		Instructions: []*svm.Instruction{{
			ProgramID: testProgramID,
			Accounts:  []svm.AccountMeta{{Pubkey: target}},
		}},
	})
	if !errors.Is(err, svm.ErrReadonlyModified) {
		t.Fatalf("expected ErrReadonlyModified, got %v", err)
	}
}

func TestExternalDataModificationRejected(t *testing.T) {
	rt, _ := newRuntime(t)
	target := types.PubkeyFromSeed([]byte("target"))
	rt.Register(testProgramID, svm.ProgramFunc(func(ctx svm.InvokeContext, data []byte) error {
		acc, _ := ctx.GetAccount(0)
		acc.Data = []byte{1}
		return nil
	}))

	_, err := rt.Process(context.Background(), &svm.Transaction{
		Instructions: []*svm.Instruction{{
			ProgramID: testProgramID,
			Accounts:  []svm.AccountMeta{{Pubkey: target, IsWritable: true}},
		}},
	})
	if !errors.Is(err, svm.ErrExternalDataModified) {
		t.Fatalf("expected ErrExternalDataModified, got %v", err)
	}
}

func TestCPIWithPDASigner(t *testing.T) {
	rt, db := newRuntime(t)
	payer := types.PubkeyFromSeed([]byte("payer"))
	rt.Airdrop(payer, 10_000_000)

	seeds := [][]byte{[]byte("vault")}
	vault, bump, err := svm.FindProgramAddress(seeds, testProgramID)
	if err != nil {
		t.Fatalf("FindProgramAddress failed: %v", err)
	}
	space := uint64(16)

	rt.Register(testProgramID, svm.ProgramFunc(func(ctx svm.InvokeContext, data []byte) error {
		ix := system.CreateAccount(payer, vault, ctx.GetRentMinimum(space), space, testProgramID)
		signer := [][][]byte{{seeds[0], {bump}}}
		if err := ctx.Invoke(ix, signer); err != nil {
			return err
		}
		acc, _ := ctx.GetAccount(1)
		acc.Data[0] = 7
		return nil
	}))

	_, err = rt.Process(context.Background(), &svm.Transaction{
		Instructions: []*svm.Instruction{{
			ProgramID: testProgramID,
			Accounts: []svm.AccountMeta{
				{Pubkey: payer, IsSigner: true, IsWritable: true},
				{Pubkey: vault, IsWritable: true},
				{Pubkey: system.ProgramID},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	acc, err := db.GetAccount(vault)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Owner != testProgramID || len(acc.Data) != 16 || acc.Data[0] != 7 {
		t.Errorf("unexpected vault state: %+v", acc)
	}
}

func TestCPISignerEscalation(t *testing.T) {
	rt, _ := newRuntime(t)
	payer := types.PubkeyFromSeed([]byte("payer"))
	victim := types.PubkeyFromSeed([]byte("victim"))
	rt.Airdrop(payer, 10_000_000)
	rt.Airdrop(victim, 10_000_000)

	rt.Register(testProgramID, svm.ProgramFunc(func(ctx svm.InvokeContext, data []byte) error {
		return ctx.Invoke(system.Transfer(victim, payer, 1), nil)
	}))

	_, err := rt.Process(context.Background(), &svm.Transaction{
		Instructions: []*svm.Instruction{{
			ProgramID: testProgramID,
			Accounts: []svm.AccountMeta{
				{Pubkey: payer, IsSigner: true, IsWritable: true},
				{Pubkey: victim, IsWritable: true},
			},
		}},
	})
	if !errors.Is(err, svm.ErrCPIPrivilegeEscalation) {
		t.Fatalf("expected ErrCPIPrivilegeEscalation, got %v", err)
	}
}

func TestComputeBudgetExhausted(t *testing.T) {
	rt, _ := newRuntime(t)
	rt.Register(testProgramID, svm.ProgramFunc(func(ctx svm.InvokeContext, data []byte) error {
		return ctx.ConsumeCU(1_000)
	}))

	result, err := rt.Process(context.Background(), &svm.Transaction{
		Instructions:     []*svm.Instruction{{ProgramID: testProgramID}},
		ComputeUnitLimit: 500,
	})
	if !errors.Is(err, svm.ErrComputeExceeded) {
		t.Fatalf("expected ErrComputeExceeded, got %v", err)
	}
	if result.ComputeUnitsConsumed != 500 {
		t.Errorf("consumed: got %d, want 500", result.ComputeUnitsConsumed)
	}
}

func TestProgramAddressOffCurve(t *testing.T) {
	addr, bump, err := svm.FindProgramAddress([][]byte{[]byte("seed")}, testProgramID)
	if err != nil {
		t.Fatalf("FindProgramAddress failed: %v", err)
	}
	again, err := svm.CreateProgramAddress([][]byte{[]byte("seed"), {bump}}, testProgramID)
	if err != nil {
		t.Fatalf("CreateProgramAddress failed: %v", err)
	}
	if addr != again {
		t.Errorf("address mismatch: %s != %s", addr, again)
	}

	long := make([]byte, svm.MaxSeedLen+1)
	if _, err := svm.CreateProgramAddress([][]byte{long}, testProgramID); !errors.Is(err, svm.ErrMaxSeedLengthExceeded) {
		t.Errorf("expected ErrMaxSeedLengthExceeded, got %v", err)
	}
}

func TestRentMinimum(t *testing.T) {
	if got := svm.MinimumBalance(0); got != 890_880 {
		t.Errorf("MinimumBalance(0): got %d, want 890880", got)
	}
	if got := svm.MinimumBalance(165); got != 2_039_280 {
		t.Errorf("MinimumBalance(165): got %d, want 2039280", got)
	}
}
