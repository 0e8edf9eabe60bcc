package accounts

import (
	"bytes"
	"testing"

	"github.com/fortiblox/golana/internal/types"
)

func TestAccountSerialization(t *testing.T) {
	account := &Account{
		Lamports:   1000000000,
		Data:       []byte("bytecode chunk"),
		Owner:      types.LoaderProgramAddr,
		Executable: false,
		RentEpoch:  100,
	}

	restored, err := DeserializeAccount(account.Serialize())
	if err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	if restored.Lamports != account.Lamports {
		t.Errorf("Lamports mismatch: got %d, want %d", restored.Lamports, account.Lamports)
	}
	if !bytes.Equal(restored.Data, account.Data) {
		t.Errorf("Data mismatch: got %v, want %v", restored.Data, account.Data)
	}
	if restored.Owner != account.Owner {
		t.Errorf("Owner mismatch: got %v, want %v", restored.Owner, account.Owner)
	}
	if restored.RentEpoch != account.RentEpoch {
		t.Errorf("RentEpoch mismatch: got %d, want %d", restored.RentEpoch, account.RentEpoch)
	}

	if _, err := DeserializeAccount(account.Serialize()[:40]); err != ErrInvalidData {
		t.Errorf("truncated account: got %v, want ErrInvalidData", err)
	}
}

func testDB(t *testing.T, db DB) {
	t.Helper()

	pubkey := types.PubkeyFromSeed([]byte("record"))
	account := &Account{
		Lamports: 500000000,
		Data:     []byte("account data"),
		Owner:    types.SystemProgramAddr,
	}

	if err := db.SetAccount(pubkey, account); err != nil {
		t.Fatalf("SetAccount failed: %v", err)
	}
	exists, err := db.HasAccount(pubkey)
	if err != nil {
		t.Fatalf("HasAccount failed: %v", err)
	}
	if !exists {
		t.Error("Account should exist")
	}

	retrieved, err := db.GetAccount(pubkey)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if retrieved.Lamports != account.Lamports || !bytes.Equal(retrieved.Data, account.Data) {
		t.Errorf("Retrieved account mismatch: %+v", retrieved)
	}

	other := types.PubkeyFromSeed([]byte("other"))
	err = db.WriteAccounts([]*AccountEntry{
		{Pubkey: pubkey, Account: &Account{}},
		{Pubkey: other, Account: &Account{Lamports: 7}},
	})
	if err != nil {
		t.Fatalf("WriteAccounts failed: %v", err)
	}
	if _, err := db.GetAccount(pubkey); err != ErrAccountNotFound {
		t.Errorf("zeroed account: got %v, want ErrAccountNotFound", err)
	}
	count, err := db.AccountsCount()
	if err != nil {
		t.Fatalf("AccountsCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("AccountsCount: got %d, want 1", count)
	}

	if err := db.SetSlot(100); err != nil {
		t.Fatalf("SetSlot failed: %v", err)
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if db.GetSlot() != 100 {
		t.Errorf("GetSlot: got %d, want 100", db.GetSlot())
	}
}

func TestMemoryDB(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB(t *testing.T) {
	cfg := DefaultBadgerDBConfig("")
	cfg.InMemory = true
	cfg.SyncWrites = false
	db, err := NewBadgerDB(cfg)
	if err != nil {
		t.Fatalf("NewBadgerDB failed: %v", err)
	}
	defer db.Close()
	testDB(t, db)

	var seen int
	err = db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("IterateAccounts failed: %v", err)
	}
	if seen != 1 {
		t.Errorf("IterateAccounts: saw %d accounts, want 1", seen)
	}
}

func TestBadgerDBReopen(t *testing.T) {
	dir := t.TempDir()
	pubkey := types.PubkeyFromSeed([]byte("persisted"))

	db, err := NewBadgerDB(DefaultBadgerDBConfig(dir))
	if err != nil {
		t.Fatalf("NewBadgerDB failed: %v", err)
	}
	if err := db.SetAccount(pubkey, &Account{Lamports: 42}); err != nil {
		t.Fatalf("SetAccount failed: %v", err)
	}
	db.SetSlot(9)
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err = NewBadgerDB(DefaultBadgerDBConfig(dir))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	if db.GetSlot() != 9 {
		t.Errorf("slot after reopen: got %d, want 9", db.GetSlot())
	}
	acc, err := db.GetAccount(pubkey)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if acc.Lamports != 42 {
		t.Errorf("lamports after reopen: got %d, want 42", acc.Lamports)
	}
}

func TestAccountHash(t *testing.T) {
	pubkey := types.TokenProgramAddr
	account := &Account{
		Lamports: 1000000000,
		Data:     []byte("test"),
		Owner:    types.SystemProgramAddr,
	}

	hash1 := ComputeAccountHash(pubkey, account)
	if hash1 != ComputeAccountHash(pubkey, account) {
		t.Error("Same account should produce same hash")
	}

	account.Lamports = 2000000000
	if hash1 == ComputeAccountHash(pubkey, account) {
		t.Error("Different account should produce different hash")
	}

	if !ComputeAccountHash(pubkey, &Account{}).IsZero() {
		t.Error("Zero account should hash to zero")
	}
}

func TestMerkleRoot(t *testing.T) {
	if !ComputeMerkleRoot(nil).IsZero() {
		t.Error("Empty merkle root should be zero")
	}

	h1 := types.ComputeHash([]byte("test1"))
	h2 := types.ComputeHash([]byte("test2"))
	h3 := types.ComputeHash([]byte("test3"))
	if ComputeMerkleRoot([]types.Hash{h1}).IsZero() {
		t.Error("Single element merkle root should not be zero")
	}
	if ComputeMerkleRoot([]types.Hash{h1, h2, h3}) == ComputeMerkleRoot([]types.Hash{h3, h2, h1}) {
		t.Error("Different order should produce different merkle root")
	}
}

func TestDeltaHashOrderIndependent(t *testing.T) {
	a := &AccountEntry{Pubkey: types.PubkeyFromSeed([]byte("a")), Account: &Account{Lamports: 1}}
	b := &AccountEntry{Pubkey: types.PubkeyFromSeed([]byte("b")), Account: &Account{Lamports: 2}}

	if ComputeDeltaHash([]*AccountEntry{a, b}) != ComputeDeltaHash([]*AccountEntry{b, a}) {
		t.Error("delta hash should not depend on entry order")
	}
}

func TestAccountClone(t *testing.T) {
	original := &Account{
		Lamports:   1000,
		Data:       []byte("original"),
		Owner:      types.SystemProgramAddr,
		Executable: true,
		RentEpoch:  5,
	}

	cloned := original.Clone()
	if cloned.Lamports != original.Lamports {
		t.Error("Clone lamports mismatch")
	}
	original.Data[0] = 'X'
	if cloned.Data[0] == 'X' {
		t.Error("Clone data should be independent")
	}

	var nilAccount *Account
	if nilAccount.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
