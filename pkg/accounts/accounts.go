// Package accounts implements the account store backing the host runtime.
//
// The store keeps only current state: one record per address holding the
// balance, data, owner and flags. Two implementations are provided, an
// in-memory map for tests and a BadgerDB-backed store for the local ledger.
package accounts

import (
	"encoding/binary"
	"errors"

	"github.com/fortiblox/golana/internal/types"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrInvalidData is returned when account data is malformed.
	ErrInvalidData = errors.New("invalid account data")
)

// MaxAccountDataSize is the largest data region an account may hold.
const MaxAccountDataSize = 10 * 1024 * 1024

// Account represents a single account in the state.
type Account struct {
	// Lamports is the account balance in lamports.
	Lamports uint64

	// Data is the account data. Only the owner program may modify it.
	Data []byte

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Executable indicates if this is a program account.
	Executable bool

	// RentEpoch is the epoch at which rent was last collected.
	RentEpoch uint64
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	dataCopy := make([]byte, len(a.Data))
	copy(dataCopy, a.Data)
	return &Account{
		Lamports:   a.Lamports,
		Data:       dataCopy,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

// IsZero returns true if the account has no lamports and no data.
// Zero accounts are deleted from storage.
func (a *Account) IsZero() bool {
	return a.Lamports == 0 && len(a.Data) == 0
}

// Size returns the total serialized size of the account.
func (a *Account) Size() int {
	// 8 (lamports) + 8 (data_len) + data + 32 (owner) + 1 (executable) + 8 (rent_epoch)
	return 8 + 8 + len(a.Data) + 32 + 1 + 8
}

// Serialize encodes the account to bytes for storage.
// Format: lamports (8) + data_len (8) + data + owner (32) + executable (1) + rent_epoch (8)
func (a *Account) Serialize() []byte {
	buf := make([]byte, a.Size())
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], a.Lamports)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(a.Data)))
	offset += 8

	copy(buf[offset:], a.Data)
	offset += len(a.Data)

	copy(buf[offset:], a.Owner[:])
	offset += 32

	if a.Executable {
		buf[offset] = 1
	}
	offset++

	binary.LittleEndian.PutUint64(buf[offset:], a.RentEpoch)
	return buf
}

// DeserializeAccount decodes an account from bytes.
func DeserializeAccount(data []byte) (*Account, error) {
	if len(data) < 57 { // 8 + 8 + 0 + 32 + 1 + 8
		return nil, ErrInvalidData
	}

	offset := 0
	lamports := binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	dataLen := binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	if dataLen > MaxAccountDataSize {
		return nil, ErrInvalidData
	}
	if uint64(len(data)-offset) < dataLen+41 { // owner + executable + rent_epoch
		return nil, ErrInvalidData
	}

	accountData := make([]byte, dataLen)
	copy(accountData, data[offset:offset+int(dataLen)])
	offset += int(dataLen)

	var owner types.Pubkey
	copy(owner[:], data[offset:offset+32])
	offset += 32

	executable := data[offset] != 0
	offset++

	return &Account{
		Lamports:   lamports,
		Data:       accountData,
		Owner:      owner,
		Executable: executable,
		RentEpoch:  binary.LittleEndian.Uint64(data[offset:]),
	}, nil
}

// AccountEntry pairs a pubkey with its account.
type AccountEntry struct {
	Pubkey  types.Pubkey
	Account *Account
}

// DB is the accounts database interface.
// Implementations must be safe for concurrent read access.
type DB interface {
	// GetAccount retrieves an account by public key.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetAccount(pubkey types.Pubkey) (*Account, error)

	// SetAccount stores an account.
	// If the account is zero (no lamports and no data), it is deleted.
	SetAccount(pubkey types.Pubkey, account *Account) error

	// WriteAccounts stores a set of accounts as one unit.
	WriteAccounts(entries []*AccountEntry) error

	// HasAccount checks if an account exists.
	HasAccount(pubkey types.Pubkey) (bool, error)

	// GetSlot returns the current slot.
	GetSlot() uint64

	// SetSlot updates the current slot.
	SetSlot(slot uint64) error

	// AccountsCount returns the total number of accounts.
	AccountsCount() (uint64, error)

	// Commit persists pending metadata.
	Commit() error

	// Close closes the database.
	Close() error
}

// MemoryDB is an in-memory implementation of DB for testing.
type MemoryDB struct {
	accounts map[types.Pubkey]*Account
	slot     uint64
	closed   bool
}

// NewMemoryDB creates a new in-memory accounts database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		accounts: make(map[types.Pubkey]*Account),
	}
}

// GetAccount retrieves an account.
func (m *MemoryDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	if m.closed {
		return nil, ErrClosed
	}
	acc, ok := m.accounts[pubkey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// SetAccount stores an account.
func (m *MemoryDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	if m.closed {
		return ErrClosed
	}
	if account.IsZero() {
		delete(m.accounts, pubkey)
		return nil
	}
	m.accounts[pubkey] = account.Clone()
	return nil
}

// WriteAccounts stores every entry.
func (m *MemoryDB) WriteAccounts(entries []*AccountEntry) error {
	if m.closed {
		return ErrClosed
	}
	for _, e := range entries {
		if err := m.SetAccount(e.Pubkey, e.Account); err != nil {
			return err
		}
	}
	return nil
}

// HasAccount checks if an account exists.
func (m *MemoryDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.accounts[pubkey]
	return ok, nil
}

// GetSlot returns the current slot.
func (m *MemoryDB) GetSlot() uint64 {
	return m.slot
}

// SetSlot updates the current slot.
func (m *MemoryDB) SetSlot(slot uint64) error {
	if m.closed {
		return ErrClosed
	}
	m.slot = slot
	return nil
}

// AccountsCount returns the number of accounts.
func (m *MemoryDB) AccountsCount() (uint64, error) {
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.accounts)), nil
}

// Commit is a no-op for MemoryDB.
func (m *MemoryDB) Commit() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	m.closed = true
	m.accounts = nil
	return nil
}

var _ DB = (*MemoryDB)(nil)
