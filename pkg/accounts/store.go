package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fortiblox/golana/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// prefixAccount is the prefix for account data.
	// Key format: prefixAccount + pubkey (32 bytes)
	prefixAccount = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x02}

	metaSlot          = append(append([]byte{}, prefixMeta...), []byte("slot")...)
	metaAccountsCount = append(append([]byte{}, prefixMeta...), []byte("count")...)
)

// BadgerDBConfig contains configuration for BadgerDB.
type BadgerDBConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger receives badger's internal logs. Nil disables them.
	Logger *zap.Logger
}

// DefaultBadgerDBConfig returns default configuration.
func DefaultBadgerDBConfig(path string) BadgerDBConfig {
	return BadgerDBConfig{
		Path:             path,
		SyncWrites:       true,
		NumCompactors:    2,
		ValueLogFileSize: 64 << 20,
	}
}

// badgerLogger adapts a zap logger to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// BadgerDB is a BadgerDB-backed implementation of the accounts database.
type BadgerDB struct {
	db *badger.DB

	slot          atomic.Uint64
	accountsCount atomic.Uint64

	// mu serializes writers so the account count stays exact.
	mu     sync.Mutex
	closed atomic.Bool
}

// NewBadgerDB creates a new BadgerDB-backed accounts database.
func NewBadgerDB(cfg BadgerDBConfig) (*BadgerDB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumCompactors(cfg.NumCompactors).
		WithValueLogFileSize(cfg.ValueLogFileSize)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	bdb := &BadgerDB{db: db}
	if err := bdb.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return bdb, nil
}

func readUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) >= 8 {
			v = binary.LittleEndian.Uint64(val)
		}
		return nil
	})
	return v, err
}

// loadMetadata loads slot and count from disk.
func (b *BadgerDB) loadMetadata() error {
	return b.db.View(func(txn *badger.Txn) error {
		slot, err := readUint64(txn, metaSlot)
		if err != nil {
			return err
		}
		count, err := readUint64(txn, metaAccountsCount)
		if err != nil {
			return err
		}
		b.slot.Store(slot)
		b.accountsCount.Store(count)
		return nil
	})
}

// accountKey returns the BadgerDB key for an account.
func accountKey(pubkey types.Pubkey) []byte {
	key := make([]byte, 1+32)
	key[0] = prefixAccount[0]
	copy(key[1:], pubkey[:])
	return key
}

// GetAccount retrieves an account by public key.
func (b *BadgerDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var account *Account
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(pubkey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			acc, err := DeserializeAccount(val)
			if err != nil {
				return err
			}
			account = acc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// SetAccount stores an account.
func (b *BadgerDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	return b.WriteAccounts([]*AccountEntry{{Pubkey: pubkey, Account: account}})
}

// WriteAccounts stores all entries in a single badger transaction, so either
// every account is written or none is.
func (b *BadgerDB) WriteAccounts(entries []*AccountEntry) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var added, deleted uint64
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			key := accountKey(e.Pubkey)
			_, err := txn.Get(key)
			exists := err == nil
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			if e.Account.IsZero() {
				if exists {
					if err := txn.Delete(key); err != nil {
						return err
					}
					deleted++
				}
				continue
			}
			if err := txn.Set(key, e.Account.Serialize()); err != nil {
				return err
			}
			if !exists {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	b.accountsCount.Add(added)
	if deleted > 0 {
		b.accountsCount.Add(^(deleted - 1)) // subtract
	}
	return nil
}

// HasAccount checks if an account exists.
func (b *BadgerDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(accountKey(pubkey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// GetSlot returns the current slot.
func (b *BadgerDB) GetSlot() uint64 {
	return b.slot.Load()
}

// SetSlot updates the current slot.
func (b *BadgerDB) SetSlot(slot uint64) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.slot.Store(slot)
	return nil
}

// AccountsCount returns the total number of accounts.
func (b *BadgerDB) AccountsCount() (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.accountsCount.Load(), nil
}

// Commit persists the slot and account count.
func (b *BadgerDB) Commit() error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		slotBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(slotBuf, b.slot.Load())
		if err := txn.Set(metaSlot, slotBuf); err != nil {
			return err
		}
		countBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(countBuf, b.accountsCount.Load())
		return txn.Set(metaAccountsCount, countBuf)
	})
}

// IterateAccounts iterates over all accounts in sorted pubkey order.
// Return an error from the callback to stop iteration.
func (b *BadgerDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixAccount
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 33 {
				continue
			}
			var pubkey types.Pubkey
			copy(pubkey[:], key[1:])

			err := item.Value(func(val []byte) error {
				account, err := DeserializeAccount(val)
				if err != nil {
					return err
				}
				return fn(pubkey, account)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close commits metadata and closes the database.
func (b *BadgerDB) Close() error {
	if err := b.Commit(); err != nil {
		return err
	}
	b.closed.Store(true)
	return b.db.Close()
}

var _ DB = (*BadgerDB)(nil)
