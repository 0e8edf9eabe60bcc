// Package journal records processed transactions in a BoltDB file so the
// operator CLI can list what ran against the local ledger.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/svm"
)

var (
	// ErrEntryNotFound is returned when a sequence number has no entry.
	ErrEntryNotFound = errors.New("journal entry not found")

	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")
)

// Bucket names for BoltDB.
var (
	// bucketEntries stores entries keyed by sequence number.
	bucketEntries = []byte("entries")

	// bucketByProgram indexes sequence numbers by invoked program.
	bucketByProgram = []byte("by_program")

	// bucketMetadata stores journal counters.
	bucketMetadata = []byte("metadata")
)

var keyLastSeq = []byte("last_seq")

// Config holds journal configuration options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default configuration for a journal at path.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Entry is one processed transaction.
type Entry struct {
	// Seq is assigned by Append, starting at 1.
	Seq uint64

	// Label is a short operator-facing description, e.g. "finalize check".
	Label string

	Time         time.Time
	Slot         uint64
	Programs     []types.Pubkey
	Success      bool
	Error        string
	ComputeUnits uint64
	Modified     []types.Pubkey
	Logs         []string
	DeltaHash    types.Hash
}

// NewEntry builds an entry from a transaction and its result. res may be
// nil when the runtime returned no result.
func NewEntry(label string, tx *svm.Transaction, res *svm.ExecutionResult) *Entry {
	e := &Entry{Label: label, Time: time.Now().UTC()}
	seen := make(map[types.Pubkey]bool)
	for _, ix := range tx.Instructions {
		if !seen[ix.ProgramID] {
			seen[ix.ProgramID] = true
			e.Programs = append(e.Programs, ix.ProgramID)
		}
	}
	if res != nil {
		e.Slot = res.Slot
		e.Success = res.Success
		e.Error = res.Error
		e.ComputeUnits = res.ComputeUnitsConsumed
		e.Modified = res.ModifiedAccounts
		e.Logs = res.Logs
		e.DeltaHash = res.DeltaHash
	}
	return e
}

// ListOptions configures List and ByProgram.
type ListOptions struct {
	// Limit is the maximum number of entries to return. Zero means no
	// limit.
	Limit int

	// Before returns entries with a sequence number below Before. Zero
	// starts from the newest entry.
	Before uint64
}

// Stats contains journal statistics.
type Stats struct {
	// LastSeq is the newest sequence number.
	LastSeq uint64

	// Entries is the number of entries retained.
	Entries int

	// DatabaseSize is the size of the database file in bytes.
	DatabaseSize int64
}

// Store is a BoltDB-backed journal.
type Store struct {
	db     *bolt.DB
	config Config

	mu      sync.RWMutex
	lastSeq uint64
	closed  bool
}

// Open creates or opens a journal.
func Open(config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, config: config}
	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	if err := s.loadCachedValues(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load cached values: %w", err)
	}
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByProgram, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) loadCachedValues() error {
	return s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil // Empty database.
		}
		if v := meta.Get(keyLastSeq); v != nil {
			s.lastSeq = decodeSeq(v)
		}
		return nil
	})
}

// Append assigns e the next sequence number and stores it.
func (s *Store) Append(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	seq := s.lastSeq + 1
	e.Seq = seq
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		key := encodeSeq(seq)
		if err := tx.Bucket(bucketEntries).Put(key, buf.Bytes()); err != nil {
			return err
		}
		idx := tx.Bucket(bucketByProgram)
		for _, p := range e.Programs {
			if err := idx.Put(programKey(p, seq), nil); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMetadata).Put(keyLastSeq, key)
	})
	if err != nil {
		return err
	}
	s.lastSeq = seq
	return nil
}

// Get returns the entry with sequence number seq.
func (s *Store) Get(seq uint64) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getEntry(tx, seq)
		return err
	})
	return e, err
}

// List returns entries newest first.
func (s *Store) List(opts ListOptions) ([]*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		k, v := c.Last()
		if opts.Before != 0 {
			if k, _ = c.Seek(encodeSeq(opts.Before)); k != nil {
				k, v = c.Prev()
			} else {
				k, v = c.Last()
			}
		}
		for ; k != nil; k, v = c.Prev() {
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// ByProgram returns the entries that invoked program, newest first.
func (s *Store) ByProgram(program types.Pubkey, opts ListOptions) ([]*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByProgram).Cursor()
		upper := opts.Before
		if upper == 0 {
			upper = ^uint64(0)
		}
		// Position on the first key past the range, then walk back.
		k, _ := c.Seek(programKey(program, upper))
		if k == nil {
			k, _ = c.Last()
		} else {
			k, _ = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, program[:]); k, _ = c.Prev() {
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
			e, err := getEntry(tx, decodeSeq(k[types.PubkeySize:]))
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Prune deletes all but the newest keep entries and returns the number
// removed.
func (s *Store) Prune(keep uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.lastSeq <= keep {
		return 0, nil
	}
	cutoff := s.lastSeq - keep

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		idx := tx.Bucket(bucketByProgram)

		// Collect first; deleting under a live cursor skips keys.
		var doomed []*Entry
		c := entries.Cursor()
		for k, v := c.First(); k != nil && decodeSeq(k) <= cutoff; k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			doomed = append(doomed, e)
		}
		for _, e := range doomed {
			for _, p := range e.Programs {
				if err := idx.Delete(programKey(p, e.Seq)); err != nil {
					return err
				}
			}
			if err := entries.Delete(encodeSeq(e.Seq)); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// GetStats returns journal statistics.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	stats := &Stats{LastSeq: s.lastSeq}
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Entries = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(s.config.Path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// Close closes the journal. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func getEntry(tx *bolt.Tx, seq uint64) (*Entry, error) {
	data := tx.Bucket(bucketEntries).Get(encodeSeq(seq))
	if data == nil {
		return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, seq)
	}
	return decodeEntry(data)
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &e, nil
}

// encodeSeq encodes a sequence number as a big-endian key so keys sort in
// sequence order.
func encodeSeq(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func decodeSeq(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key)
}

// programKey is [32-byte program][8-byte seq big-endian].
func programKey(program types.Pubkey, seq uint64) []byte {
	key := make([]byte, types.PubkeySize+8)
	copy(key, program[:])
	binary.BigEndian.PutUint64(key[types.PubkeySize:], seq)
	return key
}
