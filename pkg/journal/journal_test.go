package journal

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/svm"
)

var (
	progA = types.PubkeyFromSeed([]byte("program-a"))
	progB = types.PubkeyFromSeed([]byte("program-b"))
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func tx(programs ...types.Pubkey) *svm.Transaction {
	out := &svm.Transaction{}
	for _, p := range programs {
		out.Instructions = append(out.Instructions, &svm.Instruction{ProgramID: p})
	}
	return out
}

func seqs(entries []*Entry) []uint64 {
	out := make([]uint64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}

func TestNewEntry(t *testing.T) {
	res := &svm.ExecutionResult{
		Success:              true,
		Slot:                 7,
		Logs:                 []string{"Program log: hi"},
		ComputeUnitsConsumed: 1234,
		ModifiedAccounts:     []types.Pubkey{progB},
		DeltaHash:            types.ComputeHash([]byte("delta")),
	}
	e := NewEntry("exec IxBump", tx(progA, progB, progA), res)
	require.Equal(t, []types.Pubkey{progA, progB}, e.Programs)
	require.Equal(t, uint64(7), e.Slot)
	require.Equal(t, uint64(1234), e.ComputeUnits)
	require.True(t, e.Success)
	require.Equal(t, res.DeltaHash, e.DeltaHash)

	e = NewEntry("failed", tx(progA), nil)
	require.False(t, e.Success)
	require.Zero(t, e.Slot)
}

func TestAppendAndGet(t *testing.T) {
	s, _ := openTemp(t)

	e := NewEntry("deploy", tx(progA), &svm.ExecutionResult{
		Success:   true,
		Slot:      3,
		Logs:      []string{"a", "b"},
		DeltaHash: types.ComputeHash([]byte("x")),
	})
	require.NoError(t, s.Append(e))
	require.Equal(t, uint64(1), e.Seq)

	got, err := s.Get(1)
	require.NoError(t, err)
	require.Equal(t, "deploy", got.Label)
	require.Equal(t, []string{"a", "b"}, got.Logs)
	require.Equal(t, e.DeltaHash, got.DeltaHash)
	require.Equal(t, []types.Pubkey{progA}, got.Programs)
	require.True(t, e.Time.Equal(got.Time))

	_, err = s.Get(2)
	require.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestListAndByProgram(t *testing.T) {
	s, _ := openTemp(t)
	// 1:A 2:B 3:A,B 4:A 5:B
	for _, progs := range [][]types.Pubkey{{progA}, {progB}, {progA, progB}, {progA}, {progB}} {
		require.NoError(t, s.Append(NewEntry("", tx(progs...), nil)))
	}

	all, err := s.List(ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 4, 3, 2, 1}, seqs(all))

	page, err := s.List(ListOptions{Limit: 2, Before: 4})
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 2}, seqs(page))

	page, err = s.List(ListOptions{Before: 99})
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 4, 3, 2, 1}, seqs(page))

	a, err := s.ByProgram(progA, ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 3, 1}, seqs(a))

	b, err := s.ByProgram(progB, ListOptions{Limit: 1, Before: 5})
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, seqs(b))

	none, err := s.ByProgram(types.PubkeyFromSeed([]byte("idle")), ListOptions{})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPrune(t *testing.T) {
	s, _ := openTemp(t)
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(NewEntry("", tx(progA), nil)))
	}

	removed, err := s.Prune(2)
	require.NoError(t, err)
	require.Equal(t, 4, removed)

	all, err := s.List(ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []uint64{6, 5}, seqs(all))

	a, err := s.ByProgram(progA, ListOptions{})
	require.NoError(t, err)
	require.Equal(t, []uint64{6, 5}, seqs(a))

	stats, err := s.GetStats()
	require.NoError(t, err)
	require.Equal(t, uint64(6), stats.LastSeq)
	require.Equal(t, 2, stats.Entries)

	removed, err = s.Prune(10)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestReopenKeepsSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	require.NoError(t, s.Append(NewEntry("one", tx(progA), nil)))
	require.NoError(t, s.Append(NewEntry("two", tx(progA), nil)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.List(ListOptions{})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Append(&Entry{}), ErrClosed)

	s, err = Open(DefaultConfig(path))
	require.NoError(t, err)
	defer s.Close()
	e := NewEntry("three", tx(progA), nil)
	require.NoError(t, s.Append(e))
	require.Equal(t, uint64(3), e.Seq)
}
