package heap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	h, err := New(Config{ScratchSize: 1024, ArenaSize: 16 * 1024})
	require.NoError(t, err)
	return h
}

func TestArenaStoreAndRead(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Store(Arena, []byte("metas section"))
	require.NoError(t, err)
	b, err := h.Store(Arena, bytes.Repeat([]byte{7}, 2000))
	require.NoError(t, err)
	require.Equal(t, Arena, a.Region())
	require.NotEqual(t, a, b)

	got, err := h.Bytes(a)
	require.NoError(t, err)
	require.Equal(t, "metas section", string(got))

	got, err = h.Bytes(b)
	require.NoError(t, err)
	require.Len(t, got, 2000)
}

func TestDumpRestoreIdentity(t *testing.T) {
	h := newTestHeap(t)
	handles := make([]Handle, 0, 8)
	for i := 0; i < 8; i++ {
		hd, err := h.Store(Arena, bytes.Repeat([]byte{byte(i)}, 100*(i+1)))
		require.NoError(t, err)
		handles = append(handles, hd)
	}
	require.NoError(t, h.Free(handles[2]))

	dump := make([]byte, h.ArenaSize())
	require.NoError(t, h.Dump(dump))

	// A different heap instance restores the same bytes and serves the
	// same handles.
	other := newTestHeap(t)
	require.NoError(t, other.Restore(dump))
	again := make([]byte, other.ArenaSize())
	require.NoError(t, other.Dump(again))
	require.Equal(t, dump, again)

	for i, hd := range handles {
		if i == 2 {
			_, err := other.Bytes(hd)
			require.ErrorIs(t, err, ErrInvalidHandle)
			continue
		}
		got, err := other.Bytes(hd)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 100*(i+1)), got)
	}
}

func TestFreeListReuse(t *testing.T) {
	h := newTestHeap(t)
	a, err := h.Alloc(Arena, 100)
	require.NoError(t, err)
	_, err = h.Alloc(Arena, 100)
	require.NoError(t, err)
	top := h.Stats().Top

	require.NoError(t, h.Free(a))
	require.Equal(t, 128, h.Stats().Free)

	c, err := h.Alloc(Arena, 90)
	require.NoError(t, err)
	require.Equal(t, a, c, "same size class should reuse the freed block")
	require.Equal(t, top, h.Stats().Top)

	buf, err := h.Bytes(c)
	require.NoError(t, err)
	require.Len(t, buf, 90)
	require.Equal(t, make([]byte, 90), buf)
}

func TestLargeBlockFirstFit(t *testing.T) {
	h := newTestHeap(t)
	big, err := h.Alloc(Arena, 3000)
	require.NoError(t, err)
	require.NoError(t, h.Free(big))

	small, err := h.Alloc(Arena, 2000)
	require.NoError(t, err)
	require.Equal(t, big, small)

	_, err = h.Alloc(Arena, 3000)
	require.NoError(t, err)
	require.Equal(t, 0, h.Stats().Free)
}

func TestArenaOutOfMemory(t *testing.T) {
	h := newTestHeap(t)
	_, err := h.Alloc(Arena, 32*1024)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// Sizes past 32 bits must not wrap to a small block.
	shift := 32
	_, err = h.Alloc(Arena, 1<<shift+8)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Equal(t, 0, h.Stats().Live)
}

func TestScratchRegion(t *testing.T) {
	h := newTestHeap(t)
	s, err := h.Store(Scratch, []byte("tmp"))
	require.NoError(t, err)
	require.Equal(t, Scratch, s.Region())

	got, err := h.Bytes(s)
	require.NoError(t, err)
	require.Equal(t, "tmp", string(got))

	// Scratch never reaches the arena.
	before := h.Snapshot()
	_, err = h.Store(Scratch, []byte("more"))
	require.NoError(t, err)
	require.Equal(t, before, h.Snapshot())

	_, err = h.Alloc(Scratch, 4096)
	require.ErrorIs(t, err, ErrOutOfMemory)

	h.ResetScratch()
	_, err = h.Bytes(s)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.Equal(t, 0, h.Stats().ScratchUsed)
}

func TestRestoreValidation(t *testing.T) {
	h := newTestHeap(t)
	require.ErrorIs(t, h.Restore(make([]byte, 10)), ErrSnapshotSize)

	bad := make([]byte, h.ArenaSize())
	copy(bad, "XXXX")
	require.ErrorIs(t, h.Restore(bad), ErrCorruptArena)

	// Zeroed account storage restores to an empty arena.
	hd, err := h.Store(Arena, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, h.Restore(make([]byte, h.ArenaSize())))
	_, err = h.Bytes(hd)
	require.ErrorIs(t, err, ErrInvalidHandle)
	require.Equal(t, firstBlock, h.Stats().Top)
}

func TestNilHandle(t *testing.T) {
	h := newTestHeap(t)
	require.NoError(t, h.Free(0))
	_, err := h.Bytes(0)
	require.ErrorIs(t, err, ErrInvalidHandle)
}
