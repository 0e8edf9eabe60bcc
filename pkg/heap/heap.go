// Package heap implements the two-region allocator used while finalizing
// and executing guest programs.
//
// The scratch region is a top-down bump allocator for data that only lives
// for one call. The arena region is persistent: every byte of bookkeeping
// lives inside the arena itself, so dumping the arena into account storage
// and restoring it later yields an identical heap. Arena handles are
// offsets into the arena rather than addresses, which keeps them valid
// across restores regardless of where the backing buffer lives.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Region selects where an allocation is placed.
type Region uint8

const (
	// Scratch allocations are discarded at the end of the call.
	Scratch Region = iota
	// Arena allocations survive Dump and Restore.
	Arena
)

func (r Region) String() string {
	switch r {
	case Scratch:
		return "scratch"
	case Arena:
		return "arena"
	default:
		return fmt.Sprintf("Region(%d)", uint8(r))
	}
}

// Handle identifies an allocation. The zero handle is nil. Scratch handles
// carry the high bit.
type Handle uint32

const scratchBit Handle = 1 << 31

// IsNil reports whether h is the nil handle.
func (h Handle) IsNil() bool { return h == 0 }

// Region returns the region h was allocated in.
func (h Handle) Region() Region {
	if h&scratchBit != 0 {
		return Scratch
	}
	return Arena
}

// Sizes of the two regions. Together they match the 256 KiB heap a program
// is given by the host.
const (
	DefaultScratchSize = 16 * 1024
	DefaultArenaSize   = 256*1024 - DefaultScratchSize
)

// Size classes served from free lists. Larger blocks use a first-fit list.
var sizeClasses = [...]uint32{64, 128, 256, 512, 1024}

const (
	magic = "GARN"

	// Arena header: magic, bump top, one free list head per size class
	// and the large block list head.
	offTop       = 4
	offFree      = 8
	offLarge     = offFree + 4*len(sizeClasses)
	headerLen    = offLarge + 4
	firstBlock   = 64
	blockHdr     = 8
	freedMarker  = ^uint32(0)
	alignment    = 8
	minArenaSize = firstBlock + blockHdr + 64
)

var (
	// ErrOutOfMemory is returned when a region cannot satisfy an allocation.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrInvalidHandle is returned for handles that do not name a live block.
	ErrInvalidHandle = errors.New("heap: invalid handle")

	// ErrCorruptArena is returned when restored bytes are not an arena.
	ErrCorruptArena = errors.New("heap: corrupt arena")

	// ErrSnapshotSize is returned when a dump buffer does not match the arena.
	ErrSnapshotSize = errors.New("heap: snapshot size mismatch")
)

// Config sizes the two regions.
type Config struct {
	ScratchSize int
	ArenaSize   int
}

// DefaultConfig returns the default region sizes.
func DefaultConfig() Config {
	return Config{
		ScratchSize: DefaultScratchSize,
		ArenaSize:   DefaultArenaSize,
	}
}

// Heap is a scratch region plus a snapshot-able arena. It is not safe for
// concurrent use; one heap serves one call.
type Heap struct {
	scratch    []byte
	scratchTop int
	arena      []byte
}

// New creates a heap with a freshly formatted arena.
func New(cfg Config) (*Heap, error) {
	if cfg.ScratchSize <= 0 || cfg.ScratchSize >= int(scratchBit) {
		return nil, fmt.Errorf("heap: invalid scratch size %d", cfg.ScratchSize)
	}
	if cfg.ArenaSize < minArenaSize || cfg.ArenaSize >= int(scratchBit) {
		return nil, fmt.Errorf("heap: invalid arena size %d", cfg.ArenaSize)
	}
	h := &Heap{
		scratch:    make([]byte, cfg.ScratchSize),
		scratchTop: cfg.ScratchSize,
		arena:      make([]byte, cfg.ArenaSize),
	}
	h.format()
	return h, nil
}

func (h *Heap) format() {
	clear(h.arena)
	copy(h.arena, magic)
	h.put(offTop, firstBlock)
}

func (h *Heap) get(off int) uint32 {
	return binary.LittleEndian.Uint32(h.arena[off:])
}

func (h *Heap) put(off int, v uint32) {
	binary.LittleEndian.PutUint32(h.arena[off:], v)
}

// ArenaSize returns the size of the arena, which is also the size of every
// dump.
func (h *Heap) ArenaSize() int { return len(h.arena) }

// Alloc reserves n bytes in region r. The returned block is zeroed.
func (h *Heap) Alloc(r Region, n int) (Handle, error) {
	if n < 0 {
		return 0, fmt.Errorf("heap: negative allocation %d", n)
	}
	switch r {
	case Scratch:
		return h.allocScratch(n)
	case Arena:
		return h.allocArena(n)
	default:
		return 0, fmt.Errorf("heap: unknown region %d", r)
	}
}

func (h *Heap) allocScratch(n int) (Handle, error) {
	// Scratch blocks carry a length word below the payload.
	pos := h.scratchTop - n - 4
	pos &^= alignment - 1
	if pos < alignment {
		return 0, fmt.Errorf("%w: scratch region, %d bytes", ErrOutOfMemory, n)
	}
	binary.LittleEndian.PutUint32(h.scratch[pos:], uint32(n))
	clear(h.scratch[pos+4 : pos+4+n])
	h.scratchTop = pos
	return scratchBit | Handle(pos+4), nil
}

func classOf(n uint32) int {
	for i, c := range sizeClasses {
		if n <= c {
			return i
		}
	}
	return -1
}

func alignUp(n uint32) uint32 {
	return (n + alignment - 1) &^ (alignment - 1)
}

func (h *Heap) allocArena(n int) (Handle, error) {
	if n > len(h.arena) {
		return 0, fmt.Errorf("%w: arena region, %d bytes", ErrOutOfMemory, n)
	}
	size := uint32(n)
	if n == 0 {
		size = 1
	}

	var capacity uint32
	if class := classOf(size); class >= 0 {
		capacity = sizeClasses[class]
		head := offFree + 4*class
		if blk := h.get(head); blk != 0 {
			h.put(head, h.get(int(blk)+blockHdr))
			return h.reuse(blk, uint32(n)), nil
		}
	} else {
		capacity = alignUp(size)
		prev := offLarge
		for blk := h.get(offLarge); blk != 0; blk = h.get(int(blk) + blockHdr) {
			if h.get(int(blk)) >= size {
				h.put(prev, h.get(int(blk)+blockHdr))
				return h.reuse(blk, uint32(n)), nil
			}
			prev = int(blk) + blockHdr
		}
	}

	top := h.get(offTop)
	end := uint64(top) + blockHdr + uint64(capacity)
	if end > uint64(len(h.arena)) {
		return 0, fmt.Errorf("%w: arena region, %d bytes", ErrOutOfMemory, n)
	}
	h.put(int(top), capacity)
	h.put(int(top)+4, uint32(n))
	clear(h.arena[top+blockHdr : end])
	h.put(offTop, uint32(end))
	return Handle(top + blockHdr), nil
}

func (h *Heap) reuse(blk, n uint32) Handle {
	h.put(int(blk)+4, n)
	payload := int(blk) + blockHdr
	clear(h.arena[payload : payload+int(h.get(int(blk)))])
	return Handle(uint32(payload))
}

// block validates an arena handle and returns the offset of its header.
func (h *Heap) block(hd Handle) (int, error) {
	off := int(hd) - blockHdr
	if hd.IsNil() || hd.Region() != Arena || off < firstBlock || off+blockHdr > int(h.get(offTop)) {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidHandle, uint32(hd))
	}
	capacity, length := h.get(off), h.get(off+4)
	if length == freedMarker || length > capacity || off+blockHdr+int(capacity) > int(h.get(offTop)) {
		return 0, fmt.Errorf("%w: %#x", ErrInvalidHandle, uint32(hd))
	}
	return off, nil
}

// Free releases an arena block. Scratch blocks are reclaimed only by
// ResetScratch, so freeing one is a no-op.
func (h *Heap) Free(hd Handle) error {
	if hd.IsNil() || hd.Region() == Scratch {
		return nil
	}
	off, err := h.block(hd)
	if err != nil {
		return err
	}
	capacity := h.get(off)
	h.put(off+4, freedMarker)

	head := offLarge
	for i, c := range sizeClasses {
		if capacity == c {
			head = offFree + 4*i
			break
		}
	}
	h.put(off+blockHdr, h.get(head))
	h.put(head, uint32(off))
	return nil
}

// Bytes returns the live payload of a block. The slice aliases heap memory
// and is only valid until the next Restore or ResetScratch.
func (h *Heap) Bytes(hd Handle) ([]byte, error) {
	if hd.Region() == Scratch {
		pos := int(hd&^scratchBit) - 4
		if hd.IsNil() || pos < h.scratchTop || pos+4 > len(h.scratch) {
			return nil, fmt.Errorf("%w: %#x", ErrInvalidHandle, uint32(hd))
		}
		n := int(binary.LittleEndian.Uint32(h.scratch[pos:]))
		return h.scratch[pos+4 : pos+4+n], nil
	}
	off, err := h.block(hd)
	if err != nil {
		return nil, err
	}
	payload := off + blockHdr
	return h.arena[payload : payload+int(h.get(off+4))], nil
}

// Store allocates a block in region r holding a copy of data.
func (h *Heap) Store(r Region, data []byte) (Handle, error) {
	hd, err := h.Alloc(r, len(data))
	if err != nil {
		return 0, err
	}
	buf, err := h.Bytes(hd)
	if err != nil {
		return 0, err
	}
	copy(buf, data)
	return hd, nil
}

// ResetScratch discards every scratch allocation.
func (h *Heap) ResetScratch() {
	h.scratchTop = len(h.scratch)
}

// Dump copies the arena into dst, which must be exactly ArenaSize bytes.
func (h *Heap) Dump(dst []byte) error {
	if len(dst) != len(h.arena) {
		return fmt.Errorf("%w: have %d, want %d", ErrSnapshotSize, len(dst), len(h.arena))
	}
	copy(dst, h.arena)
	return nil
}

// Snapshot returns a copy of the arena.
func (h *Heap) Snapshot() []byte {
	return append([]byte(nil), h.arena...)
}

// Restore replaces the arena with src. Scratch allocations are discarded.
// An all-zero src restores a freshly formatted arena, which is what an
// account holds before its first dump.
func (h *Heap) Restore(src []byte) error {
	if len(src) != len(h.arena) {
		return fmt.Errorf("%w: have %d, want %d", ErrSnapshotSize, len(src), len(h.arena))
	}
	if isZero(src[:headerLen]) {
		h.format()
		h.ResetScratch()
		return nil
	}
	if string(src[:len(magic)]) != magic {
		return fmt.Errorf("%w: bad magic", ErrCorruptArena)
	}
	top := binary.LittleEndian.Uint32(src[offTop:])
	if top < firstBlock || int(top) > len(src) {
		return fmt.Errorf("%w: top %d out of range", ErrCorruptArena, top)
	}
	copy(h.arena, src)
	h.ResetScratch()
	return nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Stats describes arena usage.
type Stats struct {
	// Top is the bump pointer; bytes past it have never been handed out.
	Top int
	// Live is the payload capacity of allocated blocks.
	Live int
	// Free is the payload capacity sitting on free lists.
	Free int
	// ScratchUsed is the number of scratch bytes in use.
	ScratchUsed int
}

// Stats walks the arena and reports its usage.
func (h *Heap) Stats() Stats {
	s := Stats{
		Top:         int(h.get(offTop)),
		ScratchUsed: len(h.scratch) - h.scratchTop,
	}
	for off := firstBlock; off+blockHdr <= s.Top; {
		capacity := int(h.get(off))
		if capacity == 0 {
			break
		}
		if h.get(off+4) == freedMarker {
			s.Free += capacity
		} else {
			s.Live += capacity
		}
		off += blockHdr + capacity
	}
	return s
}
