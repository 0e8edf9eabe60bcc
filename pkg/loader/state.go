package loader

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/near/borsh-go"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/errcode"
)

// Account layouts. Each loader account starts with a fixed-size header
// region holding a borsh-encoded header; the rest of the account is the
// content (bytecode) or the arena snapshot (memdump).
const (
	// BytecodeHeaderLen is the size of the bytecode account header region.
	BytecodeHeaderLen = 96

	// MemDumpHeaderLen is the size of the memdump account header region.
	MemDumpHeaderLen = 128

	// MaxHandleLen is the longest handle. "BC" + handle must fit a
	// CreateWithSeed seed.
	MaxHandleLen = types.MaxSeedLen - 2

	// StepNone is the finished step of a memdump that has not run Init.
	StepNone = uint8(0xff)
)

// Finalize steps, run strictly in order.
const (
	StepInit uint8 = iota
	StepDeserializeMetas
	StepDeserializeFuncs
	StepDeserializePackages
	StepDeserializeMisc
	StepDeserializeFileInfo
	StepCheck
)

// NumSteps is the number of finalize steps.
const NumSteps = int(StepCheck) + 1

var stepNames = [NumSteps]string{
	"init", "metas", "funcs", "packages", "misc", "fileinfo", "check",
}

// StepName returns a short name for a finalize step.
func StepName(step uint8) string {
	if int(step) < NumSteps {
		return stepNames[step]
	}
	if step == StepNone {
		return "none"
	}
	return fmt.Sprintf("step(%d)", step)
}

// Account discriminators, sha256("account:<Name>")[:8].
var (
	bytecodeDiscriminator = discriminator("account:GolBytecode")
	memDumpDiscriminator  = discriminator("account:GolMemDump")
)

func discriminator(preimage string) [8]byte {
	var d [8]byte
	sum := sha256.Sum256([]byte(preimage))
	copy(d[:], sum[:8])
	return d
}

// BytecodeHeader is the header of a bytecode account.
type BytecodeHeader struct {
	Discriminator [8]byte
	Handle        string
	Authority     types.Pubkey
	Finalized     bool
	ContentSize   uint32
}

// ObjectPointers are arena handles of the decoded program parts.
type ObjectPointers struct {
	Metas    uint32
	Funcs    uint32
	Packages uint32
	Misc     uint32
	FileInfo uint32

	// Bytecode is the program record written by the check step.
	Bytecode uint32
	Metadata uint32
}

// MemDumpHeader is the header of a memdump account.
type MemDumpHeader struct {
	Discriminator [8]byte
	BytecodeRef   types.Pubkey
	FinishedStep  uint8
	DataOffset    uint32
	Pointers      ObjectPointers

	// Digest is the blake3 digest of the content taken by the init step.
	Digest [32]byte
}

// memDumpEncodedLen is the borsh size of MemDumpHeader.
const memDumpEncodedLen = 8 + 32 + 1 + 4 + 7*4 + 32

// programRecord lists the arena blocks a finalized program is rebuilt from.
type programRecord struct {
	Sections [5]uint32
	Metadata uint32
}

// BytecodeAccount is a decoded view over a bytecode account's data.
type BytecodeAccount struct {
	BytecodeHeader
	data []byte
}

// LoadBytecode decodes a bytecode account. The returned view shares data.
func LoadBytecode(data []byte) (*BytecodeAccount, error) {
	if len(data) < BytecodeHeaderLen {
		return nil, fmt.Errorf("%w: bytecode account is %d bytes", errcode.AccountDiscriminatorMismatch, len(data))
	}
	// Discriminator, handle length prefix, handle, authority, finalized,
	// content size.
	hlen := int(binary.LittleEndian.Uint32(data[8:]))
	if hlen > MaxHandleLen {
		return nil, fmt.Errorf("%w: bad handle length %d", errcode.AccountDiscriminatorMismatch, hlen)
	}
	acc := &BytecodeAccount{data: data}
	if err := decodeHeader(&acc.BytecodeHeader, data[:8+4+hlen+32+1+4]); err != nil {
		return nil, err
	}
	if acc.Discriminator != bytecodeDiscriminator {
		return nil, fmt.Errorf("%w: not a bytecode account", errcode.AccountDiscriminatorMismatch)
	}
	if int(acc.ContentSize) > acc.Capacity() {
		return nil, fmt.Errorf("%w: content size %d exceeds capacity %d", errcode.ContentOverflow, acc.ContentSize, acc.Capacity())
	}
	return acc, nil
}

// Capacity is the number of content bytes the account can hold.
func (a *BytecodeAccount) Capacity() int {
	return len(a.data) - BytecodeHeaderLen
}

// Content returns the bytes written so far.
func (a *BytecodeAccount) Content() []byte {
	return a.data[BytecodeHeaderLen : BytecodeHeaderLen+int(a.ContentSize)]
}

// Append writes chunk after the current content.
func (a *BytecodeAccount) Append(chunk []byte) error {
	if len(chunk) > a.Capacity()-int(a.ContentSize) {
		return fmt.Errorf("%w: %d bytes at %d, capacity %d", errcode.ContentOverflow, len(chunk), a.ContentSize, a.Capacity())
	}
	start := BytecodeHeaderLen + int(a.ContentSize)
	copy(a.data[start:], chunk)
	a.ContentSize += uint32(len(chunk))
	return nil
}

// Store writes the header back into the account data.
func (a *BytecodeAccount) Store() error {
	return encodeHeader(a.data[:BytecodeHeaderLen], &a.BytecodeHeader)
}

// MemDump is a decoded view over a memdump account's data.
type MemDump struct {
	MemDumpHeader
	data []byte
}

// LoadMemDump decodes a memdump account whose snapshot region must hold
// exactly arenaSize bytes.
func LoadMemDump(data []byte, arenaSize int) (*MemDump, error) {
	if len(data) != MemDumpHeaderLen+arenaSize {
		return nil, fmt.Errorf("%w: memdump account is %d bytes, want %d", errcode.AccountDiscriminatorMismatch, len(data), MemDumpHeaderLen+arenaSize)
	}
	md := &MemDump{data: data}
	if err := decodeHeader(&md.MemDumpHeader, data[:memDumpEncodedLen]); err != nil {
		return nil, err
	}
	if md.Discriminator != memDumpDiscriminator {
		return nil, fmt.Errorf("%w: not a memdump account", errcode.AccountDiscriminatorMismatch)
	}
	return md, nil
}

// Snapshot returns the arena snapshot region.
func (m *MemDump) Snapshot() []byte {
	return m.data[MemDumpHeaderLen:]
}

// Reset forgets every finalize step and zeroes the snapshot.
func (m *MemDump) Reset() {
	m.FinishedStep = StepNone
	m.DataOffset = 0
	m.Pointers = ObjectPointers{}
	m.Digest = [32]byte{}
	clear(m.Snapshot())
}

// Store writes the header back into the account data.
func (m *MemDump) Store() error {
	return encodeHeader(m.data[:MemDumpHeaderLen], &m.MemDumpHeader)
}

// decodeHeader decodes an encoded header. region is exactly the encoded
// bytes, without the zero padding that follows them.
func decodeHeader(v any, region []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errcode.AccountDiscriminatorMismatch, r)
		}
	}()
	if err := borsh.Deserialize(v, region); err != nil {
		return fmt.Errorf("%w: %v", errcode.AccountDiscriminatorMismatch, err)
	}
	return nil
}

func encodeHeader(region []byte, v any) error {
	b, err := borsh.Serialize(v)
	if err != nil {
		return err
	}
	if len(b) > len(region) {
		return fmt.Errorf("header of %d bytes exceeds its %d byte region", len(b), len(region))
	}
	copy(region, b)
	clear(region[len(b):])
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
