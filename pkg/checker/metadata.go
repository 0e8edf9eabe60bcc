package checker

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/near/borsh-go"

	"github.com/fortiblox/golana/pkg/bytecode"
)

// SchemaVersion is the version of the tag schema and metadata layout.
const SchemaVersion uint32 = 1

// AccessKind says what an instruction may do with an account's data.
type AccessKind uint8

const (
	AccessNone AccessKind = iota
	AccessInitialize
	AccessReadOnly
	AccessMutable
)

func (k AccessKind) String() string {
	switch k {
	case AccessNone:
		return "none"
	case AccessInitialize:
		return "init"
	case AccessReadOnly:
		return "readonly"
	case AccessMutable:
		return "mut"
	default:
		return fmt.Sprintf("AccessKind(%d)", uint8(k))
	}
}

// AccessMode binds an account to a data slot. Slot is meaningless for
// AccessNone.
type AccessMode struct {
	Kind AccessKind
	Slot uint32
}

// HasData reports whether the account has a data slot.
func (a AccessMode) HasData() bool {
	return a.Kind != AccessNone
}

// Writes reports whether the slot's value is written back.
func (a AccessMode) Writes() bool {
	return a.Kind == AccessInitialize || a.Kind == AccessMutable
}

// AccMeta describes one account an instruction takes.
type AccMeta struct {
	Name     string
	IsSigner bool
	IsMut    bool
	Access   AccessMode
}

// DataSlot is a decoded view of an account's data.
type DataSlot struct {
	// Account indexes IxMeta.Accounts.
	Account uint32
	Name    string

	// Type is the pointee type; the handler field holds a pointer to it.
	Type bytecode.Meta
}

// Arg is a scalar instruction argument.
type Arg struct {
	Name string
	Type bytecode.Meta
}

// IxMeta is the schema of one instruction handler.
type IxMeta struct {
	Name           string
	HandlerType    bytecode.Meta
	DispatchMethod bytecode.FuncKey
	DispatchIndex  uint32
	Accounts       []AccMeta
	DataSlots      []DataSlot
	Args           []Arg
}

// FieldCount returns the number of handler struct fields the schema
// covers.
func (ix *IxMeta) FieldCount() int {
	return len(ix.Accounts) + len(ix.DataSlots) + len(ix.Args)
}

// InstructionSetMetadata is the checked schema of a program.
type InstructionSetMetadata struct {
	Version      uint32
	Instructions []IxMeta
}

// Lookup returns the handler with the given name.
func (m *InstructionSetMetadata) Lookup(name string) (*IxMeta, bool) {
	for i := range m.Instructions {
		if m.Instructions[i].Name == name {
			return &m.Instructions[i], true
		}
	}
	return nil, false
}

// ErrBadMetadata is returned when cached metadata does not decode.
var ErrBadMetadata = errors.New("bad instruction metadata")

// Encode serializes m.
func (m *InstructionSetMetadata) Encode() ([]byte, error) {
	return borsh.Serialize(*m)
}

// DecodeMetadata parses metadata written by Encode.
func DecodeMetadata(data []byte) (m *InstructionSetMetadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: %v", ErrBadMetadata, r)
		}
	}()
	var out InstructionSetMetadata
	if err := borsh.Deserialize(&out, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMetadata, err)
	}
	again, err := borsh.Serialize(out)
	if err != nil || !bytes.Equal(again, data) {
		return nil, fmt.Errorf("%w: non-canonical encoding", ErrBadMetadata)
	}
	if out.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d", ErrBadMetadata, out.Version)
	}
	return &out, nil
}
