package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/near/borsh-go"
)

// Encoding header.
const (
	Magic     = "GOSB"
	Version   = uint16(1)
	HeaderLen = len(Magic) + 2
)

// Section identifies one length-prefixed part of the encoding. Sections
// appear in this order.
type Section uint8

const (
	SectionMetas Section = iota
	SectionFuncs
	SectionPackages
	SectionMisc
	SectionFileInfo
	NumSections
)

func (s Section) String() string {
	switch s {
	case SectionMetas:
		return "metas"
	case SectionFuncs:
		return "funcs"
	case SectionPackages:
		return "packages"
	case SectionMisc:
		return "misc"
	case SectionFileInfo:
		return "fileinfo"
	default:
		return fmt.Sprintf("Section(%d)", uint8(s))
	}
}

// ErrMalformed is returned for any encoding that does not decode cleanly.
var ErrMalformed = errors.New("malformed bytecode")

// Section bodies.
type (
	MetasSection struct {
		Metas []TypeMeta
	}
	FuncsSection struct {
		Funcs []Function
	}
	PackagesSection struct {
		Packages []Package
	}
	MiscSection struct {
		Consts  []Const
		Ifaces  []IfaceBinding
		Indices []Index
		Entry   FuncKey
		MainPkg uint32
	}
	FileInfoSection struct {
		FileInfo FileInfo
	}
)

// Encode serializes bc.
func Encode(bc *Bytecode) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.Write(binary.LittleEndian.AppendUint16(nil, Version))

	bodies := []any{
		MetasSection{Metas: bc.Metas},
		FuncsSection{Funcs: bc.Funcs},
		PackagesSection{Packages: bc.Packages},
		MiscSection{
			Consts:  bc.Consts,
			Ifaces:  bc.Ifaces,
			Indices: bc.Indices,
			Entry:   bc.Entry,
			MainPkg: bc.MainPkg,
		},
		FileInfoSection{FileInfo: bc.FileInfo},
	}
	for i, body := range bodies {
		data, err := borsh.Serialize(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s section: %w", Section(i), err)
		}
		buf.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(data))))
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// ReadHeader checks the magic and version and returns the offset of the
// first section.
func ReadHeader(data []byte) (int, error) {
	if len(data) < HeaderLen || string(data[:len(Magic)]) != Magic {
		return 0, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if v := binary.LittleEndian.Uint16(data[len(Magic):]); v != Version {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrMalformed, v)
	}
	return HeaderLen, nil
}

// ReadSection returns the body of the section starting at off and the
// offset of the next section.
func ReadSection(data []byte, off int) ([]byte, int, error) {
	if off < 0 || off+4 > len(data) {
		return nil, 0, fmt.Errorf("%w: section header at %d out of range", ErrMalformed, off)
	}
	n := int(binary.LittleEndian.Uint32(data[off:]))
	start := off + 4
	if n > len(data)-start {
		return nil, 0, fmt.Errorf("%w: section of %d bytes at %d overruns content", ErrMalformed, n, off)
	}
	return data[start : start+n], start + n, nil
}

// DecodeSection decodes one section body. The body must be the canonical
// encoding of T; trailing bytes are rejected.
func DecodeSection[T any](body []byte) (*T, error) {
	var v T
	if err := decodeBorsh(&v, body); err != nil {
		return nil, err
	}
	again, err := borsh.Serialize(v)
	if err != nil || !bytes.Equal(again, body) {
		return nil, fmt.Errorf("%w: non-canonical section body", ErrMalformed)
	}
	return &v, nil
}

// decodeBorsh wraps borsh.Deserialize, which panics on some inputs whose
// lengths disagree with the schema.
func decodeBorsh(v any, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()
	if err := borsh.Deserialize(v, data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Decode parses a complete encoding and validates it.
func Decode(data []byte) (*Bytecode, error) {
	off, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	var bodies [NumSections][]byte
	for i := range bodies {
		if bodies[i], off, err = ReadSection(data, off); err != nil {
			return nil, fmt.Errorf("%s section: %w", Section(i), err)
		}
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-off)
	}

	metas, err := DecodeSection[MetasSection](bodies[SectionMetas])
	if err != nil {
		return nil, err
	}
	funcs, err := DecodeSection[FuncsSection](bodies[SectionFuncs])
	if err != nil {
		return nil, err
	}
	pkgs, err := DecodeSection[PackagesSection](bodies[SectionPackages])
	if err != nil {
		return nil, err
	}
	misc, err := DecodeSection[MiscSection](bodies[SectionMisc])
	if err != nil {
		return nil, err
	}
	info, err := DecodeSection[FileInfoSection](bodies[SectionFileInfo])
	if err != nil {
		return nil, err
	}

	bc := &Bytecode{
		Metas:    metas.Metas,
		Funcs:    funcs.Funcs,
		Packages: pkgs.Packages,
		Consts:   misc.Consts,
		Ifaces:   misc.Ifaces,
		Indices:  misc.Indices,
		Entry:    misc.Entry,
		MainPkg:  misc.MainPkg,
		FileInfo: info.FileInfo,
	}
	if err := bc.Validate(); err != nil {
		return nil, err
	}
	return bc, nil
}

// ValidateMetas checks that the type table only references itself.
func ValidateMetas(metas []TypeMeta) error {
	n := len(metas)
	ref := func(m Meta) bool { return int(m.Key) < n }
	for i, t := range metas {
		if t.Kind > KindFunc {
			return fmt.Errorf("%w: meta %d has unknown kind %d", ErrMalformed, i, t.Kind)
		}
		switch t.Kind {
		case KindArray, KindSlice, KindNamed, KindMap:
			if !ref(t.Elem) {
				return fmt.Errorf("%w: meta %d element %d out of range", ErrMalformed, i, t.Elem.Key)
			}
		}
		for _, f := range t.Fields {
			if !ref(f.Type) {
				return fmt.Errorf("%w: field %s of meta %d out of range", ErrMalformed, f.Name, i)
			}
		}
	}
	return nil
}

// Validate checks every cross reference in bc.
func (bc *Bytecode) Validate() error {
	if err := ValidateMetas(bc.Metas); err != nil {
		return err
	}
	nm, nf, np := len(bc.Metas), len(bc.Funcs), len(bc.Packages)
	for _, t := range bc.Metas {
		for _, m := range t.Methods {
			if int(m.Func) >= nf {
				return fmt.Errorf("%w: method %s references func %d", ErrMalformed, m.Name, m.Func)
			}
		}
	}
	for _, f := range bc.Funcs {
		if len(f.ParamNames) != len(f.Params) {
			return fmt.Errorf("%w: func %s has %d params and %d names", ErrMalformed, f.Name, len(f.Params), len(f.ParamNames))
		}
		for _, m := range append(append([]Meta(nil), f.Params...), f.Results...) {
			if int(m.Key) >= nm {
				return fmt.Errorf("%w: func %s references meta %d", ErrMalformed, f.Name, m.Key)
			}
		}
	}
	for _, p := range bc.Packages {
		for _, m := range p.Members {
			switch m.Kind {
			case MemberType, MemberVar:
				if int(m.Type.Key) >= nm {
					return fmt.Errorf("%w: member %s.%s references meta %d", ErrMalformed, p.Name, m.Name, m.Type.Key)
				}
			case MemberFunc:
				if int(m.Func) >= nf {
					return fmt.Errorf("%w: member %s.%s references func %d", ErrMalformed, p.Name, m.Name, m.Func)
				}
			case MemberConst:
				if int(m.Const) >= len(bc.Consts) {
					return fmt.Errorf("%w: member %s.%s references const %d", ErrMalformed, p.Name, m.Name, m.Const)
				}
			default:
				return fmt.Errorf("%w: member %s.%s has kind %d", ErrMalformed, p.Name, m.Name, m.Kind)
			}
		}
	}
	for _, ix := range bc.Indices {
		if int(ix.Package) >= np || int(ix.Member) >= len(bc.Packages[ix.Package].Members) {
			return fmt.Errorf("%w: index %s out of range", ErrMalformed, ix.Name)
		}
	}
	if nf > 0 && int(bc.Entry) >= nf {
		return fmt.Errorf("%w: entry %d out of range", ErrMalformed, bc.Entry)
	}
	if int(bc.MainPkg) >= np {
		return fmt.Errorf("%w: main package %d out of range", ErrMalformed, bc.MainPkg)
	}
	return nil
}
