// Package value holds the host-side representation of guest values and the
// binary codec used for account data and instruction arguments.
//
// Values are plain Go data: bool, int64 for signed integers, uint64 for
// unsigned integers, float64, string, []byte for uint8 arrays and slices,
// []Value for other arrays and slices, *Struct for structs and nil for a
// nil pointer. The encoding is borsh: little-endian fixed width integers,
// u32 length prefixes, a one byte tag in front of pointers.
package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/bytecode"
)

// Value is a guest value.
type Value = any

// Account is the guest handle of a native account.
type Account struct {
	Index      int
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	RentEpoch  uint64
	IsSigner   bool
	IsWritable bool
	Executable bool
}

// Field is one struct field.
type Field struct {
	Name  string
	Type  bytecode.Meta
	Value Value
}

// Struct is a struct value. Type is the meta the value was built from,
// usually a named type.
type Struct struct {
	Type   bytecode.Meta
	Fields []Field
}

// Field returns the field with the given name.
func (s *Struct) Field(name string) (*Field, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

var (
	// ErrShortBuffer is returned when the input ends inside a value.
	ErrShortBuffer = errors.New("value: short buffer")

	// ErrUnsupported is returned for kinds with no binary encoding.
	ErrUnsupported = errors.New("value: unsupported kind")

	// ErrTypeMismatch is returned when a Go value does not fit its meta.
	ErrTypeMismatch = errors.New("value: type mismatch")

	// ErrOutOfRange is returned for integers that overflow their kind.
	ErrOutOfRange = errors.New("value: integer out of range")
)

const maxDepth = 32

// maxEmptyElements bounds sequences whose elements encode to no bytes.
const maxEmptyElements = 1 << 16

// Codec encodes and decodes values of one program's types.
type Codec struct {
	bc *bytecode.Bytecode
}

// NewCodec returns a codec over bc's type table.
func NewCodec(bc *bytecode.Bytecode) *Codec {
	return &Codec{bc: bc}
}

// Bytecode returns the program the codec was built for.
func (c *Codec) Bytecode() *bytecode.Bytecode { return c.bc }

// IntWidth returns the encoded byte width of an integer kind.
func IntWidth(k bytecode.Kind) int {
	switch k {
	case bytecode.KindInt8, bytecode.KindUint8:
		return 1
	case bytecode.KindInt16, bytecode.KindUint16:
		return 2
	case bytecode.KindInt32, bytecode.KindUint32:
		return 4
	default:
		return 8
	}
}

// Supported reports whether values of m can be encoded.
func (c *Codec) Supported(m bytecode.Meta) bool {
	return c.supported(m, 0)
}

func (c *Codec) supported(m bytecode.Meta, depth int) bool {
	if depth > maxDepth || m.IsType {
		return false
	}
	t, err := c.bc.Underlying(m)
	if err != nil {
		return false
	}
	switch {
	case t.Kind.IsBasic():
		return true
	case t.Kind == bytecode.KindArray || t.Kind == bytecode.KindSlice:
		return c.supported(t.Elem, depth+1)
	case t.Kind == bytecode.KindStruct:
		for _, f := range t.Fields {
			if !c.supported(f.Type, depth+1) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// empty reports whether values of m encode to zero bytes.
func (c *Codec) empty(m bytecode.Meta, depth int) bool {
	if depth > maxDepth || m.PtrDepth > 0 {
		return false
	}
	t, err := c.bc.Underlying(m)
	if err != nil {
		return false
	}
	switch t.Kind {
	case bytecode.KindArray:
		return t.Len == 0 || c.empty(t.Elem, depth+1)
	case bytecode.KindStruct:
		for _, f := range t.Fields {
			if !c.empty(f.Type, depth+1) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (c *Codec) isBytes(t *bytecode.TypeMeta) bool {
	if t.Kind != bytecode.KindArray && t.Kind != bytecode.KindSlice {
		return false
	}
	elem, err := c.bc.Underlying(t.Elem)
	return err == nil && elem.Kind == bytecode.KindUint8
}

// Zero returns the zero value of m.
func (c *Codec) Zero(m bytecode.Meta) (Value, error) {
	return c.zero(m, 0)
}

func (c *Codec) zero(m bytecode.Meta, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: type nesting too deep", ErrUnsupported)
	}
	if m.PtrDepth > 0 {
		return nil, nil
	}
	t, err := c.bc.Underlying(m)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Kind == bytecode.KindBool:
		return false, nil
	case t.Kind.IsSigned():
		return int64(0), nil
	case t.Kind.IsInteger():
		return uint64(0), nil
	case t.Kind == bytecode.KindFloat32 || t.Kind == bytecode.KindFloat64:
		return float64(0), nil
	case t.Kind == bytecode.KindString:
		return "", nil
	case c.isBytes(t):
		if t.Kind == bytecode.KindArray {
			return make([]byte, t.Len), nil
		}
		return []byte{}, nil
	case t.Kind == bytecode.KindArray:
		out := make([]Value, t.Len)
		for i := range out {
			if out[i], err = c.zero(t.Elem, depth+1); err != nil {
				return nil, err
			}
		}
		return out, nil
	case t.Kind == bytecode.KindSlice:
		return []Value{}, nil
	case t.Kind == bytecode.KindStruct:
		s := &Struct{Type: m, Fields: make([]Field, len(t.Fields))}
		for i, f := range t.Fields {
			v, err := c.zero(f.Type, depth+1)
			if err != nil {
				return nil, err
			}
			s.Fields[i] = Field{Name: f.Name, Type: f.Type, Value: v}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t.Kind)
	}
}

// Decode reads one value of type m from data and returns it with the
// number of bytes consumed.
func (c *Codec) Decode(m bytecode.Meta, data []byte) (Value, int, error) {
	d := decoder{c: c, buf: data}
	v, err := d.value(m, 0)
	if err != nil {
		return nil, 0, err
	}
	return v, d.off, nil
}

type decoder struct {
	c   *Codec
	buf []byte
	off int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || n > len(d.buf)-d.off {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrShortBuffer, n, d.off)
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) length() (int, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint32(b)), nil
}

func (d *decoder) value(m bytecode.Meta, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: type nesting too deep", ErrUnsupported)
	}
	if m.PtrDepth > 0 {
		tag, err := d.take(1)
		if err != nil {
			return nil, err
		}
		switch tag[0] {
		case 0:
			return nil, nil
		case 1:
			return d.value(m.Deref(), depth+1)
		default:
			return nil, fmt.Errorf("%w: bad pointer tag %d", ErrTypeMismatch, tag[0])
		}
	}
	t, err := d.c.bc.Underlying(m)
	if err != nil {
		return nil, err
	}

	switch {
	case t.Kind == bytecode.KindBool:
		b, err := d.take(1)
		if err != nil {
			return nil, err
		}
		if b[0] > 1 {
			return nil, fmt.Errorf("%w: bool byte %d", ErrTypeMismatch, b[0])
		}
		return b[0] == 1, nil

	case t.Kind.IsInteger():
		w := IntWidth(t.Kind)
		b, err := d.take(w)
		if err != nil {
			return nil, err
		}
		var u uint64
		for i := w - 1; i >= 0; i-- {
			u = u<<8 | uint64(b[i])
		}
		if t.Kind.IsSigned() {
			shift := 64 - 8*w
			return int64(u<<shift) >> shift, nil
		}
		return u, nil

	case t.Kind == bytecode.KindFloat32:
		b, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil

	case t.Kind == bytecode.KindFloat64:
		b, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil

	case t.Kind == bytecode.KindString:
		n, err := d.length()
		if err != nil {
			return nil, err
		}
		b, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return string(b), nil

	case t.Kind == bytecode.KindArray || t.Kind == bytecode.KindSlice:
		n := int(t.Len)
		if t.Kind == bytecode.KindSlice {
			if n, err = d.length(); err != nil {
				return nil, err
			}
		}
		if d.c.isBytes(t) {
			b, err := d.take(n)
			if err != nil {
				return nil, err
			}
			return append([]byte{}, b...), nil
		}
		if d.c.empty(t.Elem, depth+1) {
			if n > maxEmptyElements {
				return nil, fmt.Errorf("%w: %d empty elements", ErrOutOfRange, n)
			}
		} else if n > len(d.buf)-d.off {
			return nil, fmt.Errorf("%w: %d elements", ErrShortBuffer, n)
		}
		out := make([]Value, n)
		for i := range out {
			if out[i], err = d.value(t.Elem, depth+1); err != nil {
				return nil, err
			}
		}
		return out, nil

	case t.Kind == bytecode.KindStruct:
		s := &Struct{Type: m, Fields: make([]Field, len(t.Fields))}
		for i, f := range t.Fields {
			v, err := d.value(f.Type, depth+1)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			s.Fields[i] = Field{Name: f.Name, Type: f.Type, Value: v}
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t.Kind)
	}
}

// Encode appends the encoding of v as type m to dst.
func (c *Codec) Encode(dst []byte, m bytecode.Meta, v Value) ([]byte, error) {
	return c.encode(dst, m, v, 0)
}

func (c *Codec) encode(dst []byte, m bytecode.Meta, v Value, depth int) ([]byte, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: type nesting too deep", ErrUnsupported)
	}
	if m.PtrDepth > 0 {
		if v == nil {
			return append(dst, 0), nil
		}
		return c.encode(append(dst, 1), m.Deref(), v, depth+1)
	}
	t, err := c.bc.Underlying(m)
	if err != nil {
		return nil, err
	}
	mismatch := func() error {
		return fmt.Errorf("%w: %T for %s", ErrTypeMismatch, v, c.bc.TypeName(m))
	}

	switch {
	case t.Kind == bytecode.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		if b {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil

	case t.Kind.IsSigned():
		i, ok := v.(int64)
		if !ok {
			return nil, mismatch()
		}
		w := IntWidth(t.Kind)
		if w < 8 {
			lim := int64(1) << (8*w - 1)
			if i < -lim || i >= lim {
				return nil, fmt.Errorf("%w: %d for %s", ErrOutOfRange, i, t.Kind)
			}
		}
		return appendUint(dst, uint64(i), w), nil

	case t.Kind.IsInteger():
		u, ok := v.(uint64)
		if !ok {
			return nil, mismatch()
		}
		w := IntWidth(t.Kind)
		if w < 8 && u >= uint64(1)<<(8*w) {
			return nil, fmt.Errorf("%w: %d for %s", ErrOutOfRange, u, t.Kind)
		}
		return appendUint(dst, u, w), nil

	case t.Kind == bytecode.KindFloat32:
		f, ok := v.(float64)
		if !ok {
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(f))), nil

	case t.Kind == bytecode.KindFloat64:
		f, ok := v.(float64)
		if !ok {
			return nil, mismatch()
		}
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(f)), nil

	case t.Kind == bytecode.KindString:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s)))
		return append(dst, s...), nil

	case c.isBytes(t):
		b, ok := v.([]byte)
		if !ok {
			return nil, mismatch()
		}
		if t.Kind == bytecode.KindArray {
			if len(b) != int(t.Len) {
				return nil, fmt.Errorf("%w: %d bytes for %s", ErrTypeMismatch, len(b), c.bc.TypeName(m))
			}
		} else {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
		}
		return append(dst, b...), nil

	case t.Kind == bytecode.KindArray || t.Kind == bytecode.KindSlice:
		elems, ok := v.([]Value)
		if !ok {
			return nil, mismatch()
		}
		if t.Kind == bytecode.KindArray {
			if len(elems) != int(t.Len) {
				return nil, fmt.Errorf("%w: %d elements for %s", ErrTypeMismatch, len(elems), c.bc.TypeName(m))
			}
		} else {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(elems)))
		}
		for _, e := range elems {
			if dst, err = c.encode(dst, t.Elem, e, depth+1); err != nil {
				return nil, err
			}
		}
		return dst, nil

	case t.Kind == bytecode.KindStruct:
		s, ok := v.(*Struct)
		if !ok || len(s.Fields) != len(t.Fields) {
			return nil, mismatch()
		}
		for i, f := range t.Fields {
			if dst, err = c.encode(dst, f.Type, s.Fields[i].Value, depth+1); err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
		}
		return dst, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t.Kind)
	}
}

func appendUint(dst []byte, u uint64, width int) []byte {
	for i := 0; i < width; i++ {
		dst = append(dst, byte(u>>(8*i)))
	}
	return dst
}
