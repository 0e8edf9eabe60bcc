package value

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/golana/pkg/bytecode"
)

type fixture struct {
	bc     *bytecode.Bytecode
	record bytecode.Meta
	i16    bytecode.Meta
	u8     bytecode.Meta
	str    bytecode.Meta
	list   bytecode.Meta
	opt    bytecode.Meta
	iface  bytecode.Meta
	blanks bytecode.Meta
}

func newFixture() fixture {
	b := bytecode.NewBuilder()
	sol := b.SupportPackage()
	main := b.Package("main", "example.com/v")
	b.SetMain(main)

	var f fixture
	f.record = b.Named(main, "Record", b.Struct(
		bytecode.Field{Name: "Owner", Type: sol.PublicKey},
		bytecode.Field{Name: "Count", Type: b.Basic(bytecode.KindUint64)},
	))
	f.i16 = b.Basic(bytecode.KindInt16)
	f.u8 = b.Basic(bytecode.KindUint8)
	f.str = b.Basic(bytecode.KindString)
	f.list = b.Slice(f.i16)
	f.opt = b.Basic(bytecode.KindUint32).Ptr()
	f.iface = b.Interface()
	f.blanks = b.Slice(b.Struct())
	f.bc = b.Build()
	return f
}

func TestRecordLayout(t *testing.T) {
	f := newFixture()
	c := NewCodec(f.bc)

	zero, err := c.Zero(f.record)
	require.NoError(t, err)
	data, err := c.Encode(nil, f.record, zero)
	require.NoError(t, err)
	require.Len(t, data, 40)
	require.Equal(t, make([]byte, 40), data)

	s := zero.(*Struct)
	owner, ok := s.Field("Owner")
	require.True(t, ok)
	owner.Value.([]byte)[0] = 7
	count, _ := s.Field("Count")
	count.Value = uint64(0x0102)

	data, err = c.Encode(nil, f.record, s)
	require.NoError(t, err)
	require.Equal(t, byte(7), data[0])
	require.Equal(t, uint64(0x0102), binary.LittleEndian.Uint64(data[32:]))

	// Account data may carry trailing bytes past the value.
	v, n, err := c.Decode(f.record, append(data, 1, 2, 3))
	require.NoError(t, err)
	require.Equal(t, 40, n)
	got := v.(*Struct)
	require.Equal(t, f.record, got.Type)
	require.Equal(t, uint64(0x0102), got.Fields[1].Value)
}

func TestEmptyElements(t *testing.T) {
	f := newFixture()
	c := NewCodec(f.bc)

	// Elements that encode to nothing need no bytes past the length.
	v, n, err := c.Decode(f.blanks, binary.LittleEndian.AppendUint32(nil, 3))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Len(t, v.([]Value), 3)

	_, _, err = c.Decode(f.blanks, binary.LittleEndian.AppendUint32(nil, maxEmptyElements+1))
	require.ErrorIs(t, err, ErrOutOfRange)

	_, _, err = c.Decode(f.list, binary.LittleEndian.AppendUint32(nil, 3))
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestScalars(t *testing.T) {
	f := newFixture()
	c := NewCodec(f.bc)

	data, err := c.Encode(nil, f.i16, int64(-2))
	require.NoError(t, err)
	require.Equal(t, []byte{0xfe, 0xff}, data)
	v, _, err := c.Decode(f.i16, data)
	require.NoError(t, err)
	require.Equal(t, int64(-2), v)

	_, err = c.Encode(nil, f.i16, int64(1<<15))
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = c.Encode(nil, f.u8, uint64(256))
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = c.Encode(nil, f.u8, int64(1))
	require.ErrorIs(t, err, ErrTypeMismatch)

	data, err = c.Encode(nil, f.str, "hi")
	require.NoError(t, err)
	require.Equal(t, []byte{2, 0, 0, 0, 'h', 'i'}, data)

	_, _, err = c.Decode(f.str, []byte{9, 0, 0, 0, 'x'})
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestSlicesAndPointers(t *testing.T) {
	f := newFixture()
	c := NewCodec(f.bc)

	data, err := c.Encode(nil, f.list, []Value{int64(1), int64(-1)})
	require.NoError(t, err)
	require.Equal(t, []byte{2, 0, 0, 0, 1, 0, 0xff, 0xff}, data)
	v, n, err := c.Decode(f.list, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, []Value{int64(1), int64(-1)}, v)

	// A huge length must not allocate before the buffer runs out.
	_, _, err = c.Decode(f.list, []byte{0xff, 0xff, 0xff, 0x7f})
	require.ErrorIs(t, err, ErrShortBuffer)

	data, err = c.Encode(nil, f.opt, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0}, data)
	data, err = c.Encode(nil, f.opt, uint64(5))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 5, 0, 0, 0}, data)
	v, _, err = c.Decode(f.opt, data)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	zero, err := c.Zero(f.opt)
	require.NoError(t, err)
	require.Nil(t, zero)
}

func TestUnsupported(t *testing.T) {
	f := newFixture()
	c := NewCodec(f.bc)

	require.False(t, c.Supported(f.iface))
	require.True(t, c.Supported(f.record))
	require.False(t, c.Supported(bytecode.Meta{Key: f.record.Key, IsType: true}))

	_, err := c.Zero(f.iface)
	require.ErrorIs(t, err, ErrUnsupported)
	_, _, err = c.Decode(f.iface, []byte{0})
	require.ErrorIs(t, err, ErrUnsupported)
}
