package engine

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/dop251/goja"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/value"
)

// Args is the argument list of one host call.
type Args struct {
	in   *gojaInstance
	call goja.FunctionCall
}

// Len returns the number of arguments passed.
func (a *Args) Len() int {
	return len(a.call.Arguments)
}

func (a *Args) arg(i int) (goja.Value, error) {
	if i < 0 || i >= len(a.call.Arguments) {
		return nil, fmt.Errorf("%w: missing argument %d", ErrBadArgument, i)
	}
	return a.call.Arguments[i], nil
}

func (a *Args) bad(i int, want string, v goja.Value) error {
	return fmt.Errorf("%w: argument %d: want %s, got %v", ErrBadArgument, i, want, v)
}

// Uint64 reads a non-negative integer.
func (a *Args) Uint64(i int) (uint64, error) {
	v, err := a.arg(i)
	if err != nil {
		return 0, err
	}
	n, ok := toInteger(v)
	if !ok || !n.IsUint64() {
		return 0, a.bad(i, "uint64", v)
	}
	return n.Uint64(), nil
}

// Int reads an integer that fits an int.
func (a *Args) Int(i int) (int, error) {
	v, err := a.arg(i)
	if err != nil {
		return 0, err
	}
	n, ok := toInteger(v)
	if !ok || !n.IsInt64() || n.Int64() > math.MaxInt32 || n.Int64() < math.MinInt32 {
		return 0, a.bad(i, "int", v)
	}
	return int(n.Int64()), nil
}

// Uint8 reads an integer in [0, 255].
func (a *Args) Uint8(i int) (uint8, error) {
	n, err := a.Uint64(i)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint8 {
		return 0, fmt.Errorf("%w: argument %d: %d overflows uint8", ErrBadArgument, i, n)
	}
	return uint8(n), nil
}

// Bool reads a boolean.
func (a *Args) Bool(i int) (bool, error) {
	v, err := a.arg(i)
	if err != nil {
		return false, err
	}
	b, ok := v.Export().(bool)
	if isNullish(v) || !ok {
		return false, a.bad(i, "bool", v)
	}
	return b, nil
}

// String reads a string.
func (a *Args) String(i int) (string, error) {
	v, err := a.arg(i)
	if err != nil {
		return "", err
	}
	s, ok := v.Export().(string)
	if isNullish(v) || !ok {
		return "", a.bad(i, "string", v)
	}
	return s, nil
}

// Bytes reads a byte buffer. A string argument yields its UTF-8 bytes.
func (a *Args) Bytes(i int) ([]byte, error) {
	v, err := a.arg(i)
	if err != nil {
		return nil, err
	}
	if s, ok := v.Export().(string); ok && !isNullish(v) {
		return []byte(s), nil
	}
	b, ok := toBytes(v)
	if !ok {
		return nil, a.bad(i, "bytes", v)
	}
	return b, nil
}

// Pubkey reads a public key given as base58 text or 32 bytes.
func (a *Args) Pubkey(i int) (types.Pubkey, error) {
	v, err := a.arg(i)
	if err != nil {
		return types.Pubkey{}, err
	}
	if s, ok := v.Export().(string); ok && !isNullish(v) {
		pk, err := types.PubkeyFromBase58(s)
		if err != nil {
			return types.Pubkey{}, a.bad(i, "pubkey", v)
		}
		return pk, nil
	}
	b, ok := toBytes(v)
	if !ok {
		return types.Pubkey{}, a.bad(i, "pubkey", v)
	}
	pk, err := types.PubkeyFromBytes(b)
	if err != nil {
		return types.Pubkey{}, a.bad(i, "pubkey", v)
	}
	return pk, nil
}

// OptionalPubkey reads a public key or null.
func (a *Args) OptionalPubkey(i int) (*types.Pubkey, error) {
	v, err := a.arg(i)
	if err != nil {
		return nil, err
	}
	if isNullish(v) {
		return nil, nil
	}
	pk, err := a.Pubkey(i)
	if err != nil {
		return nil, err
	}
	return &pk, nil
}

// AccountIndex reads an account reference: either an account handle
// object or its index.
func (a *Args) AccountIndex(i int) (int, error) {
	v, err := a.arg(i)
	if err != nil {
		return 0, err
	}
	if obj, ok := v.(*goja.Object); ok {
		v = obj.Get("Index")
	}
	n, ok := toInteger(v)
	if !ok || !n.IsInt64() || n.Int64() < 0 || n.Int64() > math.MaxInt32 {
		return 0, a.bad(i, "account", v)
	}
	return int(n.Int64()), nil
}

// Seeds reads a signer seed list: an array of {Seed, Bump} objects. A null
// argument yields no seeds.
func (a *Args) Seeds(i int) ([]Seed, error) {
	v, err := a.arg(i)
	if err != nil || isNullish(v) {
		return nil, nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, a.bad(i, "seed list", v)
	}
	n := int(obj.Get("length").ToInteger())
	seeds := make([]Seed, 0, n)
	for j := 0; j < n; j++ {
		e, ok := obj.Get(fmt.Sprint(j)).(*goja.Object)
		if !ok {
			return nil, a.bad(i, "seed object", obj.Get(fmt.Sprint(j)))
		}
		seed, ok := e.Get("Seed").Export().(string)
		if !ok {
			return nil, a.bad(i, "seed string", e.Get("Seed"))
		}
		bump, ok := toInteger(e.Get("Bump"))
		if !ok || !bump.IsUint64() || bump.Uint64() > math.MaxUint8 {
			return nil, a.bad(i, "seed bump", e.Get("Bump"))
		}
		seeds = append(seeds, Seed{Seed: seed, Bump: uint8(bump.Uint64())})
	}
	return seeds, nil
}

// Error reads an error handle previously returned to the guest.
func (a *Args) Error(i int) (*GuestError, error) {
	v, err := a.arg(i)
	if err != nil {
		return nil, err
	}
	if isNullish(v) {
		return nil, nil
	}
	ge, ok := v.Export().(*GuestError)
	if !ok {
		return nil, a.bad(i, "error", v)
	}
	return ge, nil
}

// Typed reads argument i as a value of type m.
func (a *Args) Typed(i int, m bytecode.Meta) (value.Value, error) {
	v, err := a.arg(i)
	if err != nil {
		return nil, err
	}
	out, err := a.in.fromJS(m, v, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: argument %d: %v", ErrBadArgument, i, err)
	}
	return out, nil
}

// Display renders arguments from i on for printing, separated by commas.
func (a *Args) Display(i int) string {
	var parts []string
	for j := i; j < len(a.call.Arguments); j++ {
		parts = append(parts, display(a.call.Arguments[j]))
	}
	return strings.Join(parts, ", ")
}

func display(v goja.Value) string {
	if isNullish(v) {
		return "<nil>"
	}
	switch x := v.Export().(type) {
	case goja.ArrayBuffer:
		return "0x" + hex.EncodeToString(x.Bytes())
	case *GuestError:
		return x.Error()
	}
	return v.String()
}
