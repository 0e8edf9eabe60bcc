package engine

import (
	"fmt"
	"math"
	"math/big"

	"github.com/dop251/goja"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/value"
)

// Guest representation:
//
//	bool                      boolean
//	int, int64, uint, uint64  BigInt
//	smaller integers, floats  number
//	string                    string
//	solana.PublicKey          base58 string
//	[N]uint8, []uint8         ArrayBuffer
//	other arrays and slices   Array
//	struct                    Object keyed by field name
//	nil pointer               null
//	*solana.AccountInfo       Object with the account's fields and Index

const maxDepth = 32

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

func isWide(k bytecode.Kind) bool {
	switch k {
	case bytecode.KindInt, bytecode.KindInt64, bytecode.KindUint, bytecode.KindUint64:
		return true
	}
	return false
}

// isPubkey reports whether m names solana.PublicKey.
func (in *gojaInstance) isPubkey(m bytecode.Meta) bool {
	t, err := in.bc.Type(m)
	return err == nil && t.Kind == bytecode.KindNamed && t.Package == "solana" && t.Name == "PublicKey"
}

func (in *gojaInstance) isBytes(t *bytecode.TypeMeta) bool {
	if t.Kind != bytecode.KindArray && t.Kind != bytecode.KindSlice {
		return false
	}
	elem, err := in.bc.Underlying(t.Elem)
	return err == nil && elem.Kind == bytecode.KindUint8
}

func (in *gojaInstance) account(a *value.Account) (goja.Value, error) {
	obj := in.vm.NewObject()
	props := []struct {
		name string
		v    any
	}{
		{"Index", a.Index},
		{"Key", a.Key.String()},
		{"Owner", a.Owner.String()},
		{"IsSigner", a.IsSigner},
		{"IsWritable", a.IsWritable},
		{"Executable", a.Executable},
		{"Lamports", new(big.Int).SetUint64(a.Lamports)},
		{"RentEpoch", new(big.Int).SetUint64(a.RentEpoch)},
	}
	for _, p := range props {
		if err := obj.Set(p.name, p.v); err != nil {
			return nil, fmt.Errorf("account %s: %w", p.name, err)
		}
	}
	return obj, nil
}

func (in *gojaInstance) toJS(m bytecode.Meta, v value.Value, depth int) (goja.Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: value nesting too deep", value.ErrUnsupported)
	}
	if a, ok := v.(*value.Account); ok {
		return in.account(a)
	}
	if m.PtrDepth > 0 {
		if v == nil {
			return goja.Null(), nil
		}
		return in.toJS(m.Deref(), v, depth+1)
	}
	if in.isPubkey(m) {
		b, ok := v.([]byte)
		if !ok || len(b) != types.PubkeySize {
			return nil, fmt.Errorf("%w: %T for solana.PublicKey", value.ErrTypeMismatch, v)
		}
		return in.vm.ToValue(types.Pubkey(b).String()), nil
	}
	t, err := in.bc.Underlying(m)
	if err != nil {
		return nil, err
	}
	mismatch := func() error {
		return fmt.Errorf("%w: %T for %s", value.ErrTypeMismatch, v, in.bc.TypeName(m))
	}

	switch {
	case t.Kind == bytecode.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch()
		}
		return in.vm.ToValue(b), nil

	case t.Kind.IsSigned():
		i, ok := v.(int64)
		if !ok {
			return nil, mismatch()
		}
		if isWide(t.Kind) {
			return in.vm.ToValue(big.NewInt(i)), nil
		}
		return in.vm.ToValue(i), nil

	case t.Kind.IsInteger():
		u, ok := v.(uint64)
		if !ok {
			return nil, mismatch()
		}
		if isWide(t.Kind) {
			return in.vm.ToValue(new(big.Int).SetUint64(u)), nil
		}
		return in.vm.ToValue(u), nil

	case t.Kind == bytecode.KindFloat32 || t.Kind == bytecode.KindFloat64:
		f, ok := v.(float64)
		if !ok {
			return nil, mismatch()
		}
		return in.vm.ToValue(f), nil

	case t.Kind == bytecode.KindString:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch()
		}
		return in.vm.ToValue(s), nil

	case in.isBytes(t):
		b, ok := v.([]byte)
		if !ok {
			return nil, mismatch()
		}
		return in.vm.ToValue(in.vm.NewArrayBuffer(append([]byte{}, b...))), nil

	case t.Kind == bytecode.KindArray || t.Kind == bytecode.KindSlice:
		elems, ok := v.([]value.Value)
		if !ok {
			return nil, mismatch()
		}
		out := make([]any, len(elems))
		for i, e := range elems {
			if out[i], err = in.toJS(t.Elem, e, depth+1); err != nil {
				return nil, err
			}
		}
		return in.vm.NewArray(out...), nil

	case t.Kind == bytecode.KindStruct:
		s, ok := v.(*value.Struct)
		if !ok {
			return nil, mismatch()
		}
		obj := in.vm.NewObject()
		for i, f := range t.Fields {
			var fv value.Value
			if i < len(s.Fields) {
				fv = s.Fields[i].Value
			}
			jv, err := in.toJS(f.Type, fv, depth+1)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			if err := obj.Set(f.Name, jv); err != nil {
				return nil, err
			}
		}
		return obj, nil

	default:
		return nil, fmt.Errorf("%w: %s", value.ErrUnsupported, t.Kind)
	}
}

// toInteger converts a guest number or BigInt to a big.Int.
func toInteger(v goja.Value) (*big.Int, bool) {
	if isNullish(v) {
		return nil, false
	}
	switch x := v.Export().(type) {
	case *big.Int:
		return x, true
	case int64:
		return big.NewInt(x), true
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return nil, false
		}
		f, _ := big.NewFloat(x).Int(nil)
		return f, true
	default:
		return nil, false
	}
}

// toBytes accepts an ArrayBuffer, a typed array or an array of numbers.
func toBytes(v goja.Value) ([]byte, bool) {
	if isNullish(v) {
		return nil, false
	}
	switch x := v.Export().(type) {
	case goja.ArrayBuffer:
		return append([]byte{}, x.Bytes()...), true
	case []byte:
		return append([]byte{}, x...), true
	case []any:
		out := make([]byte, len(x))
		for i, e := range x {
			var n int64
			switch e := e.(type) {
			case int64:
				n = e
			case float64:
				n = int64(e)
				if float64(n) != e {
					return nil, false
				}
			default:
				return nil, false
			}
			if n < 0 || n > math.MaxUint8 {
				return nil, false
			}
			out[i] = byte(n)
		}
		return out, true
	default:
		return nil, false
	}
}

func (in *gojaInstance) fromJS(m bytecode.Meta, jv goja.Value, depth int) (value.Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: value nesting too deep", value.ErrUnsupported)
	}
	if m.PtrDepth > 0 {
		if isNullish(jv) {
			return nil, nil
		}
		return in.fromJS(m.Deref(), jv, depth+1)
	}
	mismatch := func() error {
		return fmt.Errorf("%w: %v for %s", value.ErrTypeMismatch, jv, in.bc.TypeName(m))
	}
	if in.isPubkey(m) {
		if isNullish(jv) {
			return nil, mismatch()
		}
		if s, ok := jv.Export().(string); ok {
			pk, err := types.PubkeyFromBase58(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", value.ErrTypeMismatch, err)
			}
			return pk.Bytes(), nil
		}
		b, ok := toBytes(jv)
		if !ok || len(b) != types.PubkeySize {
			return nil, mismatch()
		}
		return b, nil
	}
	t, err := in.bc.Underlying(m)
	if err != nil {
		return nil, err
	}

	switch {
	case t.Kind == bytecode.KindBool:
		b, ok := jv.Export().(bool)
		if isNullish(jv) || !ok {
			return nil, mismatch()
		}
		return b, nil

	case t.Kind.IsSigned():
		n, ok := toInteger(jv)
		if !ok || !n.IsInt64() {
			return nil, mismatch()
		}
		return n.Int64(), nil

	case t.Kind.IsInteger():
		n, ok := toInteger(jv)
		if !ok || !n.IsUint64() {
			return nil, mismatch()
		}
		return n.Uint64(), nil

	case t.Kind == bytecode.KindFloat32 || t.Kind == bytecode.KindFloat64:
		if isNullish(jv) {
			return nil, mismatch()
		}
		return jv.ToFloat(), nil

	case t.Kind == bytecode.KindString:
		s, ok := jv.Export().(string)
		if isNullish(jv) || !ok {
			return nil, mismatch()
		}
		return s, nil

	case in.isBytes(t):
		b, ok := toBytes(jv)
		if !ok {
			return nil, mismatch()
		}
		if t.Kind == bytecode.KindArray && len(b) != int(t.Len) {
			return nil, mismatch()
		}
		return b, nil

	case t.Kind == bytecode.KindArray || t.Kind == bytecode.KindSlice:
		if isNullish(jv) {
			if t.Kind == bytecode.KindSlice {
				return []value.Value{}, nil
			}
			return nil, mismatch()
		}
		obj := jv.ToObject(in.vm)
		n := int(obj.Get("length").ToInteger())
		if t.Kind == bytecode.KindArray && n != int(t.Len) {
			return nil, mismatch()
		}
		out := make([]value.Value, n)
		for i := range out {
			if out[i], err = in.fromJS(t.Elem, obj.Get(fmt.Sprint(i)), depth+1); err != nil {
				return nil, err
			}
		}
		return out, nil

	case t.Kind == bytecode.KindStruct:
		if isNullish(jv) {
			return nil, mismatch()
		}
		obj := jv.ToObject(in.vm)
		s := &value.Struct{Type: m, Fields: make([]value.Field, len(t.Fields))}
		for i, f := range t.Fields {
			fv, err := in.fromJS(f.Type, obj.Get(f.Name), depth+1)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			s.Fields[i] = value.Field{Name: f.Name, Type: f.Type, Value: fv}
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %s", value.ErrUnsupported, t.Kind)
	}
}

// export converts a host call result to a guest value.
func (in *gojaInstance) export(v any) (goja.Value, error) {
	switch x := v.(type) {
	case nil:
		return goja.Null(), nil
	case goja.Value:
		return x, nil
	case bool, string, int, int64, float64:
		return in.vm.ToValue(x), nil
	case uint8:
		return in.vm.ToValue(int64(x)), nil
	case uint32:
		return in.vm.ToValue(int64(x)), nil
	case uint64:
		return in.vm.ToValue(new(big.Int).SetUint64(x)), nil
	case *big.Int:
		return in.vm.ToValue(x), nil
	case []byte:
		return in.vm.ToValue(in.vm.NewArrayBuffer(append([]byte{}, x...))), nil
	case types.Pubkey:
		return in.vm.ToValue(x.String()), nil
	case *types.Pubkey:
		if x == nil {
			return goja.Null(), nil
		}
		return in.vm.ToValue(x.String()), nil
	case *Object:
		jv, ok := x.ref.(goja.Value)
		if !ok {
			return nil, fmt.Errorf("%w: object not bound by this engine", value.ErrTypeMismatch)
		}
		return jv, nil
	case *value.Account:
		return in.account(x)
	case *GuestError:
		return in.vm.ToValue(x), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			jv, err := in.export(e)
			if err != nil {
				return nil, err
			}
			out[i] = jv
		}
		return in.vm.NewArray(out...), nil
	case map[string]any:
		obj := in.vm.NewObject()
		for k, e := range x {
			jv, err := in.export(e)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(k, jv); err != nil {
				return nil, err
			}
		}
		return obj, nil
	case *value.Struct:
		return in.toJS(x.Type, x, 0)
	default:
		return nil, fmt.Errorf("%w: cannot return %T to the guest", value.ErrUnsupported, v)
	}
}
