package ffi

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/svm"
)

var (
	// ErrMathOverflow is returned when a result does not fit 64 bits.
	ErrMathOverflow = errors.New("math overflow")

	// ErrDivideByZero is returned for a zero scale.
	ErrDivideByZero = errors.New("divide by zero")
)

// NewMath2Module returns wide-intermediate integer helpers.
func NewMath2Module() *ImportModule {
	return &ImportModule{
		Name: "math2",
		HostFunctions: map[string]HostFunction{
			"geometry_mean": {Cost: svm.CUSyscallBase, Function: geometryMean},
			"scaled_mul":    {Cost: svm.CUSyscallBase, Function: scaledMul},
		},
	}
}

// GeometryMean returns floor(sqrt(x*y)). The product is taken at full
// width, so the result always fits.
func GeometryMean(x, y uint64) uint64 {
	z := new(uint256.Int).Mul(uint256.NewInt(x), uint256.NewInt(y))
	return z.Sqrt(z).Uint64()
}

// ScaledMul returns floor(x*y/scale).
func ScaledMul(x, y, scale uint64) (uint64, error) {
	if scale == 0 {
		return 0, ErrDivideByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(uint256.NewInt(x), uint256.NewInt(y), uint256.NewInt(scale))
	if overflow || !z.IsUint64() {
		return 0, ErrMathOverflow
	}
	return z.Uint64(), nil
}

func geometryMean(_ *CallInfo, args *engine.Args) (any, error) {
	x, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	y, err := args.Uint64(1)
	if err != nil {
		return nil, err
	}
	return GeometryMean(x, y), nil
}

// scaledMul returns [x*y/scale, err].
func scaledMul(_ *CallInfo, args *engine.Args) (any, error) {
	x, err := args.Uint64(0)
	if err != nil {
		return nil, err
	}
	y, err := args.Uint64(1)
	if err != nil {
		return nil, err
	}
	scale, err := args.Uint64(2)
	if err != nil {
		return nil, err
	}
	z, err := ScaledMul(x, y, scale)
	if err != nil {
		return []any{uint64(0), engine.Fail(err)}, nil
	}
	return []any{z, nil}, nil
}
