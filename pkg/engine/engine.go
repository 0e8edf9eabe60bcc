// Package engine is the boundary between the loader and the guest
// interpreter.
//
// The loader never looks inside guest objects directly. It binds host
// values into an Instance, invokes a function by key and reads bound values
// back. Host calls reach the guest as Modules: named groups of functions the
// guest calls like solana.commit_everything().
package engine

import (
	"context"
	"errors"

	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/value"
)

var (
	// ErrGuestPanic is returned when guest code throws or the engine
	// panics while running it.
	ErrGuestPanic = errors.New("guest panic")

	// ErrCompile is returned when a function body does not compile.
	ErrCompile = errors.New("guest compile error")

	// ErrBadArgument is returned by Args accessors for a missing or
	// mistyped host call argument. It is fatal to the call.
	ErrBadArgument = errors.New("bad host call argument")

	// ErrClosed is returned when an instance is used after Close.
	ErrClosed = errors.New("engine instance closed")
)

// HostFunc implements one host call. A non-nil error aborts the guest and
// cannot be caught by it. Domain failures the guest should see are
// returned as a *GuestError value instead.
type HostFunc func(args *Args) (any, error)

// Modules maps module name to function name to implementation.
type Modules map[string]map[string]HostFunc

// GuestError is an error handed to the guest as an opaque value.
type GuestError struct {
	Err error
}

func (e *GuestError) Error() string { return e.Err.Error() }

func (e *GuestError) Unwrap() error { return e.Err }

// Fail wraps err for return to the guest. A nil err yields nil, which the
// guest sees as null.
func Fail(err error) any {
	if err == nil {
		return nil
	}
	return &GuestError{Err: err}
}

// Seed is one PDA signer seed as the guest passes it.
type Seed struct {
	Seed string
	Bump uint8
}

// Object is a value bound into an instance.
type Object struct {
	Meta bytecode.Meta
	ref  any
}

// Engine creates instances of one compiled program.
type Engine interface {
	Instantiate(ctx context.Context, modules Modules) (Instance, error)
}

// Instance is one execution environment. It is not safe for concurrent
// use.
type Instance interface {
	// Bind converts v, a value of type m, into a guest object.
	Bind(m bytecode.Meta, v value.Value) (*Object, error)

	// Invoke calls fn with this as receiver and returns its first result,
	// or nil for functions without results.
	Invoke(fn bytecode.FuncKey, this *Object, args ...value.Value) (value.Value, error)

	// Field reads field i of a bound struct object back into a Go value.
	Field(obj *Object, i int) (value.Value, error)

	Close()
}
