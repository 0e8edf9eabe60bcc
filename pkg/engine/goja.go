package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/value"
)

// PackagesGlobal is the global object holding guest functions by package
// and function name, e.g. pkg.main["Record.Check"].
const PackagesGlobal = "pkg"

// Config contains guest engine configuration.
type Config struct {
	// MaxCallStackSize bounds guest recursion.
	MaxCallStackSize int

	Logger *zap.Logger
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxCallStackSize: 256,
		Logger:           zap.NewNop(),
	}
}

// Goja runs guest function bodies as JavaScript. Each function is compiled
// once; every Instantiate gets a fresh runtime.
type Goja struct {
	bc       *bytecode.Bytecode
	cfg      Config
	programs []*goja.Program
}

var _ Engine = (*Goja)(nil)

// NewGoja compiles every function of bc.
func NewGoja(bc *bytecode.Bytecode, cfg Config) (*Goja, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	g := &Goja{bc: bc, cfg: cfg, programs: make([]*goja.Program, len(bc.Funcs))}
	for i, fn := range bc.Funcs {
		src := fmt.Sprintf("(function(%s) {\n%s\n})", strings.Join(fn.ParamNames, ", "), fn.Source)
		p, err := goja.Compile(fn.Package+"."+fn.Name, src, true)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrCompile, fn.Package, fn.Name, err)
		}
		g.programs[i] = p
	}
	cfg.Logger.Debug("compiled guest program", zap.Int("funcs", len(bc.Funcs)))
	return g, nil
}

// Bytecode returns the compiled program.
func (g *Goja) Bytecode() *bytecode.Bytecode { return g.bc }

// Instantiate creates a runtime with modules installed as globals. The
// runtime is interrupted when ctx ends.
func (g *Goja) Instantiate(ctx context.Context, modules Modules) (Instance, error) {
	vm := goja.New()
	if g.cfg.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(g.cfg.MaxCallStackSize)
	}
	in := &gojaInstance{
		bc:    g.bc,
		codec: value.NewCodec(g.bc),
		vm:    vm,
		funcs: make([]goja.Callable, len(g.programs)),
	}

	pkgs := vm.NewObject()
	for i, p := range g.programs {
		v, err := vm.RunProgram(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompile, err)
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return nil, fmt.Errorf("%w: func %d is not callable", ErrCompile, i)
		}
		in.funcs[i] = fn

		f := g.bc.Funcs[i]
		obj := pkgs.Get(f.Package)
		if obj == nil {
			obj = vm.NewObject()
			if err := pkgs.Set(f.Package, obj); err != nil {
				return nil, err
			}
		}
		if err := obj.ToObject(vm).Set(f.Name, v); err != nil {
			return nil, err
		}
	}
	if err := vm.Set(PackagesGlobal, pkgs); err != nil {
		return nil, err
	}

	for name, funcs := range modules {
		mod := vm.NewObject()
		for fname, fn := range funcs {
			if err := mod.Set(fname, in.hostFunc(name+"."+fname, fn)); err != nil {
				return nil, err
			}
		}
		if err := vm.Set(name, mod); err != nil {
			return nil, err
		}
	}

	in.stop = context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	return in, nil
}

type gojaInstance struct {
	bc    *bytecode.Bytecode
	codec *value.Codec
	vm    *goja.Runtime
	funcs []goja.Callable
	stop  func() bool

	mu     sync.Mutex
	fatal  error
	closed bool
}

func (in *gojaInstance) setFatal(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.fatal == nil {
		in.fatal = err
	}
}

func (in *gojaInstance) fatalErr() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.fatal
}

func (in *gojaInstance) hostFunc(name string, fn HostFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if in.fatalErr() != nil {
			in.vm.Interrupt(in.fatalErr())
			return goja.Undefined()
		}
		out, err := fn(&Args{in: in, call: call})
		if err == nil {
			var v goja.Value
			if v, err = in.export(out); err == nil {
				return v
			}
		}
		err = fmt.Errorf("%s: %w", name, err)
		in.setFatal(err)
		in.vm.Interrupt(err)
		return goja.Undefined()
	}
}

func (in *gojaInstance) Bind(m bytecode.Meta, v value.Value) (*Object, error) {
	if in.closed {
		return nil, ErrClosed
	}
	jv, err := in.toJS(m, v, 0)
	if err != nil {
		return nil, err
	}
	return &Object{Meta: m, ref: jv}, nil
}

func (in *gojaInstance) Field(obj *Object, i int) (value.Value, error) {
	if in.closed {
		return nil, ErrClosed
	}
	jv, ok := obj.ref.(goja.Value)
	if !ok {
		return nil, fmt.Errorf("%w: object not bound by this engine", value.ErrTypeMismatch)
	}
	st, err := in.bc.Underlying(obj.Meta.Deref())
	if err != nil {
		return nil, err
	}
	if st.Kind != bytecode.KindStruct || i < 0 || i >= len(st.Fields) {
		return nil, fmt.Errorf("%w: field %d of %s", value.ErrTypeMismatch, i, in.bc.TypeName(obj.Meta))
	}
	if isNullish(jv) {
		return nil, fmt.Errorf("%w: nil %s", value.ErrTypeMismatch, in.bc.TypeName(obj.Meta))
	}
	f := st.Fields[i]
	return in.fromJS(f.Type, jv.ToObject(in.vm).Get(f.Name), 0)
}

func (in *gojaInstance) Invoke(fn bytecode.FuncKey, this *Object, args ...value.Value) (result value.Value, err error) {
	if in.closed {
		return nil, ErrClosed
	}
	f, err := in.bc.Func(fn)
	if err != nil {
		return nil, err
	}
	if len(args) != len(f.Params) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrBadArgument, f.Name, len(f.Params), len(args))
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrGuestPanic, r)
		}
	}()

	thisJS := goja.Undefined()
	if this != nil {
		var ok bool
		if thisJS, ok = this.ref.(goja.Value); !ok {
			return nil, fmt.Errorf("%w: receiver not bound by this engine", value.ErrTypeMismatch)
		}
	}
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		if jsArgs[i], err = in.toJS(f.Params[i], a, 0); err != nil {
			return nil, fmt.Errorf("argument %s: %w", f.ParamNames[i], err)
		}
	}

	out, err := in.funcs[fn](thisJS, jsArgs...)
	if fatal := in.fatalErr(); fatal != nil {
		return nil, fatal
	}
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, cause
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrGuestPanic, err)
	}
	if len(f.Results) == 0 {
		return nil, nil
	}
	return in.fromJS(f.Results[0], out, 0)
}

func (in *gojaInstance) Close() {
	if in.closed {
		return
	}
	in.closed = true
	if in.stop != nil {
		in.stop()
	}
	in.vm.ClearInterrupt()
}
