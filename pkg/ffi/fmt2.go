package ffi

import (
	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/svm"
)

// NewFmt2Module returns the guest's printing calls.
func NewFmt2Module() *ImportModule {
	return &ImportModule{
		Name: "fmt2",
		HostFunctions: map[string]HostFunction{
			"println": {Cost: svm.CULogBase, Function: println2},
		},
	}
}

// println2 logs its arguments joined by ", ". Null prints as <nil>.
func println2(ci *CallInfo, args *engine.Args) (any, error) {
	ci.log(args.Display(0))
	return nil, nil
}
