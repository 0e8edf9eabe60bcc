// Package programs registers the natively implemented programs with a
// runtime.
package programs

import (
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/associated"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
	"github.com/fortiblox/golana/pkg/svm/programs/token"
)

// RegisterBuiltins installs the system, token and associated token
// programs.
func RegisterBuiltins(rt *svm.Runtime) {
	rt.Register(system.ProgramID, system.NewProcessor())
	rt.Register(token.ProgramID, token.NewProcessor())
	rt.Register(associated.ProgramID, associated.NewProcessor())
}
