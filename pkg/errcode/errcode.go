// Package errcode defines the numbered error codes returned by the golana
// loader. Codes start at 6000 so they never collide with the codes native
// programs return.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a loader error code. Codes are comparable with errors.Is after
// being wrapped with fmt.Errorf("...: %w", code).
type Code uint32

// Base is the first loader error code.
const Base Code = 6000

const (
	// Deployment identity.
	WrongHandle Code = Base + iota
	HandleTooLong

	// Metadata checker.
	IxNotFound
	MetaNotFound
	MethodNotFound
	NonPointerReceiver
	PointerAccount
	NonPointerDataDeclare
	AccountNamePrefixReserved
	DataTypeNotFound
	DataTypeNotSpecified
	WrongArgType

	// Finalize sequencing.
	WrongFinalizeStep

	// Runtime marshalling.
	RtCheckBadIxId
	RtCheckAccountCount
	RtCheckSigner
	RtCheckMutable

	// Host calls.
	BadAuthorityType

	// Metadata checker, later additions.
	NonPointerAccountInfo
	DuplicatedDataDeclare
	BadDataDeclare
	BadDataDeclareTag

	// Loader state.
	NotFinalized
	AlreadyFinalized
	ContentChanged
	MalformedBytecode
	AccountDiscriminatorMismatch
	Unauthorized
	ContentOverflow
)

var names = map[Code]struct {
	name string
	msg  string
}{
	WrongHandle:                  {"WrongHandle", "handle does not match the account address"},
	HandleTooLong:                {"HandleTooLong", "handle is too long"},
	IxNotFound:                   {"IxNotFound", "no Ix struct found in the main package"},
	MetaNotFound:                 {"MetaNotFound", "AccountInfo metadata not found, solana package not imported?"},
	MethodNotFound:               {"MethodNotFound", "method Process not found on the Ix struct"},
	NonPointerReceiver:           {"NonPointerReceiver", "method Process must have a pointer receiver"},
	PointerAccount:               {"PointerAccount", "account field must be a single pointer"},
	NonPointerDataDeclare:        {"NonPointerDataDeclare", "account data field must be a pointer"},
	AccountNamePrefixReserved:    {"AccountNamePrefixReserved", "account name may only prefix a data declaration"},
	DataTypeNotFound:             {"DataTypeNotFound", "account data type is not a declared struct type"},
	DataTypeNotSpecified:         {"DataTypeNotSpecified", "account data type is not a named type"},
	WrongArgType:                 {"WrongArgType", "argument type is not supported"},
	WrongFinalizeStep:            {"WrongFinalizeStep", "unexpected finalize step"},
	RtCheckBadIxId:               {"RtCheckBadIxId", "no instruction found with the provided id"},
	RtCheckAccountCount:          {"RtCheckAccountCount", "unexpected account count"},
	RtCheckSigner:                {"RtCheckSigner", "signer flag does not match"},
	RtCheckMutable:               {"RtCheckMutable", "mutable flag does not match"},
	BadAuthorityType:             {"BadAuthorityType", "bad authority type value"},
	NonPointerAccountInfo:        {"NonPointerAccountInfo", "account field must be a pointer"},
	DuplicatedDataDeclare:        {"DuplicatedDataDeclare", "account data declared twice"},
	BadDataDeclare:               {"BadDataDeclare", "account data declared for an unknown account"},
	BadDataDeclareTag:            {"BadDataDeclareTag", "unknown account data tag"},
	NotFinalized:                 {"NotFinalized", "bytecode is not finalized"},
	AlreadyFinalized:             {"AlreadyFinalized", "bytecode is already finalized"},
	ContentChanged:               {"ContentChanged", "bytecode content changed during finalize"},
	MalformedBytecode:            {"MalformedBytecode", "malformed bytecode"},
	AccountDiscriminatorMismatch: {"AccountDiscriminatorMismatch", "account discriminator mismatch"},
	Unauthorized:                 {"Unauthorized", "authority does not match"},
	ContentOverflow:              {"ContentOverflow", "write exceeds bytecode capacity"},
}

// Name returns the symbolic name of the code.
func (c Code) Name() string {
	if n, ok := names[c]; ok {
		return n.name
	}
	return fmt.Sprintf("Code(%d)", uint32(c))
}

// Error implements error.
func (c Code) Error() string {
	n, ok := names[c]
	if !ok {
		return fmt.Sprintf("unknown error code %d", uint32(c))
	}
	return fmt.Sprintf("%s (%d): %s", n.name, uint32(c), n.msg)
}

// As extracts the first Code in err's chain.
func As(err error) (Code, bool) {
	var c Code
	if errors.As(err, &c) {
		return c, true
	}
	return 0, false
}
