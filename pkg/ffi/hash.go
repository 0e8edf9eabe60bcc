package ffi

import (
	"crypto/sha256"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/svm"
)

// NewHashModule returns digest calls over a string or byte buffer. Each is
// charged its base cost up front and one unit per input byte.
func NewHashModule() *ImportModule {
	return &ImportModule{
		Name: "hash",
		HostFunctions: map[string]HostFunction{
			"sha256":    {Cost: svm.CUSha256Base, Function: digest(sha256.New, svm.CUSha256PerByte)},
			"keccak256": {Cost: svm.CUKeccak256Base, Function: digest(sha3.NewLegacyKeccak256, svm.CUKeccak256PerByte)},
			"blake3":    {Cost: svm.CUBlake3Base, Function: digest(func() hash.Hash { return blake3.New() }, svm.CUBlake3PerByte)},
		},
	}
}

func digest(newHash func() hash.Hash, perByte uint64) Function {
	return func(ci *CallInfo, args *engine.Args) (any, error) {
		data, err := args.Bytes(0)
		if err != nil {
			return nil, err
		}
		if err := ci.ConsumeCU(perByte * uint64(len(data))); err != nil {
			return nil, err
		}
		h := newHash()
		h.Write(data)
		return h.Sum(nil), nil
	}
}
