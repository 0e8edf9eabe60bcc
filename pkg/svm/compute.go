package svm

import (
	"sync/atomic"
)

// Compute unit cost constants.
const (
	CUDefault     = uint64(200_000)   // Default CU limit per transaction
	CUMax         = uint64(1_400_000) // Max CU limit per transaction
	CUSyscallBase = uint64(100)       // Base cost for host calls
	CUInvokeBase  = uint64(1_000)     // Base cost for CPI

	// Cryptographic operations
	CUSha256Base       = uint64(85)
	CUSha256PerByte    = uint64(1)
	CUKeccak256Base    = uint64(85)
	CUKeccak256PerByte = uint64(1)
	CUBlake3Base       = uint64(85)
	CUBlake3PerByte    = uint64(1)

	// Address derivation
	CUCreateProgramAddress = uint64(1_500) // create_program_address
	CUFindProgramAddress   = uint64(1_500) // find_program_address per iteration

	// Native program defaults
	CUSystemProgramDefault   = uint64(150)
	CUTokenProgramDefault    = uint64(2_000)
	CUAssociatedTokenDefault = uint64(3_000)
	CULogBase                = uint64(100)
)

// MaxInvokeDepth is the deepest allowed stack height, the top-level
// instruction included.
const MaxInvokeDepth = 5

// ComputeMeter tracks compute unit consumption.
type ComputeMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
}

// NewComputeMeter creates a new compute meter with the specified limit.
func NewComputeMeter(limit uint64) *ComputeMeter {
	if limit > CUMax {
		limit = CUMax
	}
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume attempts to consume the specified compute units.
// Returns ErrComputeExceeded if insufficient units remain; the meter is
// drained in that case.
func (cm *ComputeMeter) Consume(cost uint64) error {
	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			atomic.StoreUint64(&cm.remaining, 0)
			atomic.AddUint64(&cm.consumed, remaining)
			return ErrComputeExceeded
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&cm.consumed, cost)
			return nil
		}
	}
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the total consumed compute units.
func (cm *ComputeMeter) Consumed() uint64 {
	return atomic.LoadUint64(&cm.consumed)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}
