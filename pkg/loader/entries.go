package loader

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/golana/internal/types"
	accountspkg "github.com/fortiblox/golana/pkg/accounts"
	"github.com/fortiblox/golana/pkg/errcode"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
)

// MaxContentSize is the largest bytecode image an account can hold.
const MaxContentSize = accountspkg.MaxAccountDataSize - BytecodeHeaderLen

// Addresses returns the bytecode and memdump addresses of authority's
// deployment named handle.
func Addresses(authority types.Pubkey, handle string) (bytecodeAddr, memDumpAddr types.Pubkey, err error) {
	if len(handle) > MaxHandleLen {
		return types.Pubkey{}, types.Pubkey{}, fmt.Errorf("%w: %d bytes", errcode.HandleTooLong, len(handle))
	}
	if bytecodeAddr, err = types.CreateWithSeed(authority, "BC"+handle, ProgramID); err != nil {
		return types.Pubkey{}, types.Pubkey{}, err
	}
	if memDumpAddr, err = types.CreateWithSeed(authority, "MM"+handle, ProgramID); err != nil {
		return types.Pubkey{}, types.Pubkey{}, err
	}
	return bytecodeAddr, memDumpAddr, nil
}

// checkAddresses verifies that bc and md are authority's accounts for
// handle.
func checkAddresses(authority types.Pubkey, handle string, bc, md *svm.AccountInfo) error {
	bcAddr, mdAddr, err := Addresses(authority, handle)
	if err != nil {
		return err
	}
	if bc.Key != bcAddr {
		return fmt.Errorf("%w: bytecode account %s", errcode.WrongHandle, bc.Key)
	}
	if md.Key != mdAddr {
		return fmt.Errorf("%w: memdump account %s", errcode.WrongHandle, md.Key)
	}
	return nil
}

// owned checks that info belongs to the loader and, if write is set, that
// it was passed writable.
func owned(ctx svm.InvokeContext, info *svm.AccountInfo, write bool) error {
	if info.Owner != ctx.ProgramID() {
		return fmt.Errorf("%w: %s", ErrNotOwned, info.Key)
	}
	if write && !info.IsWritable {
		return fmt.Errorf("%w: %s", ErrNotWritable, info.Key)
	}
	return nil
}

func checkAuthority(authority *svm.AccountInfo, bc *BytecodeAccount) error {
	if authority.Key != bc.Authority {
		return fmt.Errorf("%w: %s", errcode.Unauthorized, authority.Key)
	}
	if !authority.IsSigner {
		return fmt.Errorf("%w: authority did not sign", errcode.Unauthorized)
	}
	return nil
}

// loadBytecode decodes a loader-owned bytecode account.
func loadBytecode(ctx svm.InvokeContext, info *svm.AccountInfo, write bool) (*BytecodeAccount, error) {
	if err := owned(ctx, info, write); err != nil {
		return nil, err
	}
	return LoadBytecode(info.Data)
}

// loadMemDump decodes a loader-owned memdump account paired with bc.
func (l *Loader) loadMemDump(ctx svm.InvokeContext, info *svm.AccountInfo, bc types.Pubkey, write bool) (*MemDump, error) {
	if err := owned(ctx, info, write); err != nil {
		return nil, err
	}
	md, err := LoadMemDump(info.Data, l.cfg.Heap.ArenaSize)
	if err != nil {
		return nil, err
	}
	if md.BytecodeRef != bc {
		return nil, fmt.Errorf("%w: memdump belongs to %s", errcode.WrongHandle, md.BytecodeRef)
	}
	return md, nil
}

// initialize claims two zeroed loader accounts for a deployment.
//
// Accounts: authority (signer), bytecode (writable), memdump (writable).
func (l *Loader) initialize(ctx svm.InvokeContext, handle string) error {
	accs, err := accounts(ctx, 3)
	if err != nil {
		return err
	}
	authority, bcInfo, mdInfo := accs[0], accs[1], accs[2]
	if !authority.IsSigner {
		return fmt.Errorf("%w: authority did not sign", errcode.Unauthorized)
	}
	if err := checkAddresses(authority.Key, handle, bcInfo, mdInfo); err != nil {
		return err
	}
	for _, info := range []*svm.AccountInfo{bcInfo, mdInfo} {
		if err := owned(ctx, info, true); err != nil {
			return err
		}
		if !isZero(info.Data) {
			return fmt.Errorf("%w: %s", ErrAccountInUse, info.Key)
		}
	}
	if len(bcInfo.Data) < BytecodeHeaderLen {
		return fmt.Errorf("%w: bytecode account is %d bytes", errcode.ContentOverflow, len(bcInfo.Data))
	}
	if want := MemDumpHeaderLen + l.cfg.Heap.ArenaSize; len(mdInfo.Data) != want {
		return fmt.Errorf("%w: have %d, want %d", ErrMemDumpSize, len(mdInfo.Data), want)
	}

	bc := &BytecodeAccount{
		BytecodeHeader: BytecodeHeader{
			Discriminator: bytecodeDiscriminator,
			Handle:        handle,
			Authority:     authority.Key,
		},
		data: bcInfo.Data,
	}
	if err := bc.Store(); err != nil {
		return err
	}
	md := &MemDump{
		MemDumpHeader: MemDumpHeader{
			Discriminator: memDumpDiscriminator,
			BytecodeRef:   bcInfo.Key,
			FinishedStep:  StepNone,
		},
		data: mdInfo.Data,
	}
	if err := md.Store(); err != nil {
		return err
	}
	l.log.Debug("initialized deployment",
		zap.String("handle", handle),
		zap.String("authority", authority.Key.String()),
		zap.Int("capacity", bc.Capacity()))
	return nil
}

// clear resets a deployment so new bytecode can be uploaded, growing the
// bytecode account to hold newSize content bytes. The authority pays the
// additional rent.
//
// Accounts: authority (signer, writable), bytecode (writable), memdump
// (writable), system program.
func (l *Loader) clear(ctx svm.InvokeContext, handle string, newSize uint64) error {
	accs, err := accounts(ctx, 4)
	if err != nil {
		return err
	}
	authority, bcInfo, mdInfo := accs[0], accs[1], accs[2]
	if err := checkAddresses(authority.Key, handle, bcInfo, mdInfo); err != nil {
		return err
	}
	bc, err := loadBytecode(ctx, bcInfo, true)
	if err != nil {
		return err
	}
	if err := checkAuthority(authority, bc); err != nil {
		return err
	}
	md, err := l.loadMemDump(ctx, mdInfo, bcInfo.Key, true)
	if err != nil {
		return err
	}
	if newSize > MaxContentSize {
		return fmt.Errorf("%w: %d bytes requested", errcode.ContentOverflow, newSize)
	}

	if newLen := BytecodeHeaderLen + int(newSize); newLen > len(bcInfo.Data) {
		rent := ctx.GetRentMinimum(uint64(newLen))
		if rent > bcInfo.Lamports {
			if err := ctx.Invoke(system.Transfer(authority.Key, bcInfo.Key, rent-bcInfo.Lamports), nil); err != nil {
				return fmt.Errorf("fund bytecode account: %w", err)
			}
		}
		grown := make([]byte, newLen)
		copy(grown, bcInfo.Data)
		bcInfo.Data = grown
	}

	// The transfer and the resize both replace the account data.
	if bc, err = LoadBytecode(bcInfo.Data); err != nil {
		return err
	}
	clear(bcInfo.Data[BytecodeHeaderLen:])
	bc.Finalized = false
	bc.ContentSize = 0
	if err := bc.Store(); err != nil {
		return err
	}

	md.Reset()
	if err := md.Store(); err != nil {
		return err
	}
	l.log.Debug("cleared deployment", zap.String("handle", handle), zap.Int("capacity", bc.Capacity()))
	return nil
}

// write appends a chunk of bytecode.
//
// Accounts: authority (signer), bytecode (writable).
func (l *Loader) write(ctx svm.InvokeContext, chunk []byte) error {
	accs, err := accounts(ctx, 2)
	if err != nil {
		return err
	}
	authority, bcInfo := accs[0], accs[1]
	bc, err := loadBytecode(ctx, bcInfo, true)
	if err != nil {
		return err
	}
	if err := checkAuthority(authority, bc); err != nil {
		return err
	}
	if bc.Finalized {
		return errcode.AlreadyFinalized
	}
	if err := chargeBytes(ctx, len(chunk)); err != nil {
		return err
	}
	if err := bc.Append(chunk); err != nil {
		return err
	}
	return bc.Store()
}
