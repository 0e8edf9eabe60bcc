// Package bridge marshals native account state and raw instruction
// arguments into a guest handler value, runs the handler and writes the
// state the guest commits back to the native accounts.
//
// Every check and every decode happens in New, before any guest code runs.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/checker"
	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/errcode"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/value"
)

var (
	// ErrTrailingArgs is returned when argument bytes remain after the
	// last declared argument.
	ErrTrailingArgs = errors.New("trailing argument bytes")

	// ErrBadAccountData is returned when an account's data does not decode
	// as its slot type.
	ErrBadAccountData = errors.New("account data does not match its declared type")

	// ErrBadArgs is returned when the argument bytes do not decode.
	ErrBadArgs = errors.New("instruction arguments do not decode")

	// ErrDataOverflow is returned when a committed value does not fit the
	// account's data.
	ErrDataOverflow = errors.New("committed data exceeds account size")

	// ErrAccountIndex is returned for an index outside the handler's
	// account list.
	ErrAccountIndex = errors.New("handler account index out of range")

	// ErrNoDataSlot is returned when an account has no declared data.
	ErrNoDataSlot = errors.New("account has no data declaration")
)

// Entry is one row of the dispatch table.
type Entry struct {
	Meta   *checker.IxMeta
	Invoke bytecode.FuncKey
}

// Table maps handler ids to their schema and dispatch function. It is built
// once per checked program.
type Table struct {
	entries map[string]*Entry
	names   []string
}

// NewTable builds the dispatch table for md.
func NewTable(md *checker.InstructionSetMetadata) *Table {
	t := &Table{entries: make(map[string]*Entry, len(md.Instructions))}
	for i := range md.Instructions {
		ix := &md.Instructions[i]
		t.entries[ix.Name] = &Entry{Meta: ix, Invoke: ix.DispatchMethod}
		t.names = append(t.names, ix.Name)
	}
	return t
}

// Lookup returns the entry for id.
func (t *Table) Lookup(id string) (*Entry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

// Names returns handler ids in declaration order.
func (t *Table) Names() []string {
	return t.names
}

// Instruction is one handler invocation. It lives for a single execute
// call.
type Instruction struct {
	entry    *Entry
	accounts []*svm.AccountInfo
	codec    *value.Codec

	slots    []value.Value
	args     []value.Value
	lamports []uint64

	guest *value.Struct
	inst  engine.Instance
	bound *engine.Object
}

// New validates accounts against the handler id's schema and decodes its
// data slots and arguments.
func New(table *Table, codec *value.Codec, id string, accounts []*svm.AccountInfo, args []byte) (*Instruction, error) {
	entry, ok := table.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errcode.RtCheckBadIxId, id)
	}
	meta := entry.Meta
	if len(accounts) != len(meta.Accounts) {
		return nil, fmt.Errorf("%w: %s takes %d accounts, got %d", errcode.RtCheckAccountCount, id, len(meta.Accounts), len(accounts))
	}
	for i, am := range meta.Accounts {
		native := accounts[i]
		if am.IsSigner != native.IsSigner {
			return nil, fmt.Errorf("%w: account %s", errcode.RtCheckSigner, am.Name)
		}
		if am.IsMut != native.IsWritable {
			return nil, fmt.Errorf("%w: account %s", errcode.RtCheckMutable, am.Name)
		}
	}

	ix := &Instruction{
		entry:    entry,
		accounts: accounts,
		codec:    codec,
		slots:    make([]value.Value, len(meta.DataSlots)),
		args:     make([]value.Value, len(meta.Args)),
		lamports: make([]uint64, len(accounts)),
	}
	for i, acc := range accounts {
		ix.lamports[i] = acc.Lamports
	}

	for i, slot := range meta.DataSlots {
		var err error
		if meta.Accounts[slot.Account].Access.Kind == checker.AccessInitialize {
			ix.slots[i], err = codec.Zero(slot.Type)
		} else {
			ix.slots[i], _, err = codec.Decode(slot.Type, accounts[slot.Account].Data)
			if err != nil {
				err = fmt.Errorf("%w: %s: %v", ErrBadAccountData, slot.Name, err)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	off := 0
	for i, arg := range meta.Args {
		v, n, err := codec.Decode(arg.Type, args[off:])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadArgs, arg.Name, err)
		}
		ix.args[i] = v
		off += n
	}
	if off != len(args) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingArgs, len(args)-off)
	}
	return ix, nil
}

// Meta returns the handler schema.
func (ix *Instruction) Meta() *checker.IxMeta { return ix.entry.Meta }

// Accounts returns the native accounts in handler order.
func (ix *Instruction) Accounts() []*svm.AccountInfo { return ix.accounts }

// Account returns the native account at handler index i.
func (ix *Instruction) Account(i int) (*svm.AccountInfo, error) {
	if i < 0 || i >= len(ix.accounts) {
		return nil, fmt.Errorf("%w: %d", ErrAccountIndex, i)
	}
	return ix.accounts[i], nil
}

// Arg returns decoded argument i.
func (ix *Instruction) Arg(i int) value.Value { return ix.args[i] }

// Lamports returns the guest's view of account i's balance.
func (ix *Instruction) Lamports(i int) (uint64, error) {
	if _, err := ix.Account(i); err != nil {
		return 0, err
	}
	return ix.lamports[i], nil
}

// SetLamports changes the guest's view of account i's balance. It reaches
// the native account on the next lamport commit.
func (ix *Instruction) SetLamports(i int, lamports uint64) error {
	if _, err := ix.Account(i); err != nil {
		return err
	}
	ix.lamports[i] = lamports
	return nil
}

// RefreshLamports reloads the guest's view of every balance from the native
// accounts, after a cross-program call moved lamports.
func (ix *Instruction) RefreshLamports() {
	for i, acc := range ix.accounts {
		ix.lamports[i] = acc.Lamports
	}
}

// GuestValue returns the handler struct: account handles, then data slots,
// then arguments. It is built once.
func (ix *Instruction) GuestValue() *value.Struct {
	if ix.guest != nil {
		return ix.guest
	}
	meta := ix.entry.Meta
	s := &value.Struct{Type: meta.HandlerType, Fields: make([]value.Field, 0, meta.FieldCount())}
	for i, am := range meta.Accounts {
		acc := ix.accounts[i]
		s.Fields = append(s.Fields, value.Field{Name: am.Name, Value: &value.Account{
			Index:      i,
			Key:        acc.Key,
			Owner:      acc.Owner,
			Lamports:   acc.Lamports,
			RentEpoch:  acc.RentEpoch,
			IsSigner:   acc.IsSigner,
			IsWritable: acc.IsWritable,
			Executable: acc.Executable,
		}})
	}
	for i, slot := range meta.DataSlots {
		s.Fields = append(s.Fields, value.Field{Name: slot.Name, Type: slot.Type.Ptr(), Value: ix.slots[i]})
	}
	for i, arg := range meta.Args {
		s.Fields = append(s.Fields, value.Field{Name: arg.Name, Type: arg.Type, Value: ix.args[i]})
	}
	ix.guest = s
	return s
}

// Run binds the handler value into a new engine instance and invokes the
// dispatch method. Commits made through modules during the call land on
// the native accounts immediately.
func (ix *Instruction) Run(ctx context.Context, eng engine.Engine, modules engine.Modules) error {
	inst, err := eng.Instantiate(ctx, modules)
	if err != nil {
		return err
	}
	defer func() {
		inst.Close()
		ix.inst, ix.bound = nil, nil
	}()

	obj, err := inst.Bind(ix.entry.Meta.HandlerType.Ptr(), ix.GuestValue())
	if err != nil {
		return fmt.Errorf("bind %s: %w", ix.entry.Meta.Name, err)
	}
	ix.inst, ix.bound = inst, obj
	if _, err := inst.Invoke(ix.entry.Invoke, obj); err != nil {
		return fmt.Errorf("%s: %w", ix.entry.Meta.Name, err)
	}
	return nil
}

// slotValue returns the current value of data slot i, read back from the
// running guest when there is one.
func (ix *Instruction) slotValue(i uint32) (value.Value, error) {
	if ix.bound != nil {
		v, err := ix.inst.Field(ix.bound, len(ix.entry.Meta.Accounts)+int(i))
		if err != nil {
			return nil, err
		}
		ix.slots[i] = v
	}
	return ix.slots[i], nil
}

// Bound returns the handler object while Run is in progress.
func (ix *Instruction) Bound() *engine.Object { return ix.bound }

// SetSlot replaces data slot i's value outside of a guest run.
func (ix *Instruction) SetSlot(i int, v value.Value) {
	ix.slots[i] = v
	ix.guest = nil
}

// CommitLamports writes the guest's balance of account i.
func (ix *Instruction) CommitLamports(i int) error {
	acc, err := ix.Account(i)
	if err != nil {
		return err
	}
	if !acc.IsWritable {
		return fmt.Errorf("%w: account %s", errcode.RtCheckMutable, ix.entry.Meta.Accounts[i].Name)
	}
	acc.Lamports = ix.lamports[i]
	return nil
}

// CommitData encodes account i's data slot into its native data. Accounts
// without a writable slot are skipped.
func (ix *Instruction) CommitData(i int) error {
	if _, err := ix.Account(i); err != nil {
		return err
	}
	am := ix.entry.Meta.Accounts[i]
	if !am.Access.Writes() {
		return nil
	}
	v, err := ix.slotValue(am.Access.Slot)
	if err != nil {
		return fmt.Errorf("read %s: %w", ix.entry.Meta.DataSlots[am.Access.Slot].Name, err)
	}
	return ix.writeData(i, v)
}

// SlotType returns the data type declared for account i.
func (ix *Instruction) SlotType(i int) (bytecode.Meta, bool) {
	if i < 0 || i >= len(ix.accounts) {
		return bytecode.Meta{}, false
	}
	am := ix.entry.Meta.Accounts[i]
	if !am.Access.HasData() {
		return bytecode.Meta{}, false
	}
	return ix.entry.Meta.DataSlots[am.Access.Slot].Type, true
}

// LoadData decodes account i's current native data as its slot type.
func (ix *Instruction) LoadData(i int) (value.Value, error) {
	acc, err := ix.Account(i)
	if err != nil {
		return nil, err
	}
	m, ok := ix.SlotType(i)
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNoDataSlot, ix.entry.Meta.Accounts[i].Name)
	}
	v, _, err := ix.codec.Decode(m, acc.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAccountData, err)
	}
	return v, nil
}

// SaveData encodes v as account i's slot type into its native data. The
// slot must be declared init or mut.
func (ix *Instruction) SaveData(i int, v value.Value) error {
	if _, err := ix.Account(i); err != nil {
		return err
	}
	am := ix.entry.Meta.Accounts[i]
	if !am.Access.HasData() {
		return fmt.Errorf("%w: account %s", ErrNoDataSlot, am.Name)
	}
	if !am.Access.Writes() {
		return fmt.Errorf("%w: account %s", errcode.RtCheckMutable, am.Name)
	}
	return ix.writeData(i, v)
}

func (ix *Instruction) writeData(i int, v value.Value) error {
	acc := ix.accounts[i]
	am := ix.entry.Meta.Accounts[i]
	if !acc.IsWritable {
		return fmt.Errorf("%w: account %s", errcode.RtCheckMutable, am.Name)
	}
	slot := ix.entry.Meta.DataSlots[am.Access.Slot]
	data, err := ix.codec.Encode(nil, slot.Type, v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", slot.Name, err)
	}
	if len(data) > len(acc.Data) {
		return fmt.Errorf("%w: %s needs %d bytes, account has %d", ErrDataOverflow, slot.Name, len(data), len(acc.Data))
	}
	copy(acc.Data, data)
	return nil
}

// CommitLamportsAndData commits both the balance and the data of account
// i.
func (ix *Instruction) CommitLamportsAndData(i int) error {
	if err := ix.CommitLamports(i); err != nil {
		return err
	}
	return ix.CommitData(i)
}

// CommitEverything commits every mutable account.
func (ix *Instruction) CommitEverything() error {
	for i, am := range ix.entry.Meta.Accounts {
		if !am.IsMut {
			continue
		}
		if err := ix.CommitLamportsAndData(i); err != nil {
			return err
		}
	}
	return nil
}
