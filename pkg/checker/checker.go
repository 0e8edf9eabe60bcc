// Package checker extracts and validates the instruction schema of a guest
// program.
//
// A handler is a struct type in the main package whose name starts with
// "Ix" and which has a Process method with a pointer receiver. Its fields
// are read in three runs:
//
//	type IxTransfer struct {
//		from      *solana.AccountInfo `golana:"signer, mut"`
//		to        *solana.AccountInfo `golana:"mut"`
//		from_data *Vault              `golana:"mut"`
//		amount    uint64
//	}
//
// Account fields come first, then data slots named after an account with
// a "_data" suffix, then scalar arguments. The pass is purely structural:
// no guest code runs.
package checker

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/errcode"
	"github.com/fortiblox/golana/pkg/value"
)

// Names the checker looks for.
const (
	SupportPackage  = "solana"
	AccountInfoType = "AccountInfo"
	SignerType      = "Signer"
	HandlerPrefix   = "Ix"
	DispatchMethod  = "Process"
	DataSuffix      = "_data"
	TagKey          = "golana"
)

// Check walks bc's metadata and returns the schema of every handler in
// main package declaration order.
func Check(bc *bytecode.Bytecode) (*InstructionSetMetadata, error) {
	sentinels, err := findSentinels(bc)
	if err != nil {
		return nil, err
	}
	main, err := bc.Main()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errcode.IxNotFound, err)
	}

	c := &checker{bc: bc, codec: value.NewCodec(bc), sentinels: sentinels}
	out := &InstructionSetMetadata{Version: SchemaVersion}
	for _, m := range main.Members {
		if m.Kind != bytecode.MemberType || !strings.HasPrefix(m.Name, HandlerPrefix) {
			continue
		}
		t, err := bc.Underlying(m.Type)
		if err != nil || t.Kind != bytecode.KindStruct {
			continue
		}
		ix, err := c.handler(m.Name, bytecode.Meta{Key: m.Type.Key})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m.Name, err)
		}
		out.Instructions = append(out.Instructions, *ix)
	}
	if len(out.Instructions) == 0 {
		return nil, errcode.IxNotFound
	}
	return out, nil
}

type sentinels struct {
	account bytecode.MetaKey
	signer  bytecode.MetaKey
	// hasSigner is false for support packages without the Signer type.
	hasSigner bool
}

func findSentinels(bc *bytecode.Bytecode) (sentinels, error) {
	var s sentinels
	pkg, ok := bc.Package(SupportPackage)
	if !ok {
		return s, fmt.Errorf("%w: no %s package", errcode.MetaNotFound, SupportPackage)
	}
	m, ok := pkg.Member(AccountInfoType)
	if !ok || m.Kind != bytecode.MemberType {
		return s, fmt.Errorf("%w: no %s.%s type", errcode.MetaNotFound, SupportPackage, AccountInfoType)
	}
	s.account = m.Type.Key
	if m, ok := pkg.Member(SignerType); ok && m.Kind == bytecode.MemberType {
		s.signer, s.hasSigner = m.Type.Key, true
	}
	return s, nil
}

type checker struct {
	bc        *bytecode.Bytecode
	codec     *value.Codec
	sentinels sentinels
}

func (c *checker) isAccount(m bytecode.Meta) (signer, ok bool) {
	if m.IsType {
		return false, false
	}
	if m.Key == c.sentinels.account {
		return false, true
	}
	if c.sentinels.hasSigner && m.Key == c.sentinels.signer {
		return true, true
	}
	return false, false
}

func (c *checker) dispatch(handler bytecode.Meta) (bytecode.FuncKey, uint32, error) {
	t, err := c.bc.Type(handler)
	if err != nil {
		return 0, 0, err
	}
	found := -1
	for i, m := range t.Methods {
		if m.Name != DispatchMethod {
			continue
		}
		if found >= 0 {
			return 0, 0, fmt.Errorf("%w: %s declared twice", errcode.MethodNotFound, DispatchMethod)
		}
		found = i
	}
	if found < 0 {
		return 0, 0, errcode.MethodNotFound
	}
	m := t.Methods[found]
	if !m.PointerRecv {
		return 0, 0, errcode.NonPointerReceiver
	}
	return m.Func, uint32(found), nil
}

func (c *checker) handler(name string, handler bytecode.Meta) (*IxMeta, error) {
	fn, index, err := c.dispatch(handler)
	if err != nil {
		return nil, err
	}
	st, err := c.bc.Underlying(handler)
	if err != nil {
		return nil, err
	}
	ix := &IxMeta{
		Name:           name,
		HandlerType:    handler,
		DispatchMethod: fn,
		DispatchIndex:  index,
	}

	fields := st.Fields
	i := 0
	for ; i < len(fields); i++ {
		f := fields[i]
		implied, ok := c.isAccount(f.Type)
		if !ok {
			break
		}
		switch {
		case f.Type.PtrDepth == 0:
			return nil, fmt.Errorf("field %s: %w", f.Name, errcode.NonPointerAccountInfo)
		case f.Type.PtrDepth > 1:
			return nil, fmt.Errorf("field %s: %w", f.Name, errcode.PointerAccount)
		}
		signer, mut := accountFlags(f.Tag)
		ix.Accounts = append(ix.Accounts, AccMeta{
			Name:     f.Name,
			IsSigner: signer || implied,
			IsMut:    mut,
		})
	}

	for ; i < len(fields); i++ {
		f := fields[i]
		if !strings.HasSuffix(f.Name, DataSuffix) {
			break
		}
		if err := c.dataSlot(ix, f); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}

	for ; i < len(fields); i++ {
		f := fields[i]
		if err := c.arg(ix, f); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
	}
	return ix, nil
}

func (c *checker) dataSlot(ix *IxMeta, f bytecode.Field) error {
	owner := strings.TrimSuffix(f.Name, DataSuffix)
	acc := -1
	for j := range ix.Accounts {
		if ix.Accounts[j].Name == owner {
			acc = j
			break
		}
	}
	if acc < 0 {
		return fmt.Errorf("%w: no account %q", errcode.BadDataDeclare, owner)
	}
	if ix.Accounts[acc].Access.HasData() {
		return errcode.DuplicatedDataDeclare
	}
	if f.Type.IsType || f.Type.PtrDepth != 1 {
		return errcode.NonPointerDataDeclare
	}

	pointee := f.Type.Deref()
	t, err := c.bc.Type(pointee)
	if err != nil {
		return fmt.Errorf("%w: %v", errcode.DataTypeNotFound, err)
	}
	if t.Kind != bytecode.KindNamed {
		return errcode.DataTypeNotSpecified
	}
	if !c.declared(pointee.Key) {
		return fmt.Errorf("%w: %s is not declared", errcode.DataTypeNotFound, c.bc.TypeName(pointee))
	}
	u, err := c.bc.Underlying(pointee)
	if err != nil || u.Kind != bytecode.KindStruct || !c.codec.Supported(pointee) {
		return fmt.Errorf("%w: %s is not a plain struct", errcode.DataTypeNotFound, c.bc.TypeName(pointee))
	}

	kind, err := slotAccess(f.Tag)
	if err != nil {
		return err
	}
	slot := uint32(len(ix.DataSlots))
	ix.DataSlots = append(ix.DataSlots, DataSlot{Account: uint32(acc), Name: f.Name, Type: pointee})
	ix.Accounts[acc].Access = AccessMode{Kind: kind, Slot: slot}
	return nil
}

func (c *checker) declared(key bytecode.MetaKey) bool {
	for _, p := range c.bc.Packages {
		for _, m := range p.Members {
			if m.Kind == bytecode.MemberType && m.Type.Key == key {
				return true
			}
		}
	}
	return false
}

func (c *checker) arg(ix *IxMeta, f bytecode.Field) error {
	if strings.HasSuffix(f.Name, DataSuffix) {
		return errcode.AccountNamePrefixReserved
	}
	for _, acc := range ix.Accounts {
		if strings.HasPrefix(f.Name, acc.Name+"_") {
			return fmt.Errorf("%w: prefix %s_", errcode.AccountNamePrefixReserved, acc.Name)
		}
	}
	if f.Type.IsType || f.Type.PtrDepth != 0 {
		return errcode.WrongArgType
	}
	if _, ok := c.isAccount(f.Type); ok || !c.codec.Supported(f.Type) {
		return fmt.Errorf("%w: %s", errcode.WrongArgType, c.bc.TypeName(f.Type))
	}
	ix.Args = append(ix.Args, Arg{Name: f.Name, Type: f.Type})
	return nil
}

func tagWords(tag string) ([]string, bool) {
	v, ok := reflect.StructTag(tag).Lookup(TagKey)
	if !ok {
		return nil, false
	}
	var words []string
	for _, w := range strings.Split(v, ",") {
		words = append(words, strings.TrimSpace(w))
	}
	return words, true
}

func accountFlags(tag string) (signer, mut bool) {
	words, _ := tagWords(tag)
	for _, w := range words {
		switch w {
		case "signer":
			signer = true
		case "mut":
			mut = true
		}
	}
	return signer, mut
}

func slotAccess(tag string) (AccessKind, error) {
	words, ok := tagWords(tag)
	if !ok {
		return AccessReadOnly, nil
	}
	if len(words) == 1 {
		switch words[0] {
		case "init":
			return AccessInitialize, nil
		case "mut":
			return AccessMutable, nil
		}
	}
	return AccessNone, fmt.Errorf("%w: %q", errcode.BadDataDeclareTag, tag)
}
