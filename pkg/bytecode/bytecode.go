// Package bytecode defines the compiled form of a guest program and its
// sectioned binary encoding.
//
// A program is a table of type metadata, a table of functions, a package
// table and a handful of smaller tables. Everything references everything
// else by index, which keeps the encoding flat and lets the loader decode
// it one section at a time.
package bytecode

import "fmt"

// Kind is the shape of a type.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBool
	KindInt
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
	KindArray
	KindSlice
	KindStruct
	KindNamed
	KindInterface
	KindMap
	KindFunc
)

var kindNames = [...]string{
	KindVoid:      "void",
	KindBool:      "bool",
	KindInt:       "int",
	KindInt8:      "int8",
	KindInt16:     "int16",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindUint:      "uint",
	KindUint8:     "uint8",
	KindUint16:    "uint16",
	KindUint32:    "uint32",
	KindUint64:    "uint64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindString:    "string",
	KindArray:     "array",
	KindSlice:     "slice",
	KindStruct:    "struct",
	KindNamed:     "named",
	KindInterface: "interface",
	KindMap:       "map",
	KindFunc:      "func",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsInteger reports whether k is a signed or unsigned integer kind.
func (k Kind) IsInteger() bool {
	return k >= KindInt && k <= KindUint64
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool {
	return k >= KindInt && k <= KindInt64
}

// IsBasic reports whether k is a scalar kind.
func (k Kind) IsBasic() bool {
	return k >= KindBool && k <= KindString
}

// MetaKey indexes Bytecode.Metas.
type MetaKey uint32

// FuncKey indexes Bytecode.Funcs.
type FuncKey uint32

// Meta is a reference to a type, possibly behind pointers.
type Meta struct {
	Key      MetaKey
	PtrDepth uint8

	// IsType marks a type value itself rather than a value of the type.
	IsType bool
}

// Ptr returns a pointer to m.
func (m Meta) Ptr() Meta {
	m.PtrDepth++
	return m
}

// Deref strips one level of pointer from m.
func (m Meta) Deref() Meta {
	if m.PtrDepth > 0 {
		m.PtrDepth--
	}
	return m
}

// TypeMeta describes one type.
type TypeMeta struct {
	Kind Kind

	// Name and Package are set for named types.
	Name    string
	Package string

	// Elem is the element type of arrays and slices, the underlying type
	// of named types and the value type of maps.
	Elem Meta
	Len  uint32

	Fields  []Field
	Methods []Method
}

// Field is a struct field.
type Field struct {
	Name     string
	Type     Meta
	Tag      string
	Embedded bool
}

// Method is a method declared on a named type.
type Method struct {
	Name        string
	PointerRecv bool
	Func        FuncKey
}

// Function is a compiled function. Source is the body the guest engine
// runs; ParamNames bind its parameters.
type Function struct {
	Name       string
	Package    string
	ParamNames []string
	Params     []Meta
	Results    []Meta
	Source     string
}

// MemberKind is the kind of a package member.
type MemberKind uint8

const (
	MemberType MemberKind = iota
	MemberFunc
	MemberVar
	MemberConst
)

// Member is a package-level declaration.
type Member struct {
	Name  string
	Kind  MemberKind
	Type  Meta
	Func  FuncKey
	Const uint32
}

// Package is a compiled package.
type Package struct {
	Name    string
	Path    string
	Members []Member
}

// Member returns the member with the given name.
func (p *Package) Member(name string) (*Member, bool) {
	for i := range p.Members {
		if p.Members[i].Name == name {
			return &p.Members[i], true
		}
	}
	return nil, false
}

// Const is a constant pool entry holding the value's borsh encoding.
type Const struct {
	Type Meta
	Data []byte
}

// IfaceBinding records that a concrete type implements an interface, and
// which function serves each interface method, in interface order.
type IfaceBinding struct {
	Iface    Meta
	Concrete Meta
	Methods  []uint32
}

// Index maps a qualified name to a package member.
type Index struct {
	Name    string
	Package uint32
	Member  uint32
}

// SourceFile is one source file of the program.
type SourceFile struct {
	Name string
	Size uint32
}

// Position maps a function to its source location.
type Position struct {
	Func uint32
	File uint32
	Line uint32
}

// FileInfo carries debug information. The loader keeps it for error
// reporting only.
type FileInfo struct {
	Files     []SourceFile
	Positions []Position
}

// Bytecode is a complete guest program.
type Bytecode struct {
	Metas    []TypeMeta
	Funcs    []Function
	Packages []Package
	Consts   []Const
	Ifaces   []IfaceBinding
	Indices  []Index
	Entry    FuncKey
	MainPkg  uint32
	FileInfo FileInfo
}

// Type returns the metadata m refers to.
func (bc *Bytecode) Type(m Meta) (*TypeMeta, error) {
	if int(m.Key) >= len(bc.Metas) {
		return nil, fmt.Errorf("meta key %d out of range", m.Key)
	}
	return &bc.Metas[m.Key], nil
}

// Underlying follows named types to the first unnamed type.
func (bc *Bytecode) Underlying(m Meta) (*TypeMeta, error) {
	for i := 0; i <= len(bc.Metas); i++ {
		t, err := bc.Type(m)
		if err != nil {
			return nil, err
		}
		if t.Kind != KindNamed {
			return t, nil
		}
		m = t.Elem
	}
	return nil, fmt.Errorf("named type cycle at meta %d", m.Key)
}

// Func returns the function with key k.
func (bc *Bytecode) Func(k FuncKey) (*Function, error) {
	if int(k) >= len(bc.Funcs) {
		return nil, fmt.Errorf("func key %d out of range", k)
	}
	return &bc.Funcs[k], nil
}

// Main returns the main package.
func (bc *Bytecode) Main() (*Package, error) {
	if int(bc.MainPkg) >= len(bc.Packages) {
		return nil, fmt.Errorf("main package %d out of range", bc.MainPkg)
	}
	return &bc.Packages[bc.MainPkg], nil
}

// Package returns the first package with the given name.
func (bc *Bytecode) Package(name string) (*Package, bool) {
	for i := range bc.Packages {
		if bc.Packages[i].Name == name {
			return &bc.Packages[i], true
		}
	}
	return nil, false
}

// TypeName renders m for diagnostics, e.g. "*solana.AccountInfo".
func (bc *Bytecode) TypeName(m Meta) string {
	prefix := ""
	for i := uint8(0); i < m.PtrDepth; i++ {
		prefix += "*"
	}
	t, err := bc.Type(m)
	if err != nil {
		return prefix + "?"
	}
	switch t.Kind {
	case KindNamed:
		if t.Package != "" {
			return prefix + t.Package + "." + t.Name
		}
		return prefix + t.Name
	case KindArray:
		return fmt.Sprintf("%s[%d]%s", prefix, t.Len, bc.TypeName(t.Elem))
	case KindSlice:
		return prefix + "[]" + bc.TypeName(t.Elem)
	default:
		return prefix + t.Kind.String()
	}
}
