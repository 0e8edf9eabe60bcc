package bytecode

// Builder assembles a Bytecode in memory. It is used by tooling and tests;
// real programs come out of the guest compiler.
type Builder struct {
	bc     Bytecode
	basics map[Kind]Meta
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{basics: make(map[Kind]Meta)}
}

func (b *Builder) addMeta(t TypeMeta) Meta {
	b.bc.Metas = append(b.bc.Metas, t)
	return Meta{Key: MetaKey(len(b.bc.Metas) - 1)}
}

// Package declares a package and returns its index.
func (b *Builder) Package(name, path string) uint32 {
	b.bc.Packages = append(b.bc.Packages, Package{Name: name, Path: path})
	return uint32(len(b.bc.Packages) - 1)
}

// SetMain marks pkg as the main package.
func (b *Builder) SetMain(pkg uint32) {
	b.bc.MainPkg = pkg
}

// SetEntry sets the program entry function.
func (b *Builder) SetEntry(fn FuncKey) {
	b.bc.Entry = fn
}

// Basic returns the meta of a scalar kind.
func (b *Builder) Basic(k Kind) Meta {
	if m, ok := b.basics[k]; ok {
		return m
	}
	m := b.addMeta(TypeMeta{Kind: k})
	b.basics[k] = m
	return m
}

// Array returns the meta of [n]elem.
func (b *Builder) Array(elem Meta, n uint32) Meta {
	return b.addMeta(TypeMeta{Kind: KindArray, Elem: elem, Len: n})
}

// Slice returns the meta of []elem.
func (b *Builder) Slice(elem Meta) Meta {
	return b.addMeta(TypeMeta{Kind: KindSlice, Elem: elem})
}

// Map returns the meta of a map with the given value type.
func (b *Builder) Map(elem Meta) Meta {
	return b.addMeta(TypeMeta{Kind: KindMap, Elem: elem})
}

// Interface returns the meta of an empty interface.
func (b *Builder) Interface() Meta {
	return b.addMeta(TypeMeta{Kind: KindInterface})
}

// Struct returns the meta of an unnamed struct.
func (b *Builder) Struct(fields ...Field) Meta {
	return b.addMeta(TypeMeta{Kind: KindStruct, Fields: fields})
}

// Named declares a named type in pkg and returns its meta.
func (b *Builder) Named(pkg uint32, name string, underlying Meta) Meta {
	p := &b.bc.Packages[pkg]
	m := b.addMeta(TypeMeta{Kind: KindNamed, Name: name, Package: p.Name, Elem: underlying})
	p.Members = append(p.Members, Member{Name: name, Kind: MemberType, Type: Meta{Key: m.Key, IsType: true}})
	return m
}

// Func declares a package-level function.
func (b *Builder) Func(pkg uint32, name, source string, params ...Field) FuncKey {
	fn := b.addFunc(b.bc.Packages[pkg].Name, name, source, params)
	p := &b.bc.Packages[pkg]
	p.Members = append(p.Members, Member{Name: name, Kind: MemberFunc, Func: fn})
	return fn
}

// Method declares a method on the named type recv.
func (b *Builder) Method(recv Meta, name string, pointerRecv bool, source string, params ...Field) FuncKey {
	t := &b.bc.Metas[recv.Key]
	fn := b.addFunc(t.Package, t.Name+"."+name, source, params)
	t.Methods = append(t.Methods, Method{Name: name, PointerRecv: pointerRecv, Func: fn})
	return fn
}

func (b *Builder) addFunc(pkg, name, source string, params []Field) FuncKey {
	fn := Function{Name: name, Package: pkg, Source: source}
	for _, p := range params {
		fn.ParamNames = append(fn.ParamNames, p.Name)
		fn.Params = append(fn.Params, p.Type)
	}
	b.bc.Funcs = append(b.bc.Funcs, fn)
	return FuncKey(len(b.bc.Funcs) - 1)
}

// Returns sets the result types of fn.
func (b *Builder) Returns(fn FuncKey, results ...Meta) {
	b.bc.Funcs[fn].Results = append(b.bc.Funcs[fn].Results, results...)
}

// File records a source file.
func (b *Builder) File(name string, size uint32) {
	b.bc.FileInfo.Files = append(b.bc.FileInfo.Files, SourceFile{Name: name, Size: size})
}

// Build returns the assembled program. The builder must not be used
// afterwards.
func (b *Builder) Build() *Bytecode {
	bc := b.bc
	return &bc
}

// Support holds the metas of the host support package every golana program
// imports.
type Support struct {
	Pkg         uint32
	PublicKey   Meta
	AccountInfo Meta
	Signer      Meta
}

// SupportPackage declares package solana with its sentinel types.
func (b *Builder) SupportPackage() Support {
	pkg := b.Package("solana", "solana")
	pk := b.Named(pkg, "PublicKey", b.Array(b.Basic(KindUint8), 32))
	return Support{
		Pkg:         pkg,
		PublicKey:   pk,
		AccountInfo: b.Named(pkg, "AccountInfo", b.Struct()),
		Signer:      b.Named(pkg, "Signer", b.Struct()),
	}
}
