package loader

import (
	"fmt"

	"github.com/near/borsh-go"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/checker"
	"github.com/fortiblox/golana/pkg/errcode"
	"github.com/fortiblox/golana/pkg/heap"
	"github.com/fortiblox/golana/pkg/svm"
)

// finalizer runs one finalize step over a deployment.
type finalizer struct {
	l   *Loader
	ctx svm.InvokeContext
	bc  *BytecodeAccount
	md  *MemDump
}

// finalize runs step, which must directly follow the memdump's finished
// step. Nothing is stored unless the step completes.
//
// Accounts: authority (signer), bytecode (writable), memdump (writable).
func (l *Loader) finalize(ctx svm.InvokeContext, step uint8) error {
	accs, err := accounts(ctx, 3)
	if err != nil {
		return err
	}
	authority, bcInfo, mdInfo := accs[0], accs[1], accs[2]
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
	// StepNone+1 wraps to StepInit.
	if want := md.FinishedStep + 1; step != want {
		return fmt.Errorf("%w: got %s, want %s", errcode.WrongFinalizeStep, StepName(step), StepName(want))
	}
	if bc.Finalized {
		return errcode.AlreadyFinalized
	}

	f := &finalizer{l: l, ctx: ctx, bc: bc, md: md}
	before := ctx.RemainingCU()
	switch {
	case step == StepInit:
		err = f.init()
	case step < StepCheck:
		err = f.section(bytecode.Section(step - 1))
	default:
		err = f.check()
	}
	if err != nil {
		l.log.Debug("finalize step failed",
			zap.String("handle", bc.Handle),
			zap.Uint8("step", step),
			zap.Error(err))
		return fmt.Errorf("%s step: %w", StepName(step), err)
	}

	md.FinishedStep = step
	if err := md.Store(); err != nil {
		return err
	}
	if err := bc.Store(); err != nil {
		return err
	}
	l.metrics.finalizeSteps.WithLabelValues(StepName(step)).Inc()
	l.log.Debug("finalize step",
		zap.String("handle", bc.Handle),
		zap.Uint8("step", step),
		zap.Uint64("cu", before-ctx.RemainingCU()))
	return nil
}

// init checks the image header, formats a fresh arena and records the
// content digest later steps are held to.
func (f *finalizer) init() error {
	content := f.bc.Content()
	if err := chargeBytes(f.ctx, len(content)); err != nil {
		return err
	}
	off, err := bytecode.ReadHeader(content)
	if err != nil {
		return fmt.Errorf("%w: %v", errcode.MalformedBytecode, err)
	}
	h, err := heap.New(f.l.cfg.Heap)
	if err != nil {
		return err
	}
	f.md.DataOffset = uint32(off)
	f.md.Pointers = ObjectPointers{}
	f.md.Digest = blake3.Sum256(content)
	return f.dump(h)
}

// section decodes and validates the section at the recorded offset and
// keeps its body in the arena.
func (f *finalizer) section(s bytecode.Section) error {
	content, err := f.content()
	if err != nil {
		return err
	}
	h, err := f.restore()
	if err != nil {
		return err
	}
	body, next, err := bytecode.ReadSection(content, int(f.md.DataOffset))
	if err != nil {
		return fmt.Errorf("%w: %s section: %v", errcode.MalformedBytecode, s, err)
	}
	if err := chargeBytes(f.ctx, len(body)); err != nil {
		return err
	}
	if err := validateSection(s, body); err != nil {
		return fmt.Errorf("%w: %s section: %v", errcode.MalformedBytecode, s, err)
	}
	if s == bytecode.SectionFileInfo && next != len(content) {
		return fmt.Errorf("%w: %d trailing bytes", errcode.MalformedBytecode, len(content)-next)
	}

	hd, err := h.Store(heap.Arena, body)
	if err != nil {
		return fmt.Errorf("store %s section: %w", s, err)
	}
	*f.md.Pointers.section(s) = uint32(hd)
	f.md.DataOffset = uint32(next)
	return f.dump(h)
}

// check rebuilds the program from the arena, runs the metadata checker and
// keeps its result next to a record of the program's blocks.
func (f *finalizer) check() error {
	if _, err := f.content(); err != nil {
		return err
	}
	h, err := f.restore()
	if err != nil {
		return err
	}
	rec := programRecord{}
	for s := bytecode.SectionMetas; s < bytecode.NumSections; s++ {
		rec.Sections[s] = *f.md.Pointers.section(s)
	}
	prog, n, err := rebuild(h, rec.Sections)
	if err != nil {
		return err
	}
	if err := chargeBytes(f.ctx, n); err != nil {
		return err
	}
	meta, err := checker.Check(prog)
	if err != nil {
		return err
	}
	encoded, err := meta.Encode()
	if err != nil {
		return err
	}
	mh, err := h.Store(heap.Arena, encoded)
	if err != nil {
		return fmt.Errorf("store metadata: %w", err)
	}
	rec.Metadata = uint32(mh)
	recBytes, err := borsh.Serialize(rec)
	if err != nil {
		return err
	}
	rh, err := h.Store(heap.Arena, recBytes)
	if err != nil {
		return fmt.Errorf("store program record: %w", err)
	}
	f.md.Pointers.Metadata = uint32(mh)
	f.md.Pointers.Bytecode = uint32(rh)
	if err := f.dump(h); err != nil {
		return err
	}
	f.bc.Finalized = true
	f.l.log.Info("bytecode finalized",
		zap.String("handle", f.bc.Handle),
		zap.Int("handlers", len(meta.Instructions)))
	return nil
}

// content returns the bytecode after checking it against the digest taken
// by init.
func (f *finalizer) content() ([]byte, error) {
	content := f.bc.Content()
	if err := chargeBytes(f.ctx, len(content)); err != nil {
		return nil, err
	}
	if blake3.Sum256(content) != f.md.Digest {
		return nil, errcode.ContentChanged
	}
	return content, nil
}

func (f *finalizer) restore() (*heap.Heap, error) {
	snap := f.md.Snapshot()
	if err := chargeSnapshot(f.ctx, len(snap)); err != nil {
		return nil, err
	}
	h, err := heap.New(f.l.cfg.Heap)
	if err != nil {
		return nil, err
	}
	if err := h.Restore(snap); err != nil {
		return nil, err
	}
	return h, nil
}

func (f *finalizer) dump(h *heap.Heap) error {
	snap := f.md.Snapshot()
	if err := chargeSnapshot(f.ctx, len(snap)); err != nil {
		return err
	}
	if err := h.Dump(snap); err != nil {
		return err
	}
	f.l.metrics.snapshotBytes.Set(float64(h.Stats().Top))
	return nil
}

func (p *ObjectPointers) section(s bytecode.Section) *uint32 {
	switch s {
	case bytecode.SectionMetas:
		return &p.Metas
	case bytecode.SectionFuncs:
		return &p.Funcs
	case bytecode.SectionPackages:
		return &p.Packages
	case bytecode.SectionMisc:
		return &p.Misc
	default:
		return &p.FileInfo
	}
}

func validateSection(s bytecode.Section, body []byte) error {
	switch s {
	case bytecode.SectionMetas:
		v, err := bytecode.DecodeSection[bytecode.MetasSection](body)
		if err != nil {
			return err
		}
		return bytecode.ValidateMetas(v.Metas)
	case bytecode.SectionFuncs:
		_, err := bytecode.DecodeSection[bytecode.FuncsSection](body)
		return err
	case bytecode.SectionPackages:
		_, err := bytecode.DecodeSection[bytecode.PackagesSection](body)
		return err
	case bytecode.SectionMisc:
		_, err := bytecode.DecodeSection[bytecode.MiscSection](body)
		return err
	default:
		_, err := bytecode.DecodeSection[bytecode.FileInfoSection](body)
		return err
	}
}

// rebuild decodes the program from the section bodies kept in the arena. It
// also returns the number of bytes decoded.
func rebuild(h *heap.Heap, sections [5]uint32) (*bytecode.Bytecode, int, error) {
	var bodies [bytecode.NumSections][]byte
	n := 0
	for i, hd := range sections {
		body, err := h.Bytes(heap.Handle(hd))
		if err != nil {
			return nil, 0, fmt.Errorf("%s section: %w", bytecode.Section(i), err)
		}
		bodies[i] = body
		n += len(body)
	}
	malformed := func(err error) (*bytecode.Bytecode, int, error) {
		return nil, 0, fmt.Errorf("%w: %v", errcode.MalformedBytecode, err)
	}
	metas, err := bytecode.DecodeSection[bytecode.MetasSection](bodies[bytecode.SectionMetas])
	if err != nil {
		return malformed(err)
	}
	funcs, err := bytecode.DecodeSection[bytecode.FuncsSection](bodies[bytecode.SectionFuncs])
	if err != nil {
		return malformed(err)
	}
	pkgs, err := bytecode.DecodeSection[bytecode.PackagesSection](bodies[bytecode.SectionPackages])
	if err != nil {
		return malformed(err)
	}
	misc, err := bytecode.DecodeSection[bytecode.MiscSection](bodies[bytecode.SectionMisc])
	if err != nil {
		return malformed(err)
	}
	info, err := bytecode.DecodeSection[bytecode.FileInfoSection](bodies[bytecode.SectionFileInfo])
	if err != nil {
		return malformed(err)
	}
	bc := &bytecode.Bytecode{
		Metas:    metas.Metas,
		Funcs:    funcs.Funcs,
		Packages: pkgs.Packages,
		Consts:   misc.Consts,
		Ifaces:   misc.Ifaces,
		Indices:  misc.Indices,
		Entry:    misc.Entry,
		MainPkg:  misc.MainPkg,
		FileInfo: info.FileInfo,
	}
	if err := bc.Validate(); err != nil {
		return malformed(err)
	}
	return bc, n, nil
}

// loadProgram reads a finalized program back from its record.
func loadProgram(h *heap.Heap, record uint32) (*bytecode.Bytecode, *checker.InstructionSetMetadata, error) {
	raw, err := h.Bytes(heap.Handle(record))
	if err != nil {
		return nil, nil, fmt.Errorf("program record: %w", err)
	}
	var rec programRecord
	if err := decodeHeader(&rec, raw); err != nil {
		return nil, nil, fmt.Errorf("program record: %w", err)
	}
	bc, _, err := rebuild(h, rec.Sections)
	if err != nil {
		return nil, nil, err
	}
	encoded, err := h.Bytes(heap.Handle(rec.Metadata))
	if err != nil {
		return nil, nil, fmt.Errorf("metadata: %w", err)
	}
	md, err := checker.DecodeMetadata(encoded)
	if err != nil {
		return nil, nil, err
	}
	return bc, md, nil
}
