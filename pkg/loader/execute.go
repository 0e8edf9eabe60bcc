package loader

import (
	"fmt"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/bridge"
	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/checker"
	"github.com/fortiblox/golana/pkg/engine"
	"github.com/fortiblox/golana/pkg/errcode"
	"github.com/fortiblox/golana/pkg/ffi"
	"github.com/fortiblox/golana/pkg/heap"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/value"
)

// program is a finalized program ready to run.
type program struct {
	bc     *bytecode.Bytecode
	meta   *checker.InstructionSetMetadata
	table  *bridge.Table
	codec  *value.Codec
	engine *engine.Goja
}

// execute runs handler id of a finalized program.
//
// Accounts: bytecode, memdump, then the handler's accounts in declaration
// order.
func (l *Loader) execute(ctx svm.InvokeContext, id string, args []byte) error {
	accs, err := accounts(ctx, 2)
	if err != nil {
		return err
	}
	bcInfo, mdInfo := accs[0], accs[1]
	bc, err := loadBytecode(ctx, bcInfo, false)
	if err != nil {
		return err
	}
	if !bc.Finalized {
		return errcode.NotFinalized
	}
	md, err := l.loadMemDump(ctx, mdInfo, bcInfo.Key, false)
	if err != nil {
		return err
	}
	if md.FinishedStep != StepCheck {
		return fmt.Errorf("%w: finished step %s", errcode.NotFinalized, StepName(md.FinishedStep))
	}

	prog, err := l.program(ctx, mdInfo.Key, md)
	if err != nil {
		return err
	}
	ix, err := bridge.New(prog.table, prog.codec, id, ctx.Accounts()[2:], args)
	if err != nil {
		return err
	}
	ci := &ffi.CallInfo{Ix: ix, Ctx: ctx, Program: bcInfo.Key, Log: l.log}
	if err := ix.Run(ctx.Context(), prog.engine, l.imports.Bind(ci)); err != nil {
		l.log.Debug("execute failed",
			zap.String("handle", bc.Handle),
			zap.String("ix", id),
			zap.Error(err))
		return err
	}
	return nil
}

// program returns the decoded program held in md's arena. Programs are
// cached by memdump address and arena digest, so a redeployed arena never
// hits a stale entry.
func (l *Loader) program(ctx svm.InvokeContext, key types.Pubkey, md *MemDump) (*program, error) {
	snap := md.Snapshot()
	if err := chargeSnapshot(ctx, len(snap)); err != nil {
		return nil, err
	}
	digest := blake3.Sum256(snap)
	cacheKey := string(key[:]) + string(digest[:])
	if l.cache != nil {
		if v, ok := l.cache.Get(cacheKey); ok {
			return v.(*program), nil
		}
	}

	h, err := heap.New(l.cfg.Heap)
	if err != nil {
		return nil, err
	}
	if err := h.Restore(snap); err != nil {
		return nil, err
	}
	bc, meta, err := loadProgram(h, md.Pointers.Bytecode)
	if err != nil {
		return nil, err
	}
	eng, err := engine.NewGoja(bc, l.cfg.Engine)
	if err != nil {
		return nil, err
	}
	p := &program{
		bc:     bc,
		meta:   meta,
		table:  bridge.NewTable(meta),
		codec:  value.NewCodec(bc),
		engine: eng,
	}
	if l.cache != nil {
		l.cache.Set(cacheKey, p, 1)
		l.cache.Wait()
	}
	l.log.Debug("loaded program", zap.String("memdump", key.String()), zap.Int("handlers", len(meta.Instructions)))
	return p, nil
}

// Metadata returns the instruction schema of a finalized deployment given
// its memdump account data.
func (l *Loader) Metadata(memDump []byte) (*checker.InstructionSetMetadata, error) {
	md, err := LoadMemDump(memDump, l.cfg.Heap.ArenaSize)
	if err != nil {
		return nil, err
	}
	if md.FinishedStep != StepCheck {
		return nil, errcode.NotFinalized
	}
	h, err := heap.New(l.cfg.Heap)
	if err != nil {
		return nil, err
	}
	if err := h.Restore(md.Snapshot()); err != nil {
		return nil, err
	}
	_, meta, err := loadProgram(h, md.Pointers.Bytecode)
	return meta, err
}
