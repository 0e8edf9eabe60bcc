package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/accounts"
	"github.com/fortiblox/golana/pkg/journal"
	"github.com/fortiblox/golana/pkg/loader"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs"
)

// ledger is the local chain a command runs against: the account store, a
// runtime with the loader registered, and the journal every transaction is
// recorded in.
type ledger struct {
	log       *zap.Logger
	db        *accounts.BadgerDB
	rt        *svm.Runtime
	loader    *loader.Loader
	journal   *journal.Store
	authority types.Pubkey
}

func openLedger() (*ledger, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	dir := viper.GetString(keyDataDir)

	dbCfg := accounts.DefaultBadgerDBConfig(filepath.Join(dir, "accounts"))
	dbCfg.Logger = log
	db, err := accounts.NewBadgerDB(dbCfg)
	if err != nil {
		return nil, err
	}
	jn, err := journal.Open(journal.DefaultConfig(filepath.Join(dir, "journal.db")))
	if err != nil {
		db.Close()
		return nil, err
	}

	rtCfg := svm.DefaultConfig()
	rtCfg.DefaultComputeUnits = viper.GetUint64(keyComputeLimit)
	rtCfg.Logger = log.Named("svm")
	rt := svm.NewRuntime(db, rtCfg)
	programs.RegisterBuiltins(rt)

	ldCfg := loader.DefaultConfig()
	ldCfg.Heap.ArenaSize = viper.GetInt(keyArenaSize)
	ldCfg.Logger = log.Named("loader")
	ld, err := loader.New(ldCfg)
	if err != nil {
		jn.Close()
		db.Close()
		return nil, err
	}
	rt.Register(loader.ProgramID, ld)

	l := &ledger{
		log:       log,
		db:        db,
		rt:        rt,
		loader:    ld,
		journal:   jn,
		authority: types.PubkeyFromSeed([]byte(viper.GetString(keyAuthoritySeed))),
	}
	if err := l.fund(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// fund tops the authority up to the configured airdrop balance.
func (l *ledger) fund() error {
	want := viper.GetUint64(keyAirdropLamports)
	var have uint64
	acc, err := l.db.GetAccount(l.authority)
	switch {
	case err == nil:
		have = acc.Lamports
	case !errors.Is(err, accounts.ErrAccountNotFound):
		return err
	}
	if have >= want {
		return nil
	}
	l.log.Debug("funding authority",
		zap.String("authority", l.authority.String()),
		zap.Uint64("lamports", want-have))
	return l.rt.Airdrop(l.authority, want-have)
}

// Process runs tx and records it in the journal whatever the outcome.
func (l *ledger) Process(ctx context.Context, tx *svm.Transaction) (*svm.ExecutionResult, error) {
	res, err := l.rt.Process(ctx, tx)
	if jerr := l.journal.Append(journal.NewEntry(label(tx), tx, res)); jerr != nil {
		l.log.Warn("journal append failed", zap.Error(jerr))
	}
	return res, err
}

func (l *ledger) Close() {
	l.loader.Close()
	if err := l.journal.Close(); err != nil {
		l.log.Warn("close journal", zap.Error(err))
	}
	if err := l.db.Close(); err != nil {
		l.log.Warn("close accounts", zap.Error(err))
	}
	l.log.Sync()
}

// label describes a transaction by its instructions.
func label(tx *svm.Transaction) string {
	parts := make([]string, 0, len(tx.Instructions))
	for _, ix := range tx.Instructions {
		if d := loader.Describe(ix); d != "" {
			parts = append(parts, d)
			continue
		}
		parts = append(parts, programName(ix.ProgramID))
	}
	return strings.Join(parts, "; ")
}

// programName names the host's native programs and prints any other key.
func programName(id types.Pubkey) string {
	if !types.IsNativeProgram(id) {
		return id.String()
	}
	switch id {
	case types.SystemProgramAddr:
		return "system"
	case types.TokenProgramAddr:
		return "token"
	case types.AssociatedTokenProgramAddr:
		return "associated-token"
	case loader.ProgramID:
		return "loader"
	}
	return id.String()
}

// parseKey accepts a base58 address, "authority", or "seed:<s>" for the
// address derived from s.
func (l *ledger) parseKey(s string) (types.Pubkey, error) {
	switch {
	case s == "authority":
		return l.authority, nil
	case strings.HasPrefix(s, "seed:"):
		return types.PubkeyFromSeed([]byte(strings.TrimPrefix(s, "seed:"))), nil
	}
	key, err := types.PubkeyFromBase58(s)
	if err != nil {
		return types.Pubkey{}, fmt.Errorf("account %q: %w", s, err)
	}
	return key, nil
}
