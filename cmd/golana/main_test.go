package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/golana/internal/sample"
	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/checker"
	"github.com/fortiblox/golana/pkg/loader"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
)

// run executes the CLI and returns its output. Flag values are reset
// afterwards so runs do not leak into each other.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	resetFlags(rootCmd)
	require.NoError(t, err, out.String())
	return out.String()
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestSession(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "counter.gosb")
	data := "--data-dir=" + filepath.Join(dir, "ledger")

	require.Contains(t, run(t, "sample", "--zstd", image), "wrote")

	tree := run(t, "check", image)
	require.Contains(t, tree, sample.IxBump)
	require.Contains(t, tree, "user [signer]")
	require.Contains(t, tree, "amount: uint64")

	out := run(t, data, "deploy", image)
	require.Contains(t, out, "deployed counter")
	require.Contains(t, out, "check:")

	run(t, data, "account", "create", "seed:record", "40")
	run(t, data, "exec", "counter", sample.IxInit,
		"--account", "authority:signer",
		"--account", "seed:record:mut",
		"--args", "2900000000000000")
	out = run(t, data, "exec", "counter", sample.IxBump,
		"--account", "authority:signer",
		"--account", "seed:record:mut",
		"--args", "0800000000000000")
	require.Contains(t, out, "Program log: count, 50")

	out = run(t, data, "journal", "--limit", "2")
	require.Contains(t, out, "execute IxBump")
	require.Contains(t, out, "execute IxInit")
	require.NotContains(t, out, "finalize")

	out = run(t, data, "journal", "--program", loader.ProgramID.String(), "--limit", "1", "--logs")
	require.Contains(t, out, "count, 50")

	out = run(t, data, "deploy", "--upgrade", image)
	require.Contains(t, out, "deployed counter")

	record := types.PubkeyFromSeed([]byte("record"))
	out = run(t, data, "account", "list")
	require.Contains(t, out, record.String()+" ")
	require.Contains(t, out, "owner loader, 40 bytes")
	require.Contains(t, out, "owner system, 0 bytes")
	require.Contains(t, out, types.PubkeyFromSeed([]byte("authority")).String())

	out = run(t, data, "account", "list", "--owner", loader.ProgramID.String())
	require.Contains(t, out, record.String())
	require.NotContains(t, out, "owner system")

	out = run(t, data, "account", "show", "seed:record")
	require.Contains(t, out, "owner: loader")
	require.Contains(t, out, "data: 40 bytes")
}

func TestParseMeta(t *testing.T) {
	l := &ledger{authority: types.PubkeyFromSeed([]byte("me"))}

	meta, err := l.parseMeta("authority:signer:mut")
	require.NoError(t, err)
	require.Equal(t, svm.AccountMeta{Pubkey: l.authority, IsSigner: true, IsWritable: true}, meta)

	meta, err = l.parseMeta("seed:record:mut")
	require.NoError(t, err)
	require.Equal(t, svm.AccountMeta{Pubkey: types.PubkeyFromSeed([]byte("record")), IsWritable: true}, meta)

	meta, err = l.parseMeta(loader.ProgramID.String())
	require.NoError(t, err)
	require.Equal(t, loader.ProgramID, meta.Pubkey)

	_, err = l.parseMeta("authority:owner")
	require.Error(t, err)
	_, err = l.parseMeta("not-base58-0OIl")
	require.Error(t, err)
}

func TestLabel(t *testing.T) {
	me := types.PubkeyFromSeed([]byte("me"))
	write, err := loader.WriteIx(me, "counter", []byte{1, 2})
	require.NoError(t, err)
	tx := txOf(system.Transfer(me, me, 1), write)
	require.Equal(t, "system; write 2 bytes", label(tx))
}

func TestAccountLine(t *testing.T) {
	require.Equal(t, "record", accountLine(checker.AccMeta{Name: "record"}))
	require.Equal(t, "user [signer, mut, data=init]", accountLine(checker.AccMeta{
		Name:     "user",
		IsSigner: true,
		IsMut:    true,
		Access:   checker.AccessMode{Kind: checker.AccessInitialize},
	}))
}
