package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fortiblox/golana/pkg/loader"
	"github.com/fortiblox/golana/pkg/svm"
)

var execCmd = &cobra.Command{
	Use:   "exec <handle> <ix>",
	Short: "Execute one handler of a finalized deployment",
	Long: `Execute one handler of a finalized deployment.

Accounts are given in handler declaration order as key[:signer][:mut], where
key is a base58 address, "authority", or "seed:<s>".`,
	Args: cobra.ExactArgs(2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringArray("account", nil, "Handler account, key[:signer][:mut] (repeatable)")
	execCmd.Flags().String("args", "", "Hex-encoded handler arguments")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	handle, id := args[0], args[1]
	specs, _ := cmd.Flags().GetStringArray("account")
	argHex, _ := cmd.Flags().GetString("args")
	ixArgs, err := hex.DecodeString(argHex)
	if err != nil {
		return fmt.Errorf("args: %w", err)
	}

	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	metas := make([]svm.AccountMeta, 0, len(specs))
	for _, spec := range specs {
		meta, err := l.parseMeta(spec)
		if err != nil {
			return err
		}
		metas = append(metas, meta)
	}
	bcAddr, mdAddr, err := loader.Addresses(l.authority, handle)
	if err != nil {
		return err
	}
	ix, err := loader.ExecuteIx(bcAddr, mdAddr, id, ixArgs, metas)
	if err != nil {
		return err
	}

	res, err := l.Process(cmd.Context(), txOf(ix))
	out := cmd.OutOrStdout()
	if res != nil {
		for _, line := range res.Logs {
			fmt.Fprintln(out, line)
		}
		fmt.Fprintf(out, "slot %d, %d CU\n", res.Slot, res.ComputeUnitsConsumed)
	}
	return err
}

func (l *ledger) parseMeta(spec string) (svm.AccountMeta, error) {
	parts := strings.Split(spec, ":")
	key := parts[0]
	flags := parts[1:]
	// "seed:<s>" keeps its colon.
	if key == "seed" && len(parts) > 1 {
		key, flags = "seed:"+parts[1], parts[2:]
	}
	pk, err := l.parseKey(key)
	if err != nil {
		return svm.AccountMeta{}, err
	}
	meta := svm.AccountMeta{Pubkey: pk}
	for _, f := range flags {
		switch f {
		case "signer":
			meta.IsSigner = true
		case "mut":
			meta.IsWritable = true
		default:
			return svm.AccountMeta{}, fmt.Errorf("account %q: unknown flag %q", spec, f)
		}
	}
	return meta, nil
}

func txOf(ixs ...*svm.Instruction) *svm.Transaction {
	return &svm.Transaction{Instructions: ixs}
}
