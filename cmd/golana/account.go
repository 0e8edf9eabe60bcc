package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/fortiblox/golana/internal/types"
	"github.com/fortiblox/golana/pkg/accounts"
	"github.com/fortiblox/golana/pkg/loader"
	"github.com/fortiblox/golana/pkg/svm"
	"github.com/fortiblox/golana/pkg/svm/programs/system"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Create and inspect ledger accounts",
}

var accountCreateCmd = &cobra.Command{
	Use:   "create <key> <space>",
	Short: "Create a rent-exempt account owned by the loader",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var space uint64
		if _, err := fmt.Sscan(args[1], &space); err != nil {
			return fmt.Errorf("space: %w", err)
		}
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()

		key, err := l.parseKey(args[0])
		if err != nil {
			return err
		}
		ix := system.CreateAccount(l.authority, key, svm.MinimumBalance(space), space, loader.ProgramID)
		if _, err := l.Process(cmd.Context(), txOf(ix)); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var accountShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()

		key, err := l.parseKey(args[0])
		if err != nil {
			return err
		}
		acc, err := l.db.GetAccount(key)
		if err != nil {
			return err
		}
		tree := treeprint.NewWithRoot(key.String())
		tree.AddNode(fmt.Sprintf("lamports: %d", acc.Lamports))
		tree.AddNode("owner: " + programName(acc.Owner))
		tree.AddNode(fmt.Sprintf("data: %d bytes", len(acc.Data)))
		if len(acc.Data) > 0 && len(acc.Data) <= 256 {
			tree.AddNode(hex.EncodeToString(acc.Data))
		}
		fmt.Fprint(cmd.OutOrStdout(), tree.String())
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger accounts in key order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ownerFlag, _ := cmd.Flags().GetString("owner")
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()

		var owner *types.Pubkey
		if ownerFlag != "" {
			key, err := l.parseKey(ownerFlag)
			if err != nil {
				return err
			}
			owner = &key
		}
		out := cmd.OutOrStdout()
		return l.db.IterateAccounts(func(key types.Pubkey, acc *accounts.Account) error {
			if owner != nil && acc.Owner != *owner {
				return nil
			}
			fmt.Fprintf(out, "%s %d lamports, owner %s, %d bytes\n",
				key, acc.Lamports, programName(acc.Owner), len(acc.Data))
			return nil
		})
	},
}

func init() {
	accountListCmd.Flags().String("owner", "", "Only accounts owned by this program")
	accountCmd.AddCommand(accountCreateCmd, accountShowCmd, accountListCmd)
	rootCmd.AddCommand(accountCmd)
}
