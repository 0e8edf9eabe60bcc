package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/checker"
)

var checkCmd = &cobra.Command{
	Use:   "check <image>",
	Short: "Check an image and print its instruction schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, bc, err := bytecode.ReadImageFile(args[0])
		if err != nil {
			return err
		}
		md, err := checker.Check(bc)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), schemaTree(args[0], bc, md).String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func schemaTree(name string, bc *bytecode.Bytecode, md *checker.InstructionSetMetadata) treeprint.Tree {
	tree := treeprint.NewWithRoot(name)
	for _, ix := range md.Instructions {
		branch := tree.AddBranch(ix.Name)
		accs := branch.AddBranch("accounts")
		for _, acc := range ix.Accounts {
			accs.AddNode(accountLine(acc))
		}
		if len(ix.DataSlots) > 0 {
			data := branch.AddBranch("data")
			for _, slot := range ix.DataSlots {
				data.AddNode(fmt.Sprintf("%s: *%s", slot.Name, bc.TypeName(slot.Type)))
			}
		}
		if len(ix.Args) > 0 {
			args := branch.AddBranch("args")
			for _, arg := range ix.Args {
				args.AddNode(fmt.Sprintf("%s: %s", arg.Name, bc.TypeName(arg.Type)))
			}
		}
	}
	return tree
}

func accountLine(acc checker.AccMeta) string {
	var flags []string
	if acc.IsSigner {
		flags = append(flags, "signer")
	}
	if acc.IsMut {
		flags = append(flags, "mut")
	}
	if acc.Access.HasData() {
		flags = append(flags, "data="+acc.Access.Kind.String())
	}
	if len(flags) == 0 {
		return acc.Name
	}
	return fmt.Sprintf("%s [%s]", acc.Name, strings.Join(flags, ", "))
}
