package main

import (
	"fmt"
	"path"

	"github.com/spf13/cobra"
	"github.com/xlab/treeprint"

	"github.com/fortiblox/golana/pkg/bytecode"
	"github.com/fortiblox/golana/pkg/loader"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <image>",
	Short: "Upload and finalize an image on the local ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeploy,
}

var clearCmd = &cobra.Command{
	Use:   "clear <handle> <new-size>",
	Short: "Reset a deployment so new bytecode can be uploaded",
	Args:  cobra.ExactArgs(2),
	RunE:  runClear,
}

func init() {
	deployCmd.Flags().String("handle", "", "Deployment handle (defaults to the last element of the main package path)")
	deployCmd.Flags().Bool("upgrade", false, "Replace the bytecode of an existing deployment")
	rootCmd.AddCommand(deployCmd, clearCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	raw, bc, err := bytecode.ReadImageFile(args[0])
	if err != nil {
		return err
	}
	handle, _ := cmd.Flags().GetString("handle")
	if handle == "" {
		pkg, err := bc.Main()
		if err != nil {
			return err
		}
		handle = path.Base(pkg.Path)
	}

	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	var d *loader.Deployment
	if upgrade, _ := cmd.Flags().GetBool("upgrade"); upgrade {
		ix, cerr := loader.ClearIx(l.authority, handle, uint64(len(raw)))
		if cerr != nil {
			return cerr
		}
		if _, err := l.Process(cmd.Context(), txOf(ix)); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		d, err = loader.Upload(cmd.Context(), l, l.authority, handle, raw, l.log)
	} else {
		d, err = loader.Deploy(cmd.Context(), l, l.authority, handle, raw, l.loader.ArenaSize(), l.log)
	}
	if err != nil {
		return err
	}

	tree := treeprint.NewWithRoot(fmt.Sprintf("deployed %s (%d bytes, %d writes)", d.Handle, len(raw), d.Writes))
	tree.AddNode("authority: " + l.authority.String())
	tree.AddNode("bytecode: " + d.Bytecode.String())
	tree.AddNode("memdump: " + d.MemDump.String())
	steps := tree.AddBranch("finalize")
	for step, cu := range d.StepCU {
		steps.AddNode(fmt.Sprintf("%s: %d CU", loader.StepName(uint8(step)), cu))
	}
	fmt.Fprint(cmd.OutOrStdout(), tree.String())
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	var newSize uint64
	if _, err := fmt.Sscan(args[1], &newSize); err != nil {
		return fmt.Errorf("new size: %w", err)
	}
	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	ix, err := loader.ClearIx(l.authority, args[0], newSize)
	if err != nil {
		return err
	}
	res, err := l.Process(cmd.Context(), txOf(ix))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleared %s (%d CU)\n", args[0], res.ComputeUnitsConsumed)
	return nil
}
