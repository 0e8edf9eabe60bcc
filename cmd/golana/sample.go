package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fortiblox/golana/internal/sample"
	"github.com/fortiblox/golana/pkg/bytecode"
)

var sampleCmd = &cobra.Command{
	Use:   "sample <out>",
	Short: "Write the counter example image",
	Long: `Write the counter example image.

A full session against a fresh data directory:

  golana sample counter.gosb
  golana deploy counter.gosb
  golana account create seed:record 40
  golana exec counter IxInit --account authority:signer --account seed:record:mut --args 2900000000000000
  golana exec counter IxBump --account authority:signer --account seed:record:mut --args 0800000000000000
  golana journal --logs`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		compress, _ := cmd.Flags().GetBool("zstd")
		if err := bytecode.WriteImageFile(args[0], sample.Counter(), compress); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "wrote", args[0])
		return nil
	},
}

func init() {
	sampleCmd.Flags().Bool("zstd", false, "Compress the image")
	rootCmd.AddCommand(sampleCmd)
}
