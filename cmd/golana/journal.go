package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fortiblox/golana/pkg/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List recorded transactions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJournal,
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune <keep>",
	Short: "Delete all but the newest entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var keep uint64
		if _, err := fmt.Sscan(args[0], &keep); err != nil {
			return fmt.Errorf("keep: %w", err)
		}
		l, err := openLedger()
		if err != nil {
			return err
		}
		defer l.Close()
		n, err := l.journal.Prune(keep)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
		return nil
	},
}

func init() {
	f := journalCmd.Flags()
	f.Int("limit", 20, "Maximum number of entries")
	f.Uint64("before", 0, "Only entries older than this sequence number")
	f.String("program", "", "Only entries that invoked this program")
	f.Bool("logs", false, "Print program logs")
	journalCmd.AddCommand(journalPruneCmd)
	rootCmd.AddCommand(journalCmd)
}

func runJournal(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	before, _ := cmd.Flags().GetUint64("before")
	program, _ := cmd.Flags().GetString("program")
	logs, _ := cmd.Flags().GetBool("logs")

	l, err := openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	opts := journal.ListOptions{Limit: limit, Before: before}
	var entries []*journal.Entry
	if program != "" {
		key, err := l.parseKey(program)
		if err != nil {
			return err
		}
		entries, err = l.journal.ByProgram(key, opts)
		if err != nil {
			return err
		}
	} else if entries, err = l.journal.List(opts); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range entries {
		printEntry(out, e, logs)
	}
	return nil
}

func printEntry(w io.Writer, e *journal.Entry, logs bool) {
	status := "ok"
	if !e.Success {
		status = "FAILED"
	}
	fmt.Fprintf(w, "#%d slot %d %s %s (%d CU)\n", e.Seq, e.Slot, status, e.Label, e.ComputeUnits)
	if e.Error != "" {
		fmt.Fprintf(w, "    error: %s\n", e.Error)
	}
	if logs {
		for _, line := range e.Logs {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}
