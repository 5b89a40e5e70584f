package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every queued reading without uploading it",
		Args:  cobra.NoArgs,
		RunE:  runClear,
	}
	cmd.Flags().Bool("yes", false, "Confirm deletion of unsynced readings")
	return cmd
}

func runClear(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	q, err := e.openQueue(cmd.Context())
	if err != nil {
		return err
	}
	defer q.Close()

	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		pending, err := q.Count(cmd.Context())
		if err != nil {
			return err
		}
		if pending == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is already empty")
			return nil
		}
		return fmt.Errorf("%w: %d unsynced readings would be lost, re-run with --yes", ErrConfirmationRequired, pending)
	}

	n, err := q.ClearAll(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d queued readings\n", n)
	return nil
}
