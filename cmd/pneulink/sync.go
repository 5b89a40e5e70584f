package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/pneulink/internal/syncer"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload one batch of queued readings now",
		Long: `Upload the oldest queued readings (up to sync.batch_size) to the remote service
and purge them locally once the upload is confirmed. On failure nothing is purged.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}
	cmd.Flags().String("user", "", "User id readings are uploaded for (overrides sync.user_id)")
	cmd.Flags().Bool("all", false, "Keep uploading batches until the queue is empty")
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	userID, err := e.userID(cmd)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	q, err := e.openQueue(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	gw, err := e.newGateway()
	if err != nil {
		return err
	}

	s := syncer.New(q, gw, syncer.Config{
		BatchSize: e.cfg.Sync.BatchSize,
		Timeout:   e.cfg.Gateway.Timeout,
	}, e.logger, nil)

	out := cmd.OutOrStdout()
	var total, inserted int
	for {
		// An upload already sent is allowed to finish so its purge is not lost.
		res, err := s.RunOnce(context.WithoutCancel(ctx), userID)
		if err != nil {
			return err
		}
		total += res.ReadingsCount
		inserted += res.RowsInserted
		if !all || res.ReadingsCount == 0 || ctx.Err() != nil {
			break
		}
	}

	if total == 0 {
		fmt.Fprintln(out, "Nothing to sync")
		return nil
	}
	fmt.Fprintf(out, "Synced %d readings (%d rows inserted)\n", total, inserted)
	return nil
}
