package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/pneulink/internal/codec"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <zone>",
		Short: "Send an actuator command to one zone of the patch",
		Long: `Encode an actuator command for the zone (name from device.zones or its index)
and write it to the command characteristic. Inflate and deflate are mutually exclusive.

Examples:
  pneulink send top_left --inflate --pump
  pneulink send 2 --deflate
  pneulink send bottom_right --inflate --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: runSend,
	}
	cmd.Flags().Bool("inflate", false, "Open the inflate valve")
	cmd.Flags().Bool("deflate", false, "Open the deflate valve")
	cmd.Flags().Bool("pump", false, "Run the pump")
	cmd.Flags().Bool("dry-run", false, "Print the encoded frame without connecting")
	cmd.Flags().Duration("timeout", 30*time.Second, "How long to try reaching the patch")
	cmd.MarkFlagsMutuallyExclusive("inflate", "deflate")
	return cmd
}

// parseZone accepts a zone name or its index in zones.
func parseZone(arg string, zones codec.Zones) (int, error) {
	if idx := zones.Index(arg); idx >= 0 {
		return idx, nil
	}
	idx, err := strconv.Atoi(arg)
	if err != nil || idx < 0 || idx >= len(zones) {
		return 0, fmt.Errorf("%w: unknown zone %q (zones: %v)", codec.ErrInvalidCommand, arg, zones)
	}
	return idx, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	zones := e.zones()
	idx, err := parseZone(args[0], zones)
	if err != nil {
		return err
	}
	inflate, _ := cmd.Flags().GetBool("inflate")
	deflate, _ := cmd.Flags().GetBool("deflate")
	pump, _ := cmd.Flags().GetBool("pump")
	command := codec.Command{ZoneIndex: idx, Inflate: inflate, Deflate: deflate, Pump: pump}

	if err := command.Validate(len(zones)); err != nil {
		return err
	}
	frame, err := codec.EncodeCommand(command)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		fmt.Fprintf(out, "%s (%s): %s\n", zones[idx], command, hex.EncodeToString(frame))
		return nil
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	radio := radioFactory(e.logger)
	defer closeRadio(radio)

	lnk, err := e.newLink(radio, nil)
	if err != nil {
		return err
	}
	defer lnk.Close()

	if err := lnk.Connect(ctx); err != nil {
		return err
	}
	if err := lnk.SendCommand(ctx, command); err != nil {
		return err
	}
	fmt.Fprintf(out, "Sent %s to %s: %s\n", command, zones[idx], hex.EncodeToString(frame))
	return nil
}
