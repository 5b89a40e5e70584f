package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/pneulink/scanner"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List nearby BLE devices and mark the configured patch",
		Long: `Scan for Bluetooth Low Energy advertisements and list the devices seen.
The device whose name matches device.name is the one "run" connects to.`,
		Args: cobra.NoArgs,
		RunE: runScan,
	}
	cmd.Flags().DurationP("duration", "d", 10*time.Second, "Scan duration")
	cmd.Flags().StringSlice("allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSlice("block", nil, "Hide devices with these addresses")
	cmd.Flags().Bool("patch-only", false, "Only show devices named like the configured patch")
	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	duration, _ := cmd.Flags().GetDuration("duration")
	if duration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", duration)
	}

	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	radio := radioFactory(e.logger)
	defer closeRadio(radio)

	s, err := scanner.NewScanner(radio, e.logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	opts := &scanner.ScanOptions{Duration: duration}
	opts.AllowList, _ = cmd.Flags().GetStringSlice("allow")
	opts.BlockList, _ = cmd.Flags().GetStringSlice("block")
	if patchOnly, _ := cmd.Flags().GetBool("patch-only"); patchOnly {
		opts.Names = []string{e.cfg.Device.Name}
	}

	// Ctrl+C ends the scan early and still prints what was found.
	devices, err := s.Scan(ctx, opts)
	if err != nil {
		return err
	}
	return writeScanTable(cmd.OutOrStdout(), scanner.SortByRSSI(devices), e.cfg.Device.Name)
}

func writeScanTable(w io.Writer, devices []scanner.DeviceInfo, target string) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No devices found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\t")
	for _, d := range devices {
		marker := ""
		if d.Name == target {
			marker = "<- patch"
		}
		name := d.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Address, name, d.RSSI, marker)
	}
	return tw.Flush()
}
