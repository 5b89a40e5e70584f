package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// newRootCmd builds the command tree. Tests build a fresh tree per case so flag
// values never leak between executions.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pneulink",
		Short: "Wearable pressure patch link and sync daemon",
		Long: `pneulink keeps a Bluetooth Low Energy link to a pressure sensing patch and
forwards its readings to a remote aggregation service:

- Stream pressure readings into a durable local queue
- Periodically upload queued readings, purging only confirmed batches
- Drive the patch actuators (inflate, deflate, pump) per zone
- Query aggregated pressure statistics from the remote service`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),

		// Silence Cobra's "Error:" prefix - main() prints clean errors
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Config file (default pneulink.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output (same as --log-level debug)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(
		newRunCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newClearCmd(),
		newSendCmd(),
		newAggregatesCmd(),
		newScanCmd(),
	)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		// Print user-friendly error message
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
