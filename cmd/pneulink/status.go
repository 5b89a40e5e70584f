package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/pneulink/internal/codec"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth, last sync and remote service reachability",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().Bool("device", false, "Also connect to the patch and read its status characteristic")
	cmd.Flags().Duration("timeout", 30*time.Second, "How long to try reaching the patch with --device")
	return cmd
}

// statusLine prints a "label: value" row with a colored value.
func statusLine(w io.Writer, label string, c *color.Color, format string, args ...interface{}) {
	fmt.Fprintf(w, "%-12s ", label+":")
	c.Fprintf(w, format, args...)
	fmt.Fprintln(w)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)
	out := cmd.OutOrStdout()

	q, err := e.openQueue(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	pending, err := q.Count(ctx)
	if err != nil {
		return err
	}
	if pending == 0 {
		statusLine(out, "Queue", green, "empty")
	} else {
		statusLine(out, "Queue", yellow, "%d readings pending", pending)
	}

	last, err := q.LastSync(ctx)
	if err != nil {
		return err
	}
	if last.IsZero() {
		statusLine(out, "Last sync", yellow, "never")
	} else {
		statusLine(out, "Last sync", green, "%s", last.UTC().Format(codec.TimestampLayout))
	}

	gw, err := e.newGateway()
	if err != nil {
		return err
	}
	if err := gw.Ping(ctx); err != nil {
		statusLine(out, "Gateway", red, "unreachable (%s): %v", e.cfg.Gateway.BaseURL, err)
	} else {
		statusLine(out, "Gateway", green, "reachable (%s)", e.cfg.Gateway.BaseURL)
	}

	withDevice, _ := cmd.Flags().GetBool("device")
	if !withDevice {
		return nil
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return printDeviceStatus(ctx, e, out, timeout)
}

func printDeviceStatus(ctx context.Context, e *env, out io.Writer, timeout time.Duration) error {
	radio := radioFactory(e.logger)
	defer closeRadio(radio)

	lnk, err := e.newLink(radio, nil)
	if err != nil {
		return err
	}
	defer lnk.Close()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := lnk.Connect(connectCtx); err != nil {
		statusLine(out, "Patch", color.New(color.FgRed), "%s not reachable: %v", e.cfg.Device.Name, FormatUserError(err))
		return nil
	}

	status, err := lnk.ReadStatus(connectCtx)
	if err != nil {
		return err
	}
	statusLine(out, "Patch", color.New(color.FgGreen), "%s connected, status %q", e.cfg.Device.Name, strings.TrimRight(string(status), "\x00"))
	return nil
}
