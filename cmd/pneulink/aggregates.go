package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/pneulink/internal/gateway"
)

const dateLayout = "2006-01-02"

func newAggregatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregates",
		Short: "Show aggregated pressure statistics from the remote service",
		Long: `Fetch per-patch pressure aggregates for a user and print overall and per-zone
statistics. Averages are weighted by sample count.

Dates are RFC 3339 timestamps or plain dates (2006-01-02, UTC midnight).`,
		Args: cobra.NoArgs,
		RunE: runAggregates,
	}
	cmd.Flags().String("user", "", "User id (overrides sync.user_id)")
	cmd.Flags().String("start", "", "Start of the range (inclusive)")
	cmd.Flags().String("end", "", "End of the range")
	cmd.Flags().StringP("format", "f", "table", "Output format (table, json)")
	return cmd
}

// parseDate accepts RFC 3339 or a plain date. Empty means unbounded.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use %s or RFC 3339", s, dateLayout)
	}
	return t, nil
}

func runAggregates(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")
	start, err := parseDate(startStr)
	if err != nil {
		return err
	}
	end, err := parseDate(endStr)
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("end %s is before start %s", endStr, startStr)
	}

	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	userID, err := e.userID(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	gw, err := e.newGateway()
	if err != nil {
		return err
	}
	aggregates, err := gw.Aggregates(ctx, userID, start, end)
	if err != nil {
		return err
	}
	summary := gateway.Summarize(aggregates)

	if format == "json" {
		return writeSummaryJSON(cmd.OutOrStdout(), userID, summary)
	}
	return writeSummaryTable(cmd.OutOrStdout(), userID, summary)
}

type patchJSON struct {
	PatchID     string  `json:"patch_id"`
	AvgPressure float64 `json:"avg_pressure"`
	MaxPressure float64 `json:"max_pressure"`
	MinPressure float64 `json:"min_pressure"`
	SampleCount int     `json:"sample_count"`
}

type summaryJSON struct {
	UserID       string      `json:"user_id"`
	AvgPressure  float64     `json:"avg_pressure"`
	MaxPressure  float64     `json:"max_pressure"`
	MinPressure  float64     `json:"min_pressure"`
	TotalSamples int         `json:"total_samples"`
	Patches      []patchJSON `json:"patches"`
}

func sortedPatchIDs(s gateway.Summary) []string {
	ids := make([]string, 0, len(s.ByPatch))
	for id := range s.ByPatch {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func writeSummaryJSON(w io.Writer, userID string, s gateway.Summary) error {
	out := summaryJSON{
		UserID:       userID,
		TotalSamples: s.TotalSamples,
		Patches:      []patchJSON{},
	}
	if s.TotalSamples > 0 {
		out.AvgPressure, out.MaxPressure, out.MinPressure = s.AvgPressure, s.MaxPressure, s.MinPressure
	}
	for _, id := range sortedPatchIDs(s) {
		p := s.ByPatch[id]
		out.Patches = append(out.Patches, patchJSON{
			PatchID:     id,
			AvgPressure: p.Avg,
			MaxPressure: p.Max,
			MinPressure: p.Min,
			SampleCount: p.Count,
		})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeSummaryTable(w io.Writer, userID string, s gateway.Summary) error {
	if s.TotalSamples == 0 {
		_, err := fmt.Fprintf(w, "No aggregated data for user %s\n", userID)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tAVG\tMAX\tMIN\tSAMPLES")
	for _, id := range sortedPatchIDs(s) {
		p := s.ByPatch[id]
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%d\n", id, p.Avg, p.Max, p.Min, p.Count)
	}
	fmt.Fprintf(tw, "ALL\t%.2f\t%.2f\t%.2f\t%d\n", s.AvgPressure, s.MaxPressure, s.MinPressure, s.TotalSamples)
	return tw.Flush()
}
