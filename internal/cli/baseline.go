package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/anomaly"
	"github.com/ppiankov/toolwarden/internal/identity"
	"github.com/ppiankov/toolwarden/internal/policy"
)

var (
	baselineWindow int64
	baselineFormat string
)

func init() {
	rootCmd.AddCommand(baselineCmd)
	baselineCmd.Flags().Int64Var(&baselineWindow, "window", 0, "Window length in seconds (default: the policy's anomaly window)")
	baselineCmd.Flags().StringVarP(&baselineFormat, "format", "f", "text", "Output format (text|json)")
}

var baselineCmd = &cobra.Command{
	Use:   "baseline <agent>",
	Short: "Show an agent's behavioral baseline",
	Long:  "Rebuilds the usage baseline the anomaly detector compares calls against:\naverage calls per window over completed windows, tools seen, total calls.",
	Args:  cobra.ExactArgs(1),
	RunE:  runBaseline,
}

type baselineReport struct {
	*anomaly.Baseline
	CurrentWindowCalls int `json:"current_window_calls"`
}

func runBaseline(cmd *cobra.Command, args []string) error {
	window := baselineWindow
	if window <= 0 {
		window = policyAnomalyWindow(policyPath)
	}

	a, err := openApp(cmd.Context(), flagOptions())
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := buildReport(cmd.Context(), a, args[0], window, time.Now())
	if err != nil {
		return err
	}
	return printBaseline(cmd.OutOrStdout(), r, baselineFormat)
}

func buildReport(ctx context.Context, a *app, agent string, window int64, now time.Time) (baselineReport, error) {
	agent = identity.Canonical(agent)
	b, err := anomaly.BuildBaseline(ctx, a.store, agent, window, now)
	if err != nil {
		return baselineReport{}, fmt.Errorf("failed to build baseline: %w", err)
	}
	cur, err := anomaly.CountCurrentWindowCalls(ctx, a.store, agent, window, now)
	if err != nil {
		return baselineReport{}, fmt.Errorf("failed to count current window: %w", err)
	}
	return baselineReport{Baseline: b, CurrentWindowCalls: cur}, nil
}

// policyAnomalyWindow returns the policy's anomaly window, or the default
// when the policy cannot be loaded.
func policyAnomalyWindow(path string) int64 {
	p, _, err := policy.Load(path)
	if err != nil || p == nil || p.Anomaly.WindowSeconds <= 0 {
		return policy.DefaultAnomalyWindow
	}
	return p.Anomaly.WindowSeconds
}

func printBaseline(w io.Writer, r baselineReport, format string) error {
	if format == "json" {
		out, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
		return nil
	}

	fmt.Fprintf(w, "Agent:            %s\n", r.Agent)
	fmt.Fprintf(w, "Window:           %ds\n", r.WindowSeconds)
	fmt.Fprintf(w, "Total calls:      %d over %d window(s)\n", r.TotalCalls, r.Windows)
	fmt.Fprintf(w, "Avg per window:   %.2f\n", r.AvgCallsPerWindow)
	fmt.Fprintf(w, "Current window:   %d\n", r.CurrentWindowCalls)
	tools := "none"
	if len(r.ToolsSeen) > 0 {
		tools = strings.Join(r.ToolsSeen, ", ")
	}
	fmt.Fprintf(w, "Tools seen:       %s\n", tools)
	return nil
}
