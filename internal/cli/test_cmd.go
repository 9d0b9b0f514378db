package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/scenario"
)

var (
	testScenario string
	testFormat   string
)

func init() {
	rootCmd.AddCommand(testCmd)
	testCmd.Flags().StringVar(&testScenario, "scenario", "", "Glob pattern for scenario YAML files (required)")
	testCmd.Flags().StringVarP(&testFormat, "format", "f", "text", "Output format (text|json)")
	testCmd.MarkFlagRequired("scenario")
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run governance assertions from scenario files",
	Long: "Loads scenario YAML files matching a glob pattern and replays each sequence\n" +
		"of tool calls through the gateway against a throwaway store, on a simulated\n" +
		"clock. Cases may approve or deny the last escalation before running.\n\n" +
		"Exit code 0 if all cases pass, 1 if any fail.\n" +
		"Use in CI to gate policy changes.",
	RunE: runTest,
}

func runTest(cmd *cobra.Command, args []string) error {
	matches, err := filepath.Glob(testScenario)
	if err != nil {
		return fmt.Errorf("invalid glob pattern: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no scenario files match pattern: %s", testScenario)
	}

	var results []*scenario.RunResult
	for _, path := range matches {
		r, err := scenario.LoadAndRun(cmd.Context(), path, policyPath)
		if err != nil {
			return err
		}
		results = append(results, r)
	}

	w := cmd.OutOrStdout()
	switch testFormat {
	case "json":
		out, err := scenario.FormatJSON(results)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	default:
		fmt.Fprint(w, scenario.FormatText(results))
	}

	for _, r := range results {
		if r.Failed > 0 {
			return exitError{code: 1}
		}
	}
	return nil
}
