package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/policy"
	"github.com/ppiankov/toolwarden/internal/policydiff"
)

var diffFormat string

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var diffCmd = &cobra.Command{
	Use:   "diff <old.yaml> [new.yaml]",
	Short: "Compare two policy files and show changes",
	Long: "Loads two policy YAML files and shows what a reload would change: tools,\n" +
		"trusted channels, rate limits, escalation and anomaly settings, and rules\n" +
		"added, removed or changed. With one argument the file is compared against\n" +
		"--policy. Both files must validate.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldPath, newPath := policyPath, args[0]
	if len(args) == 2 {
		oldPath, newPath = args[0], args[1]
	}
	return diffPolicies(cmd.OutOrStdout(), oldPath, newPath, diffFormat)
}

func diffPolicies(w io.Writer, oldPath, newPath, format string) error {
	oldPolicy, err := loadValid(oldPath)
	if err != nil {
		return fmt.Errorf("load old policy: %w", err)
	}
	newPolicy, err := loadValid(newPath)
	if err != nil {
		return fmt.Errorf("load new policy: %w", err)
	}

	result := policydiff.Diff(oldPolicy, newPolicy)
	result.OldPath = oldPath
	result.NewPath = newPath

	switch format {
	case "json":
		out, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	default:
		fmt.Fprint(w, policydiff.FormatText(result))
	}
	return nil
}

func loadValid(path string) (*policy.Policy, error) {
	p, res, err := policy.Load(path)
	if err != nil {
		return nil, err
	}
	if !res.Valid || p == nil {
		return nil, fmt.Errorf("%s: %s", path, res.Summary())
	}
	return p, nil
}
