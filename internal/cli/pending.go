package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/store"
)

var pendingAll bool

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.Flags().BoolVar(&pendingAll, "all", false, "Show tokens in every status, not only pending")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending approval tokens",
	Long:  "Shows approval tokens awaiting review with their tool, agent and expiry.\nArguments are never shown; tokens bind to an argument hash.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), flagOptions())
	if err != nil {
		return err
	}
	defer a.Close()

	var list []store.Token
	if pendingAll {
		list, err = a.esc.ListTokens(cmd.Context())
	} else {
		list, err = a.gw.PendingTokens(cmd.Context())
	}
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}
	printTokens(cmd.OutOrStdout(), list, time.Now())
	return nil
}

func printTokens(w io.Writer, list []store.Token, now time.Time) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No pending approvals.")
		return
	}

	fmt.Fprintf(w, "%-40s %-10s %-20s %-16s %s\n", "TOKEN", "STATUS", "TOOL", "AGENT", "EXPIRES")
	for _, t := range list {
		fmt.Fprintf(w, "%-40s %-10s %-20s %-16s %s\n",
			t.Token,
			t.EffectiveStatus(now),
			truncate(t.ToolName, 20),
			truncate(t.Agent, 16),
			t.ExpiresAt().Local().Format("15:04:05"),
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
