package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/escalation"
)

func init() {
	rootCmd.AddCommand(approveCmd)
}

var approveCmd = &cobra.Command{
	Use:   "approve <token>",
	Short: "Approve a pending approval token",
	Long:  "Approves a pending, unexpired approval token. The agent can then retry the\nexact same call (same tool, same arguments) once; the token is consumed on use.",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), flagOptions())
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.gw.ApproveToken(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to approve token: %w", err)
	}
	return printOutcome(cmd.OutOrStdout(), "Approved", out)
}

// printOutcome prints a token transition and maps failure to exit code 1.
func printOutcome(w io.Writer, verb string, out escalation.Outcome) error {
	if !out.Success {
		fmt.Fprintln(w, out.Detail)
		return exitError{code: 1}
	}
	fmt.Fprintf(w, "%s %s (tool %q, expires %s)\n",
		verb, out.Token.Token, out.Token.ToolName, out.Token.ExpiresAt().Local().Format("2006-01-02 15:04:05"))
	return nil
}
