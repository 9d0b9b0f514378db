package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(denyCmd)
}

var denyCmd = &cobra.Command{
	Use:   "deny <token>",
	Short: "Explicitly deny an approval token",
	Long:  "Denies a pending or approved token. Retrying the call with it fails with token-denied.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), flagOptions())
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.gw.DenyToken(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to deny token: %w", err)
	}
	return printOutcome(cmd.OutOrStdout(), "Denied", out)
}
