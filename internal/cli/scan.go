package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/dlp"
	"github.com/ppiankov/toolwarden/internal/governance"
)

var (
	scanTool   string
	scanUser   string
	scanFormat string
)

func init() {
	for _, c := range []*cobra.Command{scanCmd, redactCmd} {
		c.Flags().StringVar(&scanTool, "tool", "", "Tool that produced the output")
		c.Flags().StringVar(&scanUser, "user", "", "Caller identity recorded with the scan")
		rootCmd.AddCommand(c)
	}
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "text", "Output format (text|json)")
}

var scanCmd = &cobra.Command{
	Use:   "scan [file]",
	Short: "Scan tool output for sensitive data",
	Long: "Runs the DLP rules over tool output read from a file or stdin and reports\n" +
		"match types and positions. Matched text is never printed.\n\n" +
		"Exit code 0 if clean, 1 if sensitive data was found.",
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

var redactCmd = &cobra.Command{
	Use:   "redact [file]",
	Short: "Redact sensitive data from tool output",
	Long:  "Prints tool output read from a file or stdin with every DLP match replaced\nby the policy's redaction placeholder.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRedact,
}

func outputRequest(args []string) (governance.OutputRequest, error) {
	src := "-"
	if len(args) == 1 {
		src = args[0]
	}
	text, err := readInput(src)
	if err != nil {
		return governance.OutputRequest{}, err
	}
	return governance.OutputRequest{ToolName: scanTool, UserID: scanUser, Output: text}, nil
}

func runScan(cmd *cobra.Command, args []string) error {
	req, err := outputRequest(args)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), flagOptions())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.gw.ScanOutput(cmd.Context(), req)
	if err != nil {
		return policyError(err)
	}
	if err := printScan(cmd.OutOrStdout(), res, scanFormat); err != nil {
		return err
	}
	if res.Found {
		return exitError{code: 1}
	}
	return nil
}

func runRedact(cmd *cobra.Command, args []string) error {
	req, err := outputRequest(args)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), flagOptions())
	if err != nil {
		return err
	}
	defer a.Close()

	redacted, _, err := a.gw.RedactOutput(cmd.Context(), req)
	if err != nil {
		return policyError(err)
	}
	fmt.Fprint(cmd.OutOrStdout(), redacted)
	return nil
}

func printScan(w io.Writer, res dlp.ScanResult, format string) error {
	if format == "json" {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
		return nil
	}

	fmt.Fprintln(w, res.Summary)
	for _, m := range res.Matches {
		fmt.Fprintf(w, "  %-22s [%d:%d] confidence %.2f\n", m.Type, m.Start, m.End, m.Confidence)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  skipped rule: %s\n", e.Error())
	}
	return nil
}

func policyError(err error) error {
	if errors.Is(err, governance.ErrPolicyInvalid) {
		return fmt.Errorf("%w (run 'toolwarden validate' for details)", err)
	}
	return err
}
