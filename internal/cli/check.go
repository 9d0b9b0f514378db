package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/governance"
)

var (
	checkTool    string
	checkArgs    string
	checkArgsIn  string
	checkUser    string
	checkChannel string
	checkSession string
	checkToken   string
	checkFormat  string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkTool, "tool", "", "Tool name (required)")
	checkCmd.Flags().StringVar(&checkArgs, "args", "", "Serialized tool arguments")
	checkCmd.Flags().StringVar(&checkArgsIn, "args-file", "", "Read tool arguments from file (- for stdin)")
	checkCmd.Flags().StringVar(&checkUser, "user", "", "Caller identity")
	checkCmd.Flags().StringVar(&checkChannel, "channel", "", "Channel the caller arrived on")
	checkCmd.Flags().StringVar(&checkSession, "session", "", "Session identifier")
	checkCmd.Flags().StringVar(&checkToken, "token", "", "Approval token from an earlier escalation")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
	checkCmd.MarkFlagRequired("tool")
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the governance check for one tool call",
	Long: "Evaluates a single tool call against the policy: identity, rate limits,\n" +
		"injection indicators, first-use approval and behavioral anomalies.\n\n" +
		"Exit code 0 if allowed, 2 if escalation is required, 1 for any other denial.",
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	toolArgs := checkArgs
	if checkArgsIn != "" {
		data, err := readInput(checkArgsIn)
		if err != nil {
			return err
		}
		toolArgs = data
	}

	a, err := openApp(cmd.Context(), flagOptions())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := checkCall(cmd.Context(), a.gw, cmd.OutOrStdout(), governance.Request{
		ToolName:      checkTool,
		Args:          toolArgs,
		UserID:        checkUser,
		Channel:       checkChannel,
		Session:       checkSession,
		ApprovalToken: checkToken,
	}, checkFormat)
	if err != nil {
		return err
	}
	return exitForResult(res)
}

// checkCall runs one check and prints the result.
func checkCall(ctx context.Context, gw *governance.Gateway, w io.Writer, req governance.Request, format string) (governance.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	res := gw.CheckGovernance(ctx, req)

	switch format {
	case "json":
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return res, err
		}
		fmt.Fprintln(w, string(out))
	default:
		fmt.Fprint(w, formatResult(res))
	}
	return res, nil
}

func formatResult(res governance.Result) string {
	var b strings.Builder
	verdict := "ALLOW"
	if !res.Allowed {
		verdict = "DENY"
	}
	fmt.Fprintf(&b, "%s  %s\n", verdict, res.Reason)
	fmt.Fprintf(&b, "  check:  %s\n", res.CheckID)
	if res.PolicyHash != "" {
		fmt.Fprintf(&b, "  policy: %s\n", res.PolicyHash)
	}
	if res.Detail != "" && res.Reason != governance.ReasonEscalationRequired {
		fmt.Fprintf(&b, "  detail: %s\n", res.Detail)
	}
	for _, an := range res.Anomalies {
		fmt.Fprintf(&b, "  anomaly: %s (%s) %s\n", an.Type, an.Severity, an.Detail)
	}
	if res.Reason == governance.ReasonEscalationRequired {
		b.WriteString("\n")
		b.WriteString(res.Detail)
		if !strings.HasSuffix(res.Detail, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func exitForResult(res governance.Result) error {
	switch {
	case res.Allowed:
		return nil
	case res.Reason == governance.ReasonEscalationRequired:
		return exitError{code: 2}
	default:
		return exitError{code: 1}
	}
}

// readInput reads a whole file, or stdin when path is "-".
func readInput(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}
