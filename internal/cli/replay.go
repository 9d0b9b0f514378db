package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/toolwarden/internal/audit"
	"github.com/ppiankov/toolwarden/internal/identity"
)

var (
	replayAgent  string
	replayTool   string
	replayKind   string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	auditCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayAgent, "agent", "", "Only entries for this agent")
	replayCmd.Flags().StringVar(&replayTool, "tool", "", "Only entries for this tool")
	replayCmd.Flags().StringVar(&replayKind, "kind", "", "Only entries of this kind (e.g. tool_used, denied)")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var replayCmd = &cobra.Command{
	Use:   "replay [path]",
	Short: "Replay agent activity from the journal",
	Long:  "Reads the journal, filters by agent, tool, kind and optional time range,\nand renders a human-readable timeline with summary.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	path, err := journalArg(args)
	if err != nil {
		return err
	}

	filter := audit.ReplayFilter{
		Agent: identity.Canonical(replayAgent),
		Tool:  replayTool,
		Kind:  replayKind,
	}

	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}

	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}

	result, err := audit.Replay(path, filter)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	switch replayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	default:
		fmt.Fprint(w, audit.FormatTimeline(result))
	}

	return nil
}
