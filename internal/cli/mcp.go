package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	twmcp "github.com/ppiankov/toolwarden/internal/mcp"
	"github.com/ppiankov/toolwarden/internal/policy"
)

var (
	mcpUser    string
	mcpChannel string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpUser, "user", "", "Identity used when a call does not name its caller")
	mcpCmd.Flags().StringVar(&mcpChannel, "channel", "mcp", "Channel reported for MCP callers")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs toolwarden as an MCP (Model Context Protocol) server over stdio.\nExposes governance tools: check, approve, deny, pending, scan, redact.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx, flagOptions())
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := twmcp.New(twmcp.Config{
		Gateway: a.gw,
		UserID:  mcpUser,
		Channel: mcpChannel,
		Version: version,
		Logger:  a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	if watcher, err := policy.NewWatcher(a.gw.Policies(), a.logger, policyPath); err == nil {
		go watcher.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return srv.Run(ctx)
}
