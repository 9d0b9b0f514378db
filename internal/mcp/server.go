package mcp

import (
	"context"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/toolwarden/internal/governance"
)

// Config holds MCP server configuration.
type Config struct {
	Gateway *governance.Gateway
	// UserID and Channel are used when a call does not name its caller.
	UserID  string
	Channel string
	Version string
	Logger  *zap.Logger
}

// Server wraps the MCP SDK server around a governance gateway.
type Server struct {
	mcpServer *mcpsdk.Server
	gw        *governance.Gateway
	userID    string
	channel   string
	logger    *zap.Logger
}

// New creates an MCP server exposing the governance tools.
func New(cfg Config) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("mcp: gateway is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{
		gw:      cfg.Gateway,
		userID:  cfg.UserID,
		channel: cfg.Channel,
		logger:  cfg.Logger,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "toolwarden",
			Version: cfg.Version,
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all governance tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolwarden_check",
		Description: "Check whether a tool call is allowed before running it. Escalated calls return an approval token.",
	}, s.handleCheck)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolwarden_approve",
		Description: "Approve a pending approval token so the escalated call can be retried with it.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolwarden_deny",
		Description: "Deny a pending or approved approval token.",
	}, s.handleDeny)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolwarden_pending",
		Description: "List approval tokens awaiting review.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolwarden_scan",
		Description: "Scan tool output for sensitive data. Returns match types and positions, never the matched text.",
	}, s.handleScan)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "toolwarden_redact",
		Description: "Return tool output with sensitive data replaced by a placeholder.",
	}, s.handleRedact)
}
