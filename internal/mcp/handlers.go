package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/toolwarden/internal/dlp"
	"github.com/ppiankov/toolwarden/internal/escalation"
	"github.com/ppiankov/toolwarden/internal/governance"
)

// --- Input/Output types ---

// CheckInput defines parameters for the toolwarden_check tool.
type CheckInput struct {
	Tool          string `json:"tool" jsonschema:"name of the tool about to be called"`
	Args          string `json:"args,omitempty" jsonschema:"serialized tool arguments"`
	UserID        string `json:"user_id,omitempty" jsonschema:"caller identity, defaults to the server's configured user"`
	Channel       string `json:"channel,omitempty" jsonschema:"channel the caller arrived on"`
	Session       string `json:"session,omitempty" jsonschema:"session identifier for per-session rate limits"`
	ApprovalToken string `json:"approval_token,omitempty" jsonschema:"approval token from an earlier escalation"`
}

// CheckOutput contains the governance decision.
type CheckOutput struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail"`
	CheckID    string `json:"check_id"`
	Token      string `json:"token,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	Consumed   bool   `json:"consumed,omitempty"`
	PolicyHash string `json:"policy_hash,omitempty"`
}

// TokenInput names an approval token.
type TokenInput struct {
	Token string `json:"token" jsonschema:"approval token"`
}

// TokenOutput reports the outcome of an approve or deny.
type TokenOutput struct {
	Token   string `json:"token"`
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Detail  string `json:"detail"`
}

// PendingInput is empty; no parameters needed.
type PendingInput struct{}

// PendingOutput lists all pending tokens.
type PendingOutput struct {
	Tokens []PendingItem `json:"tokens"`
}

// PendingItem describes a single pending token. Arguments are never shown.
type PendingItem struct {
	Token     string `json:"token"`
	Tool      string `json:"tool"`
	Agent     string `json:"agent,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt string `json:"expires_at"`
}

// OutputInput carries tool output to scan or redact.
type OutputInput struct {
	Tool   string `json:"tool" jsonschema:"tool that produced the output"`
	Output string `json:"output" jsonschema:"tool output text"`
	UserID string `json:"user_id,omitempty" jsonschema:"caller identity"`
}

// RedactOutput contains redacted text and what was removed.
type RedactOutput struct {
	Output string         `json:"output"`
	Scan   dlp.ScanResult `json:"scan"`
}

// --- Handlers ---

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	userID := input.UserID
	if userID == "" {
		userID = s.userID
	}
	channel := input.Channel
	if channel == "" {
		channel = s.channel
	}

	d, err := s.gw.BeforeToolCall(ctx, governance.Request{
		ToolName:      input.Tool,
		Args:          input.Args,
		UserID:        userID,
		Channel:       channel,
		Session:       input.Session,
		ApprovalToken: input.ApprovalToken,
	})
	out := CheckOutput{
		Allowed:    d.Allow,
		Reason:     string(d.Reason),
		Detail:     d.Detail,
		CheckID:    d.Result.CheckID,
		Token:      d.Token,
		PolicyHash: d.Result.PolicyHash,
	}
	if esc := d.Result.Escalation; esc != nil {
		if !esc.ExpiresAt.IsZero() {
			out.ExpiresAt = esc.ExpiresAt.UTC().Format(time.RFC3339)
		}
		out.Consumed = esc.Consumed
	}
	if err != nil {
		s.logger.Warn("governance check failed", zap.String("tool", input.Tool), zap.Error(err))
	}
	if !d.Allow {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleApprove(ctx context.Context, req *mcpsdk.CallToolRequest, input TokenInput) (*mcpsdk.CallToolResult, TokenOutput, error) {
	o, err := s.gw.ApproveToken(ctx, input.Token)
	return tokenResult(input.Token, o, err)
}

func (s *Server) handleDeny(ctx context.Context, req *mcpsdk.CallToolRequest, input TokenInput) (*mcpsdk.CallToolResult, TokenOutput, error) {
	o, err := s.gw.DenyToken(ctx, input.Token)
	return tokenResult(input.Token, o, err)
}

func tokenResult(token string, o escalation.Outcome, err error) (*mcpsdk.CallToolResult, TokenOutput, error) {
	if err != nil {
		return nil, TokenOutput{}, err
	}
	out := TokenOutput{Token: token, Success: o.Success, Status: string(o.Token.Status), Detail: o.Detail}
	if !o.Success {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handlePending(ctx context.Context, req *mcpsdk.CallToolRequest, input PendingInput) (*mcpsdk.CallToolResult, PendingOutput, error) {
	tokens, err := s.gw.PendingTokens(ctx)
	if err != nil {
		return nil, PendingOutput{}, err
	}

	items := make([]PendingItem, 0, len(tokens))
	for _, t := range tokens {
		items = append(items, PendingItem{
			Token:     t.Token,
			Tool:      t.ToolName,
			Agent:     t.Agent,
			Reason:    t.Reason,
			ExpiresAt: t.ExpiresAt().UTC().Format(time.RFC3339),
		})
	}
	return nil, PendingOutput{Tokens: items}, nil
}

func (s *Server) outputRequest(input OutputInput) governance.OutputRequest {
	userID := input.UserID
	if userID == "" {
		userID = s.userID
	}
	return governance.OutputRequest{ToolName: input.Tool, UserID: userID, Output: input.Output}
}

func (s *Server) handleScan(ctx context.Context, req *mcpsdk.CallToolRequest, input OutputInput) (*mcpsdk.CallToolResult, dlp.ScanResult, error) {
	res, err := s.gw.ScanOutput(ctx, s.outputRequest(input))
	if err != nil {
		return nil, dlp.ScanResult{}, err
	}
	return nil, res, nil
}

func (s *Server) handleRedact(ctx context.Context, req *mcpsdk.CallToolRequest, input OutputInput) (*mcpsdk.CallToolResult, RedactOutput, error) {
	redacted, res, err := s.gw.RedactOutput(ctx, s.outputRequest(input))
	if err != nil {
		return nil, RedactOutput{}, err
	}
	return nil, RedactOutput{Output: redacted, Scan: res}, nil
}
