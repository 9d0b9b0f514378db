package governance

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/toolwarden/internal/dlp"
	"github.com/ppiankov/toolwarden/internal/escalation"
	"github.com/ppiankov/toolwarden/internal/identity"
	"github.com/ppiankov/toolwarden/internal/policy"
	"github.com/ppiankov/toolwarden/internal/store"
)

var (
	// ErrPolicyInvalid is returned by output scanning when the policy cannot
	// be loaded or fails validation.
	ErrPolicyInvalid = errors.New("policy invalid")
	// ErrCheckFailed accompanies internal-error decisions from BeforeToolCall.
	ErrCheckFailed = errors.New("governance check failed")
)

// Hook is the narrow interface a host runtime calls before running a tool.
// Adapters for specific hosts (MCP, gRPC) live outside this package.
type Hook interface {
	BeforeToolCall(ctx context.Context, req Request) (Decision, error)
}

// Decision is what a host needs to act on a check.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason Reason `json:"reason"`
	Detail string `json:"detail"`
	Token  string `json:"token,omitempty"`
	Result Result `json:"result"`
}

var _ Hook = (*Gateway)(nil)

// BeforeToolCall runs CheckGovernance and condenses the result. The host
// must not run the tool unless Allow is true. err is non-nil only for
// internal errors and is always accompanied by Allow=false.
func (g *Gateway) BeforeToolCall(ctx context.Context, req Request) (Decision, error) {
	res := g.CheckGovernance(ctx, req)
	d := Decision{Allow: res.Allowed, Reason: res.Reason, Detail: res.Detail, Result: res}
	if res.Escalation != nil && !res.Escalation.Consumed {
		d.Token = res.Escalation.Token
	}
	if res.Reason == ReasonInternalError {
		return d, fmt.Errorf("%w: %s", ErrCheckFailed, res.Detail)
	}
	return d, nil
}

// OutputRequest identifies tool output to scan after execution.
type OutputRequest struct {
	ToolName   string `json:"tool_name"`
	UserID     string `json:"user_id"`
	Output     string `json:"output"`
	PolicyPath string `json:"policy_path,omitempty"`
}

// ScanOutput runs DLP over tool output and logs a summary of the result.
func (g *Gateway) ScanOutput(ctx context.Context, req OutputRequest) (dlp.ScanResult, error) {
	p, err := g.loadPolicy(req.PolicyPath)
	if err != nil {
		return dlp.ScanResult{}, err
	}
	res := dlp.ScanOutput(req.Output, p)
	g.logScan(ctx, req, res)
	return res, nil
}

// RedactOutput replaces every DLP match in tool output with the policy
// placeholder. The scan result describes what was removed.
func (g *Gateway) RedactOutput(ctx context.Context, req OutputRequest) (string, dlp.ScanResult, error) {
	p, err := g.loadPolicy(req.PolicyPath)
	if err != nil {
		return "", dlp.ScanResult{}, err
	}
	s := dlp.NewScanner(p)
	res := s.Scan(req.Output)
	redacted := s.Redact(req.Output)
	g.logScan(ctx, req, res)
	return redacted, res, nil
}

func (g *Gateway) logScan(ctx context.Context, req OutputRequest, res dlp.ScanResult) {
	for _, m := range res.Matches {
		g.metrics.RecordDlpMatch(m.Type)
	}
	for range res.Errors {
		g.metrics.RecordDlpError()
	}
	agent := identity.Canonical(req.UserID)
	if agent == "" {
		agent = identity.AnonymousUser
	}
	if _, err := dlp.LogDlpScan(ctx, g.store, agent, req.ToolName, res, g.now()); err != nil {
		g.metrics.RecordStoreError("append_dlp_scan")
		g.logger.Warn("failed to record dlp scan", zap.String("tool", req.ToolName), zap.Error(err))
	}
	g.logger.Debug("dlp scan", zap.String("tool", req.ToolName), zap.String("summary", res.Summary))
}

func (g *Gateway) loadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		path = g.policyPath
	}
	p, vr, err := g.policies.Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicyInvalid, err)
	}
	if !vr.Valid || p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPolicyInvalid, vr.Summary())
	}
	return p, nil
}

// ApproveToken is the out-of-band approval entry point.
func (g *Gateway) ApproveToken(ctx context.Context, token string) (escalation.Outcome, error) {
	out, err := g.escalation.ApproveToken(ctx, token)
	if err == nil && out.Success {
		g.metrics.RecordToken(string(store.StatusApproved))
	}
	return out, err
}

// DenyToken rejects a pending or approved token.
func (g *Gateway) DenyToken(ctx context.Context, token string) (escalation.Outcome, error) {
	out, err := g.escalation.DenyToken(ctx, token)
	if err == nil && out.Success {
		g.metrics.RecordToken(string(store.StatusDenied))
	}
	return out, err
}

// PendingTokens lists tokens awaiting review.
func (g *Gateway) PendingTokens(ctx context.Context) ([]store.Token, error) {
	return g.escalation.ListTokens(ctx, store.StatusPending)
}

// PurgeExpired persists expiry of stale tokens.
func (g *Gateway) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := g.escalation.PurgeExpired(ctx)
	if err == nil && n > 0 {
		for i := int64(0); i < n; i++ {
			g.metrics.RecordToken(string(store.StatusExpired))
		}
	}
	return n, err
}
