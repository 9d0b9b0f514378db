// Package governance sequences policy, identity, rate limit, injection,
// escalation and anomaly checks into a single pre-execution verdict.
package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ppiankov/toolwarden/internal/anomaly"
	"github.com/ppiankov/toolwarden/internal/audit"
	"github.com/ppiankov/toolwarden/internal/escalation"
	"github.com/ppiankov/toolwarden/internal/identity"
	"github.com/ppiankov/toolwarden/internal/injection"
	"github.com/ppiankov/toolwarden/internal/metrics"
	"github.com/ppiankov/toolwarden/internal/policy"
	"github.com/ppiankov/toolwarden/internal/ratelimit"
	"github.com/ppiankov/toolwarden/internal/store"
)

const tracerName = "github.com/ppiankov/toolwarden/internal/governance"

// Store is the shared event log the gateway reads and appends to.
type Store interface {
	ratelimit.Counter
	anomaly.EventSource
	AppendEvent(ctx context.Context, ev store.Event) (store.Event, error)
}

// Config wires a Gateway. Store and Escalation are required.
type Config struct {
	Store      Store
	Escalation *escalation.Manager
	Anomaly    *anomaly.Detector
	Policies   *policy.Cache
	// PolicyPath is used when a request names no policy.
	PolicyPath string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Now        func() time.Time
}

// Gateway is the governance entry point. It is safe for concurrent use.
type Gateway struct {
	store      Store
	escalation *escalation.Manager
	detector   *anomaly.Detector
	policies   *policy.Cache
	policyPath string
	logger     *zap.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// New creates a Gateway from cfg, filling optional fields with defaults.
func New(cfg Config) (*Gateway, error) {
	if cfg.Store == nil {
		return nil, errors.New("governance: store is required")
	}
	if cfg.Escalation == nil {
		return nil, errors.New("governance: escalation manager is required")
	}
	g := &Gateway{
		store:      cfg.Store,
		escalation: cfg.Escalation,
		detector:   cfg.Anomaly,
		policies:   cfg.Policies,
		policyPath: cfg.PolicyPath,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		now:        cfg.Now,
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.detector == nil {
		g.detector = anomaly.NewDetector(cfg.Store, g.logger)
	}
	if g.policies == nil {
		g.policies = policy.NewCache()
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer(tracerName)
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// Policies returns the policy cache, for wiring a policy.Watcher.
func (g *Gateway) Policies() *policy.Cache {
	return g.policies
}

// Detector returns the anomaly detector.
func (g *Gateway) Detector() *anomaly.Detector {
	return g.detector
}

// CheckGovernance decides whether a tool call may run. It never returns an
// allow on failure: store errors and panics become internal-error denials.
func (g *Gateway) CheckGovernance(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	checkID := uuid.NewString()

	ctx, span := g.tracer.Start(ctx, "governance.check",
		trace.WithAttributes(
			attribute.String("toolwarden.check_id", checkID),
			attribute.String("toolwarden.tool", req.ToolName),
		))

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("governance check panicked",
				zap.String("check_id", checkID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			res = Result{Reason: ReasonInternalError, Detail: "internal error during governance check"}
		}
		res.CheckID = checkID

		span.SetAttributes(
			attribute.String("toolwarden.reason", string(res.Reason)),
			attribute.Bool("toolwarden.allowed", res.Allowed))
		if res.Reason == ReasonInternalError {
			span.SetStatus(codes.Error, res.Detail)
		}
		span.End()

		g.metrics.RecordCheck(string(res.Reason), time.Since(start))
		g.logger.Info("governance check",
			zap.String("check_id", checkID),
			zap.String("tool", req.ToolName),
			zap.String("user", res.Identity.UserID),
			zap.String("args_hash", res.ArgsHash),
			zap.Bool("allowed", res.Allowed),
			zap.String("reason", string(res.Reason)),
			zap.Duration("duration", time.Since(start)))
	}()

	return g.check(ctx, req, span)
}

func (g *Gateway) check(ctx context.Context, req Request, span trace.Span) Result {
	now := g.now()
	var res Result

	// 1. Policy.
	path := req.PolicyPath
	if path == "" {
		path = g.policyPath
	}
	p, vr, err := g.policies.Get(path)
	if err != nil {
		return deny(res, ReasonPolicyInvalid, fmt.Sprintf("policy unavailable: %v", err))
	}
	if !vr.Valid || p == nil {
		return deny(res, ReasonPolicyInvalid, "policy invalid: "+vr.Summary())
	}
	res.PolicyHash = p.Hash
	ctx = audit.WithPolicyHash(ctx, p.Hash)
	span.AddEvent("policy", trace.WithAttributes(attribute.String("toolwarden.policy_hash", p.Hash)))

	// 2. Identity. Unverified callers continue with default roles.
	res.Identity = identity.VerifyIdentity(req.UserID, req.Channel, p.Identity)
	agent := res.Identity.UserID
	res.ArgsHash = g.escalation.HashArgs(req.Args)
	span.AddEvent("identity", trace.WithAttributes(attribute.Bool("toolwarden.verified", res.Identity.Verified)))

	var attached, pending *store.Token
	if req.ApprovalToken != "" {
		t, err := g.escalation.CheckApprovalToken(ctx, req.ApprovalToken, req.ToolName, res.ArgsHash)
		switch {
		case err == nil:
			attached = &t
		case errors.Is(err, escalation.ErrTokenNotApproved):
			pending = &t
		default:
			if reason, ok := tokenReason(err); ok {
				return g.denied(ctx, res, req, reason, err.Error())
			}
			return g.internal(ctx, res, req, "check approval token", err)
		}
	}

	// 3. Rate limit.
	rl, err := ratelimit.CheckRateLimit(ctx, g.store, agent, req.Session, req.ToolName, p, now)
	if err != nil {
		return g.internal(ctx, res, req, "rate limit", err)
	}
	res.RateLimit = &rl
	if !rl.Allowed {
		return g.denied(ctx, res, req, ReasonRateLimited, rl.Detail)
	}

	// 4. Injection.
	inj := injection.DetectInjection(req.Args, p)
	sev := escalation.ClassifyInjectionSeverity(inj)
	res.Injection = InjectionFinding{Clean: inj.Clean, Severity: sev, Detail: inj.Detail, Matches: inj.Matches}
	if sev != escalation.SeverityNone {
		g.metrics.RecordInjection(string(sev))
	}
	span.AddEvent("injection", trace.WithAttributes(attribute.String("toolwarden.severity", string(sev))))

	// 5. Severity and first-use escalation.
	var why []string
	if sev.Escalates(p) {
		why = append(why, fmt.Sprintf("%s-severity injection indicators: %s", sev, inj.Detail))
	}
	if escalation.RequiresFirstUseApproval(p, req.ToolName) {
		first, err := g.escalation.IsFirstTimeToolUse(ctx, agent, req.ToolName)
		if err != nil {
			return g.internal(ctx, res, req, "first-use lookup", err)
		}
		if first {
			why = append(why, fmt.Sprintf("first use of tool %q by %q", req.ToolName, agent))
		}
	}
	approved := false
	if len(why) > 0 {
		var blocked bool
		res, blocked = g.escalate(ctx, res, req, p, attached, pending, strings.Join(why, "; "))
		if blocked {
			return res
		}
		approved = true
	}

	// 6. Anomalies. Only high severity blocks.
	calls, err := anomaly.CountCurrentWindowCalls(ctx, g.store, agent, p.Anomaly.WindowSeconds, now)
	if err != nil {
		return g.internal(ctx, res, req, "count window calls", err)
	}
	anomalies, err := g.detector.DetectAnomalies(ctx, req.ToolName, calls+1, agent, p, now)
	if err != nil {
		return g.internal(ctx, res, req, "anomaly detection", err)
	}
	res.Anomalies = anomalies
	for _, a := range anomalies {
		g.metrics.RecordAnomaly(string(a.Type), string(a.Severity))
	}
	if !approved && p.Anomaly.EscalatesHighAnomalies() && anomaly.HasSeverity(anomalies, anomaly.SeverityHigh) {
		var details []string
		for _, a := range anomalies {
			if a.Severity == anomaly.SeverityHigh {
				details = append(details, a.Detail)
			}
		}
		var blocked bool
		res, blocked = g.escalate(ctx, res, req, p, attached, pending, "high-severity anomaly: "+strings.Join(details, "; "))
		if blocked {
			return res
		}
	}

	// 7. Record.
	if _, err := g.store.AppendEvent(ctx, store.Event{
		Time:    now,
		Kind:    store.KindToolUsed,
		Agent:   agent,
		Session: req.Session,
		Tool:    req.ToolName,
		Detail:  "args_hash=" + res.ArgsHash,
	}); err != nil {
		return g.internal(ctx, res, req, "record tool use", err)
	}
	first, err := g.escalation.RecordToolUse(ctx, agent, req.ToolName)
	if err != nil {
		return g.internal(ctx, res, req, "record first use", err)
	}
	if first {
		// The cached baseline predates this tool.
		g.detector.Invalidate(agent)
	}

	// 8. Allow.
	res.Allowed = true
	res.Reason = ReasonAllowed
	res.Detail = allowDetail(res)
	return res
}

// escalate resolves an approval requirement. It spends an attached or stored
// approved token when one exists; otherwise it blocks with a pending token,
// reusing one already issued for the same call.
func (g *Gateway) escalate(ctx context.Context, res Result, req Request, p *policy.Policy, attached, pending *store.Token, why string) (Result, bool) {
	token := attached
	if token == nil {
		t, ok, err := g.escalation.HasApprovedToken(ctx, res.Identity.UserID, req.ToolName, res.ArgsHash)
		if err != nil {
			return g.internal(ctx, res, req, "approved token lookup", err), true
		}
		if ok {
			token = &t
		}
	}

	if token != nil {
		err := g.escalation.ConsumeApprovedToken(ctx, token.Token, req.ToolName, res.ArgsHash)
		if err != nil {
			if reason, ok := tokenReason(err); ok {
				return g.denied(ctx, res, req, reason, err.Error()), true
			}
			return g.internal(ctx, res, req, "consume approval token", err), true
		}
		g.metrics.RecordToken(string(store.StatusConsumed))
		res.Escalation = &Escalation{Required: true, Token: token.Token, ExpiresAt: token.ExpiresAt(), Reason: why, Consumed: true}
		return res, false
	}

	if pending == nil {
		t, ok, err := g.escalation.PendingToken(ctx, res.Identity.UserID, req.ToolName, res.ArgsHash)
		if err != nil {
			return g.internal(ctx, res, req, "pending token lookup", err), true
		}
		if ok {
			pending = &t
		}
	}
	if pending == nil {
		t, err := g.escalation.GenerateApprovalToken(ctx, req.ToolName, res.ArgsHash,
			p.Escalation.ApprovalTTLSeconds, res.Identity.UserID, why)
		if err != nil {
			return g.internal(ctx, res, req, "issue approval token", err), true
		}
		g.metrics.RecordToken(string(store.StatusPending))
		pending = &t
	}

	res.Escalation = &Escalation{Required: true, Token: pending.Token, ExpiresAt: pending.ExpiresAt(), Reason: why}
	return g.denied(ctx, res, req, ReasonEscalationRequired, escalation.FormatReviewBlock(why, *pending)), true
}

// denied records a denial event and returns the denial result.
func (g *Gateway) denied(ctx context.Context, res Result, req Request, reason Reason, detail string) Result {
	res = deny(res, reason, detail)
	summary := string(reason)
	if line, _, _ := strings.Cut(detail, "\n"); line != "" && reason != ReasonEscalationRequired {
		summary += ": " + line
	}
	if _, err := g.store.AppendEvent(ctx, store.Event{
		Time:    g.now(),
		Kind:    store.KindDenied,
		Agent:   res.Identity.UserID,
		Session: req.Session,
		Tool:    req.ToolName,
		Detail:  summary,
	}); err != nil {
		g.metrics.RecordStoreError("append_denied")
		g.logger.Warn("failed to record denial", zap.String("tool", req.ToolName), zap.Error(err))
	}
	return res
}

func (g *Gateway) internal(ctx context.Context, res Result, req Request, op string, err error) Result {
	g.metrics.RecordStoreError(strings.ReplaceAll(op, " ", "_"))
	g.logger.Error("governance check failed", zap.String("op", op), zap.String("tool", req.ToolName), zap.Error(err))
	return g.denied(ctx, res, req, ReasonInternalError, fmt.Sprintf("%s failed: %v", op, err))
}

func deny(res Result, reason Reason, detail string) Result {
	res.Allowed = false
	res.Reason = reason
	res.Detail = detail
	return res
}

// tokenReason maps token validation errors to their distinct reasons.
func tokenReason(err error) (Reason, bool) {
	switch {
	case errors.Is(err, escalation.ErrTokenInvalid), errors.Is(err, escalation.ErrTokenMismatch):
		return ReasonTokenInvalid, true
	case errors.Is(err, escalation.ErrTokenExpired):
		return ReasonTokenExpired, true
	case errors.Is(err, escalation.ErrTokenConsumed):
		return ReasonTokenConsumed, true
	case errors.Is(err, escalation.ErrTokenDenied):
		return ReasonTokenDenied, true
	}
	return "", false
}

func allowDetail(res Result) string {
	parts := []string{fmt.Sprintf("allowed %s", res.Identity.UserID)}
	if !res.Identity.Verified {
		parts = append(parts, "identity unverified: "+res.Identity.Detail)
	}
	if res.Escalation != nil && res.Escalation.Consumed {
		parts = append(parts, "approval token consumed")
	}
	if !res.Injection.Clean {
		parts = append(parts, fmt.Sprintf("%s-severity injection indicators recorded", res.Injection.Severity))
	}
	if n := len(res.Anomalies); n > 0 {
		parts = append(parts, fmt.Sprintf("%d anomaly(ies) recorded", n))
	}
	return strings.Join(parts, "; ")
}
