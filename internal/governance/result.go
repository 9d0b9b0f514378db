package governance

import (
	"time"

	"github.com/ppiankov/toolwarden/internal/anomaly"
	"github.com/ppiankov/toolwarden/internal/escalation"
	"github.com/ppiankov/toolwarden/internal/identity"
	"github.com/ppiankov/toolwarden/internal/injection"
	"github.com/ppiankov/toolwarden/internal/ratelimit"
)

// Reason is the machine-readable verdict of a check.
type Reason string

const (
	ReasonAllowed            Reason = "allowed"
	ReasonPolicyInvalid      Reason = "policy-invalid"
	ReasonRateLimited        Reason = "rate-limited"
	ReasonEscalationRequired Reason = "escalation-required"
	ReasonTokenInvalid       Reason = "token-invalid"
	ReasonTokenExpired       Reason = "token-expired"
	ReasonTokenConsumed      Reason = "token-already-consumed"
	ReasonTokenDenied        Reason = "token-denied"
	ReasonInternalError      Reason = "internal-error"
)

// Request is one pre-execution check. UserID and Channel are claims and are
// re-verified against the policy. ApprovalToken is set on retries after a
// human approved an escalation.
type Request struct {
	ToolName      string `json:"tool_name"`
	Args          string `json:"args"`
	UserID        string `json:"user_id"`
	Channel       string `json:"channel,omitempty"`
	Session       string `json:"session,omitempty"`
	PolicyPath    string `json:"policy_path,omitempty"`
	ApprovalToken string `json:"approval_token,omitempty"`
}

// InjectionFinding is the injection part of a result.
type InjectionFinding struct {
	Clean    bool                `json:"clean"`
	Severity escalation.Severity `json:"severity"`
	Detail   string              `json:"detail,omitempty"`
	Matches  []injection.Match   `json:"matches,omitempty"`
}

// Escalation describes a human-approval requirement. Consumed is set when
// an approved token was spent to let the call through.
type Escalation struct {
	Required  bool      `json:"required"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Consumed  bool      `json:"consumed,omitempty"`
}

// Result is the verdict of CheckGovernance. It is built fresh per call and
// never modified after being returned.
type Result struct {
	CheckID    string            `json:"check_id"`
	Allowed    bool              `json:"allowed"`
	Reason     Reason            `json:"reason"`
	Detail     string            `json:"detail"`
	PolicyHash string            `json:"policy_hash,omitempty"`
	ArgsHash   string            `json:"args_hash,omitempty"`
	Identity   identity.Result   `json:"identity"`
	RateLimit  *ratelimit.Result `json:"rate_limit,omitempty"`
	Injection  InjectionFinding  `json:"injection"`
	Anomalies  []anomaly.Anomaly `json:"anomalies,omitempty"`
	Escalation *Escalation       `json:"escalation,omitempty"`
}
