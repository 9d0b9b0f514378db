package escalation

import (
	"github.com/ppiankov/toolwarden/internal/glob"
	"github.com/ppiankov/toolwarden/internal/injection"
	"github.com/ppiankov/toolwarden/internal/policy"
)

// Severity grades injection findings.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ClassifyInjectionSeverity grades a detection result. Any canary leak, or
// two or more distinct heuristic rules, is high. One rule is medium. Input
// that only decoded to something benign is low. Partial fragments do not
// count toward low on their own.
func ClassifyInjectionSeverity(res injection.Result) Severity {
	if len(injection.Rules(res.Matches, injection.KindCanary)) > 0 {
		return SeverityHigh
	}
	switch n := len(injection.Rules(res.Matches, injection.KindHeuristic, injection.KindPolicy)); {
	case n >= 2:
		return SeverityHigh
	case n == 1:
		return SeverityMedium
	}
	for _, c := range res.Candidates {
		if !c.Partial {
			return SeverityLow
		}
	}
	return SeverityNone
}

// Escalates reports whether severity s requires approval. High always does;
// lower severities only when listed in the policy's escalate_on.
func (s Severity) Escalates(p *policy.Policy) bool {
	if s == SeverityHigh {
		return true
	}
	if s == SeverityNone || p == nil {
		return false
	}
	return p.Escalation.EscalatesSeverity(string(s))
}

// RequiresFirstUseApproval reports whether tool is listed for one-time
// approval on first use.
func RequiresFirstUseApproval(p *policy.Policy, tool string) bool {
	if p == nil {
		return false
	}
	return glob.MatchAny(p.Escalation.FirstUseTools, tool)
}
