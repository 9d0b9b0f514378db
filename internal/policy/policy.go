package policy

// Policy is a validated, read-only governance policy. Values of this type are
// produced only by Parse/Load after validation succeeds; components never
// accept an unvalidated document.
type Policy struct {
	Version    string           `yaml:"version" json:"version"`
	Name       string           `yaml:"name,omitempty" json:"name,omitempty"`
	Identity   IdentityRules    `yaml:"identity" json:"identity"`
	RateLimits []RateLimitRule  `yaml:"rate_limits,omitempty" json:"rate_limits,omitempty"`
	DLP        DLPConfig        `yaml:"dlp" json:"dlp"`
	Injection  InjectionConfig  `yaml:"injection" json:"injection"`
	Escalation EscalationConfig `yaml:"escalation" json:"escalation"`
	Anomaly    AnomalyConfig    `yaml:"anomaly" json:"anomaly"`
	Tools      []string         `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Hash is "sha256:<hex>" over the canonical JSON form of the document.
	Hash string `yaml:"-" json:"-"`
}

// IdentityRules declares which channels are trusted and the roles they grant.
type IdentityRules struct {
	TrustedChannels []TrustedChannel `yaml:"trusted_channels,omitempty" json:"trusted_channels,omitempty"`
	DefaultRoles    []string         `yaml:"default_roles,omitempty" json:"default_roles,omitempty"`
}

// TrustedChannel grants Roles to Users arriving over Channel.
// Channel and Users are glob patterns; empty Users means any user.
type TrustedChannel struct {
	Channel string   `yaml:"channel" json:"channel"`
	Users   []string `yaml:"users,omitempty" json:"users,omitempty"`
	Roles   []string `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// RateLimitRule caps calls to a class of tools per user in fixed windows.
type RateLimitRule struct {
	Name          string   `yaml:"name" json:"name"`
	Tools         []string `yaml:"tools" json:"tools"`
	WindowSeconds int64    `yaml:"window_seconds" json:"window_seconds"`
	MaxCalls      int      `yaml:"max_calls" json:"max_calls"`
	PerSession    bool     `yaml:"per_session,omitempty" json:"per_session,omitempty"`
	Users         []string `yaml:"users,omitempty" json:"users,omitempty"`
}

// DLPConfig configures output scanning and redaction.
type DLPConfig struct {
	IncludeBuiltin bool      `yaml:"include_builtin,omitempty" json:"include_builtin,omitempty"`
	Placeholder    string    `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	Rules          []DLPRule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// DLPRule is either a regex rule (Pattern) or an entropy rule (Entropy).
type DLPRule struct {
	Name       string       `yaml:"name" json:"name"`
	Pattern    string       `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Entropy    *EntropyRule `yaml:"entropy,omitempty" json:"entropy,omitempty"`
	Confidence float64      `yaml:"confidence" json:"confidence"`
}

// EntropyRule flags tokens of at least MinLength whose Shannon entropy
// (bits per byte) reaches Threshold.
type EntropyRule struct {
	MinLength int     `yaml:"min_length" json:"min_length"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
}

// InjectionConfig configures argument scanning.
type InjectionConfig struct {
	CanaryTokens []string      `yaml:"canary_tokens,omitempty" json:"canary_tokens,omitempty"`
	Patterns     []PatternRule `yaml:"patterns,omitempty" json:"patterns,omitempty"`
}

// PatternRule is a named, policy-supplied injection heuristic.
type PatternRule struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// EscalationConfig configures human-in-the-loop approval.
type EscalationConfig struct {
	ApprovalTTLSeconds int64    `yaml:"approval_ttl_seconds,omitempty" json:"approval_ttl_seconds,omitempty"`
	FirstUseTools      []string `yaml:"first_use_tools,omitempty" json:"first_use_tools,omitempty"`
	EscalateOn         []string `yaml:"escalate_on,omitempty" json:"escalate_on,omitempty"`
}

// AnomalyConfig configures behavioral baselining.
type AnomalyConfig struct {
	WindowSeconds      int64         `yaml:"window_seconds,omitempty" json:"window_seconds,omitempty"`
	SpikeMultiplier    float64       `yaml:"spike_multiplier,omitempty" json:"spike_multiplier,omitempty"`
	HighMultiplier     float64       `yaml:"high_multiplier,omitempty" json:"high_multiplier,omitempty"`
	MinSpikeCalls      int           `yaml:"min_spike_calls,omitempty" json:"min_spike_calls,omitempty"`
	BaselineTTLSeconds int64         `yaml:"baseline_ttl_seconds,omitempty" json:"baseline_ttl_seconds,omitempty"`
	EscalateHigh       *bool         `yaml:"escalate_high,omitempty" json:"escalate_high,omitempty"`
	Rules              []AnomalyRule `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// AnomalyRule is a policy-declared CEL expression that flags an
// unusual-pattern anomaly when it evaluates to true.
type AnomalyRule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// Defaults applied after validation.
const (
	DefaultApprovalTTLSeconds = 900
	DefaultPlaceholder        = "[REDACTED]"
	DefaultAnomalyWindow      = 300
	DefaultSpikeMultiplier    = 1.5
	DefaultHighMultiplier     = 3.0
	DefaultMinSpikeCalls      = 3
	DefaultBaselineTTLSeconds = 60
)

// DefaultRoles is the role set of an unverified caller.
var DefaultRoles = []string{"anonymous"}

// SpikeFloor is the fewest calls in one window that can count as a
// frequency spike.
func (a AnomalyConfig) SpikeFloor() int {
	if a.MinSpikeCalls <= 0 {
		return DefaultMinSpikeCalls
	}
	return a.MinSpikeCalls
}

// EscalatesHighAnomalies reports whether high-severity anomalies require approval.
func (a AnomalyConfig) EscalatesHighAnomalies() bool {
	return a.EscalateHigh == nil || *a.EscalateHigh
}

// EscalatesSeverity reports whether an injection severity ("high", "medium",
// "low") is configured to require approval.
func (e EscalationConfig) EscalatesSeverity(severity string) bool {
	for _, s := range e.EscalateOn {
		if s == severity {
			return true
		}
	}
	return false
}

func (p *Policy) applyDefaults() {
	if len(p.Identity.DefaultRoles) == 0 {
		p.Identity.DefaultRoles = append([]string(nil), DefaultRoles...)
	}
	if p.DLP.Placeholder == "" {
		p.DLP.Placeholder = DefaultPlaceholder
	}
	if p.Escalation.ApprovalTTLSeconds == 0 {
		p.Escalation.ApprovalTTLSeconds = DefaultApprovalTTLSeconds
	}
	if len(p.Escalation.EscalateOn) == 0 {
		p.Escalation.EscalateOn = []string{"high"}
	}
	if p.Anomaly.WindowSeconds == 0 {
		p.Anomaly.WindowSeconds = DefaultAnomalyWindow
	}
	if p.Anomaly.SpikeMultiplier == 0 {
		p.Anomaly.SpikeMultiplier = DefaultSpikeMultiplier
	}
	if p.Anomaly.HighMultiplier == 0 {
		p.Anomaly.HighMultiplier = DefaultHighMultiplier
	}
	if p.Anomaly.BaselineTTLSeconds == 0 {
		p.Anomaly.BaselineTTLSeconds = DefaultBaselineTTLSeconds
	}
	if p.Anomaly.MinSpikeCalls == 0 {
		p.Anomaly.MinSpikeCalls = DefaultMinSpikeCalls
	}
}
