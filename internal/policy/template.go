package policy

// DefaultPolicyYAML returns a commented policy for init-policy.
func DefaultPolicyYAML() string {
	return `# toolwarden policy
# Generated by: toolwarden init-policy
#
# Check order (cannot be changed):
#   1. Policy validation     -> deny all when invalid
#   2. Identity verification -> unverified callers get default_roles
#   3. Rate limits           -> deny when the window is full
#   4. Injection detection   -> escalate on configured severities
#   5. First-use approval    -> escalate first call of listed tools
#   6. Anomaly detection     -> escalate high-severity anomalies
#   7. Record tool use
version: "1.0.0"
name: default

# Declared tool names. Rate limits and first_use_tools that name a tool
# exactly must appear here.
tools:
  - search
  - read-file
  - http-post
  - delete-all

identity:
  trusted_channels:
    - channel: cli
      roles: [operator]
  default_roles: [anonymous]

# Fixed, wall-clock aligned windows per user and rule.
rate_limits:
  - name: search
    tools: [search]
    window_seconds: 60
    max_calls: 30
  - name: outbound
    tools: [http-post]
    window_seconds: 60
    max_calls: 5

dlp:
  include_builtin: true
  placeholder: "[REDACTED]"
  rules:
    - name: long-random-token
      entropy: {min_length: 32, threshold: 4.5}
      confidence: 0.6

injection:
  # Secrets planted to detect exfiltration. Replace with your own values.
  canary_tokens:
    - "CANARY-change-me-0000"
  patterns: []

escalation:
  approval_ttl_seconds: 900
  first_use_tools: [delete-all]
  escalate_on: [high]

anomaly:
  window_seconds: 300
  spike_multiplier: 1.5
  high_multiplier: 3.0
  min_spike_calls: 3
  baseline_ttl_seconds: 60
  escalate_high: true
  rules:
    - name: post-after-read
      expression: "tool == 'http-post' && 'read-file' in recent_tools"
`
}
