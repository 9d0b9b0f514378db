package dlp

import (
	"regexp"
	"strings"
)

type builtinRule struct {
	name       string
	re         *regexp.Regexp
	confidence float64
	// valid, when set, must accept the matched value.
	valid func(string) bool
}

// Built-in structural rules: secrets first, then PII shapes.
var builtinRules = []builtinRule{
	{name: "private-key", re: regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )*PRIVATE KEY-----[\s\S]*?-----END (?:[A-Z]+ )*PRIVATE KEY-----`), confidence: 0.99},
	{name: "aws-access-key", re: regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), confidence: 0.95},
	{name: "aws-secret-key", re: regexp.MustCompile(`(?i)aws_?secret_?access_?key["']?\s*[=:]\s*["']?[A-Za-z0-9/+=]{40}`), confidence: 0.95},
	{name: "github-token", re: regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36,255}|github_pat_[A-Za-z0-9_]{22,255})\b`), confidence: 0.95},
	{name: "slack-token", re: regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}`), confidence: 0.90},
	{name: "jwt", re: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}`), confidence: 0.90},
	{name: "credential-assignment", re: regexp.MustCompile(`(?i)(?:password|passwd|secret|token|api_key|apikey|auth)[ \t]*[=:][ \t]*[^\s\[]\S*`), confidence: 0.70},
	{name: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), confidence: 0.90},
	{name: "credit-card", re: regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|6011|3[47]\d{2})[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{1,4}\b`), confidence: 0.90, valid: luhn},
	{name: "email", re: regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), confidence: 0.85},
	{name: "iban", re: regexp.MustCompile(`\b[A-Z]{2}\d{2}[-\s]?[A-Z0-9]{4}[-\s]?(?:[A-Z0-9]{4}[-\s]?){1,7}[A-Z0-9]{1,4}\b`), confidence: 0.80},
	{name: "ipv4", re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), confidence: 0.40, valid: notSafeIP},
}

// safeIPs are addresses that are never treated as sensitive.
var safeIPs = map[string]bool{
	"127.0.0.1":       true,
	"0.0.0.0":         true,
	"255.255.255.255": true,
}

func notSafeIP(v string) bool {
	return !safeIPs[v]
}

// luhn reports whether the digits in v pass the Luhn checksum.
func luhn(v string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, v)
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// BuiltinRuleNames lists the names of the built-in rules.
func BuiltinRuleNames() []string {
	names := make([]string, len(builtinRules))
	for i, r := range builtinRules {
		names[i] = r.name
	}
	return names
}
