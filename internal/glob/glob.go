// Package glob implements the simple case-insensitive patterns used across
// policy documents for tool names, users and channels.
package glob

import "strings"

// Match checks if a value matches a glob-like pattern.
// Supports: *x* (contains), *.ext (suffix), prefix* (prefix), exact match.
// An empty pattern or "*" matches everything.
func Match(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	lowerValue := strings.ToLower(value)
	lowerPattern := strings.ToLower(pattern)

	// *x*: contains
	if len(lowerPattern) > 1 && strings.HasPrefix(lowerPattern, "*") && strings.HasSuffix(lowerPattern, "*") {
		inner := lowerPattern[1 : len(lowerPattern)-1]
		return strings.Contains(lowerValue, inner)
	}

	// *.ext: suffix
	if strings.HasPrefix(lowerPattern, "*") {
		return strings.HasSuffix(lowerValue, lowerPattern[1:])
	}

	// prefix*: prefix
	if strings.HasSuffix(lowerPattern, "*") {
		return strings.HasPrefix(lowerValue, lowerPattern[:len(lowerPattern)-1])
	}

	return lowerValue == lowerPattern
}

// MatchAny reports whether value matches any of patterns.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Match(p, value) {
			return true
		}
	}
	return false
}

// IsPattern reports whether s contains a wildcard.
func IsPattern(s string) bool {
	return strings.Contains(s, "*")
}
