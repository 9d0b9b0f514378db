// Package identity resolves caller-supplied user/channel pairs to a verified
// identity using the trusted-channel rules of a policy.
package identity

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ppiankov/toolwarden/internal/glob"
	"github.com/ppiankov/toolwarden/internal/policy"
)

// AnonymousUser is the canonical id of a caller that supplied no user.
const AnonymousUser = "anonymous"

// Result is the outcome of VerifyIdentity. When Verified is false, Roles is
// the policy's default (lowest-privilege) role set and must not be widened.
type Result struct {
	Verified bool     `json:"verified"`
	UserID   string   `json:"user_id"`
	Channel  string   `json:"channel,omitempty"`
	Roles    []string `json:"roles"`
	Detail   string   `json:"detail"`
}

// VerifyIdentity maps a raw user/channel pair to a canonical identity. The
// first trusted channel whose channel and user patterns both match grants
// its roles. Anything else degrades to the default roles.
func VerifyIdentity(user, channel string, rules policy.IdentityRules) Result {
	userID := Canonical(user)
	ch := Canonical(channel)
	if userID == "" {
		userID = AnonymousUser
	}

	res := Result{
		UserID:  userID,
		Channel: ch,
		Roles:   defaultRoles(rules),
	}

	if strings.TrimSpace(user) == "" {
		res.Detail = "no user supplied, treating caller as anonymous"
		return res
	}
	if ch == "" {
		res.Detail = fmt.Sprintf("user %q arrived without a channel, unverified", userID)
		return res
	}

	for _, tc := range rules.TrustedChannels {
		if !MatchPattern(tc.Channel, ch) {
			continue
		}
		if len(tc.Users) > 0 && !glob.MatchAny(tc.Users, userID) {
			continue
		}
		res.Verified = true
		res.Roles = append([]string(nil), tc.Roles...)
		res.Detail = fmt.Sprintf("user %q verified via trusted channel %q", userID, tc.Channel)
		return res
	}

	res.Detail = fmt.Sprintf("channel %q is not trusted for user %q, degraded to default roles", ch, userID)
	return res
}

// Canonical normalizes a caller-supplied name: NFKC, trimmed, lower case.
// Compatibility forms (full-width letters and similar) collapse to the same id.
func Canonical(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

// HasRole reports whether the result carries role.
func (r Result) HasRole(role string) bool {
	for _, have := range r.Roles {
		if strings.EqualFold(have, role) {
			return true
		}
	}
	return false
}

// MatchPattern checks if a value matches a glob-like pattern.
// Supports: *x* (contains), *suffix, prefix*, exact match. Case-insensitive.
func MatchPattern(pattern, value string) bool {
	return glob.Match(pattern, value)
}

func defaultRoles(rules policy.IdentityRules) []string {
	if len(rules.DefaultRoles) == 0 {
		return append([]string(nil), policy.DefaultRoles...)
	}
	return append([]string(nil), rules.DefaultRoles...)
}
