// Package policydiff compares two governance policies so a reviewer can
// see what a reload would change before it happens.
package policydiff

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/ppiankov/toolwarden/internal/policy"
)

// Change represents a scalar field change or a set member added/removed.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// RuleChange represents a named rule addition, removal, or modification.
type RuleChange struct {
	Section string `json:"section"`
	Type    string `json:"type"` // "added", "removed", "changed"
	Rule    string `json:"rule"`
}

// DiffResult holds the comparison of two policies.
type DiffResult struct {
	OldPath     string       `json:"old_path"`
	NewPath     string       `json:"new_path"`
	OldHash     string       `json:"old_hash,omitempty"`
	NewHash     string       `json:"new_hash,omitempty"`
	Changes     []Change     `json:"changes"`
	RuleChanges []RuleChange `json:"rule_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// Diff compares two validated policies. Canary token values are never
// included in the result, only their count.
func Diff(old, new *policy.Policy) *DiffResult {
	r := &DiffResult{OldHash: old.Hash, NewHash: new.Hash}

	diffString(r, "version", old.Version, new.Version)
	diffString(r, "name", old.Name, new.Name)

	// Tools and identity.
	diffSet(r, "tools", old.Tools, new.Tools, "")
	diffSet(r, "identity.default_roles", old.Identity.DefaultRoles, new.Identity.DefaultRoles, "")
	diffChannels(r, old.Identity.TrustedChannels, new.Identity.TrustedChannels)

	// Rate limits.
	diffRateLimits(r, old.RateLimits, new.RateLimits)

	// Escalation. More first-use tools or severities means more approvals.
	diffInt(r, "escalation.approval_ttl_seconds", old.Escalation.ApprovalTTLSeconds, new.Escalation.ApprovalTTLSeconds, false)
	diffSet(r, "escalation.first_use_tools", old.Escalation.FirstUseTools, new.Escalation.FirstUseTools, "stricter")
	diffSet(r, "escalation.escalate_on", old.Escalation.EscalateOn, new.Escalation.EscalateOn, "stricter")

	// Injection.
	if len(old.Injection.CanaryTokens) != len(new.Injection.CanaryTokens) {
		r.Changes = append(r.Changes, Change{
			Field:   "injection.canary_tokens",
			Old:     strconv.Itoa(len(old.Injection.CanaryTokens)),
			New:     strconv.Itoa(len(new.Injection.CanaryTokens)),
			Comment: intComment(int64(len(old.Injection.CanaryTokens)), int64(len(new.Injection.CanaryTokens)), true),
		})
	}
	diffLabels(r, "injection.patterns", patternRules(old.Injection.Patterns), patternRules(new.Injection.Patterns))

	// DLP.
	if old.DLP.IncludeBuiltin != new.DLP.IncludeBuiltin {
		r.Changes = append(r.Changes, Change{
			Field:   "dlp.include_builtin",
			Old:     strconv.FormatBool(old.DLP.IncludeBuiltin),
			New:     strconv.FormatBool(new.DLP.IncludeBuiltin),
			Comment: boolComment(new.DLP.IncludeBuiltin),
		})
	}
	diffString(r, "dlp.placeholder", old.DLP.Placeholder, new.DLP.Placeholder)
	diffLabels(r, "dlp.rules", dlpRules(old.DLP.Rules), dlpRules(new.DLP.Rules))

	// Anomaly.
	diffInt(r, "anomaly.window_seconds", old.Anomaly.WindowSeconds, new.Anomaly.WindowSeconds, false)
	diffFloat(r, "anomaly.spike_multiplier", old.Anomaly.SpikeMultiplier, new.Anomaly.SpikeMultiplier)
	diffFloat(r, "anomaly.high_multiplier", old.Anomaly.HighMultiplier, new.Anomaly.HighMultiplier)
	diffInt(r, "anomaly.min_spike_calls", int64(old.Anomaly.MinSpikeCalls), int64(new.Anomaly.MinSpikeCalls), false)
	if oh, nh := old.Anomaly.EscalatesHighAnomalies(), new.Anomaly.EscalatesHighAnomalies(); oh != nh {
		r.Changes = append(r.Changes, Change{
			Field:   "anomaly.escalate_high",
			Old:     strconv.FormatBool(oh),
			New:     strconv.FormatBool(nh),
			Comment: boolComment(nh),
		})
	}
	diffLabels(r, "anomaly.rules", anomalyRules(old.Anomaly.Rules), anomalyRules(new.Anomaly.Rules))

	r.HasChanges = len(r.Changes) > 0 || len(r.RuleChanges) > 0
	return r
}

func diffString(r *DiffResult, field, old, new string) {
	if old != new {
		r.Changes = append(r.Changes, Change{Field: field, Old: old, New: new})
	}
}

func diffInt(r *DiffResult, field string, old, new int64, higherIsStricter bool) {
	if old != new {
		r.Changes = append(r.Changes, Change{
			Field:   field,
			Old:     strconv.FormatInt(old, 10),
			New:     strconv.FormatInt(new, 10),
			Comment: intComment(old, new, higherIsStricter),
		})
	}
}

// diffFloat compares anomaly multipliers, where a lower multiplier flags
// spikes sooner.
func diffFloat(r *DiffResult, field string, old, new float64) {
	if old == new {
		return
	}
	comment := "looser"
	if new < old {
		comment = "stricter"
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     strconv.FormatFloat(old, 'g', -1, 64),
		New:     strconv.FormatFloat(new, 'g', -1, 64),
		Comment: comment,
	})
}

func intComment(old, new int64, higherIsStricter bool) string {
	if higherIsStricter == (new > old) {
		return "stricter"
	}
	return "looser"
}

func boolComment(enabled bool) string {
	if enabled {
		return "stricter"
	}
	return "looser"
}

// diffSet reports members added to or removed from a list. addedComment is
// attached to additions; removals get the opposite.
func diffSet(r *DiffResult, field string, old, new []string, addedComment string) {
	removedComment := ""
	switch addedComment {
	case "stricter":
		removedComment = "looser"
	case "looser":
		removedComment = "stricter"
	}
	added, removed := setDelta(old, new)
	for _, k := range added {
		r.Changes = append(r.Changes, Change{Field: field, New: k, Comment: join("added", addedComment)})
	}
	for _, k := range removed {
		r.Changes = append(r.Changes, Change{Field: field, Old: k, Comment: join("removed", removedComment)})
	}
}

func join(kind, comment string) string {
	if comment == "" {
		return kind
	}
	return kind + ", " + comment
}

func setDelta(old, new []string) (added, removed []string) {
	for _, k := range uniqueSorted(new) {
		if !slices.Contains(old, k) {
			added = append(added, k)
		}
	}
	for _, k := range uniqueSorted(old) {
		if !slices.Contains(new, k) {
			removed = append(removed, k)
		}
	}
	return added, removed
}

func uniqueSorted(in []string) []string {
	out := slices.Clone(in)
	sort.Strings(out)
	return slices.Compact(out)
}

func diffChannels(r *DiffResult, old, new []policy.TrustedChannel) {
	oldMap := make(map[string]string, len(old))
	for _, c := range old {
		oldMap[c.Channel] = channelLabel(c)
	}
	newMap := make(map[string]string, len(new))
	for _, c := range new {
		newMap[c.Channel] = channelLabel(c)
	}
	diffLabels(r, "identity.trusted_channels", oldMap, newMap)
}

func channelLabel(c policy.TrustedChannel) string {
	return fmt.Sprintf("channel=%s users=[%s] roles=[%s]",
		c.Channel, strings.Join(uniqueSorted(c.Users), ","), strings.Join(uniqueSorted(c.Roles), ","))
}

func diffRateLimits(r *DiffResult, old, new []policy.RateLimitRule) {
	oldMap := make(map[string]string, len(old))
	for _, rl := range old {
		oldMap[rl.Name] = rateLimitLabel(rl)
	}
	newMap := make(map[string]string, len(new))
	for _, rl := range new {
		newMap[rl.Name] = rateLimitLabel(rl)
	}
	diffLabels(r, "rate_limits", oldMap, newMap)
}

func rateLimitLabel(rl policy.RateLimitRule) string {
	label := fmt.Sprintf("%s: %d calls / %ds tools=[%s]",
		rl.Name, rl.MaxCalls, rl.WindowSeconds, strings.Join(uniqueSorted(rl.Tools), ","))
	if rl.PerSession {
		label += " per-session"
	}
	if len(rl.Users) > 0 {
		label += " users=[" + strings.Join(uniqueSorted(rl.Users), ",") + "]"
	}
	return label
}

func patternRules(rules []policy.PatternRule) map[string]string {
	m := make(map[string]string, len(rules))
	for _, p := range rules {
		m[p.Name] = p.Name + " /" + p.Pattern + "/"
	}
	return m
}

func dlpRules(rules []policy.DLPRule) map[string]string {
	m := make(map[string]string, len(rules))
	for _, d := range rules {
		label := d.Name
		if d.Pattern != "" {
			label += " /" + d.Pattern + "/"
		}
		if d.Entropy != nil {
			label += fmt.Sprintf(" entropy>=%g len>=%d", d.Entropy.Threshold, d.Entropy.MinLength)
		}
		m[d.Name] = label + fmt.Sprintf(" confidence=%g", d.Confidence)
	}
	return m
}

func anomalyRules(rules []policy.AnomalyRule) map[string]string {
	m := make(map[string]string, len(rules))
	for _, a := range rules {
		m[a.Name] = a.Name + ": " + a.Expression
	}
	return m
}

// diffLabels compares rules keyed by name; a rule whose label differs is
// reported as changed.
func diffLabels(r *DiffResult, section string, old, new map[string]string) {
	for _, k := range sortedKeys(new) {
		if prev, ok := old[k]; ok {
			if prev != new[k] {
				r.RuleChanges = append(r.RuleChanges, RuleChange{
					Section: section,
					Type:    "changed",
					Rule:    fmt.Sprintf("%s (was: %s)", new[k], prev),
				})
			}
			continue
		}
		r.RuleChanges = append(r.RuleChanges, RuleChange{Section: section, Type: "added", Rule: new[k]})
	}
	for _, k := range sortedKeys(old) {
		if _, ok := new[k]; !ok {
			r.RuleChanges = append(r.RuleChanges, RuleChange{Section: section, Type: "removed", Rule: old[k]})
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
