// Package injection scans tool arguments for prompt-injection heuristics and
// canary-token leakage, in plain text and in one level of decoded content.
package injection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ppiankov/toolwarden/internal/policy"
)

// MatchKind separates canary leaks from heuristic hits.
type MatchKind string

const (
	KindCanary    MatchKind = "canary"
	KindHeuristic MatchKind = "heuristic"
	KindPolicy    MatchKind = "policy"
)

// SourceRaw marks a match found in the undecoded arguments.
const SourceRaw = "raw"

// Match is one detection. It never carries the matched text itself.
type Match struct {
	Kind       MatchKind `json:"kind"`
	Rule       string    `json:"rule"`
	Source     string    `json:"source"`
	Detail     string    `json:"detail"`
	Confidence float64   `json:"confidence"`
}

// Result is the outcome of DetectInjection. Clean is true only when Matches
// is empty. Candidates are returned so severity classification can tell
// decoded-but-benign input from plain input.
type Result struct {
	Clean      bool        `json:"clean"`
	Detail     string      `json:"detail"`
	Matches    []Match     `json:"matches,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// CheckCanaryTokens returns every token that occurs in input or in any
// one-level decoding of it. The returned values are secrets.
func CheckCanaryTokens(input string, tokens []string) []string {
	return matchedCanaries(input, Deobfuscate(input), tokens)
}

func matchedCanaries(input string, cands []Candidate, tokens []string) []string {
	var found []string
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if strings.Contains(input, tok) {
			found = append(found, tok)
			continue
		}
		for _, c := range cands {
			if strings.Contains(c.Decoded, tok) {
				found = append(found, tok)
				break
			}
		}
	}
	return found
}

// DetectInjection runs built-in and policy heuristics plus canary checks
// against args and every decoded candidate, and returns every match. A
// policy pattern that fails to compile is skipped; the others still run.
func DetectInjection(args string, p *policy.Policy) Result {
	cands := Deobfuscate(args)

	views := make([]view, 0, len(cands)+1)
	views = append(views, view{source: SourceRaw, text: args})
	for _, c := range cands {
		views = append(views, view{source: string(c.Encoding), text: c.Decoded})
	}

	var matches []Match
	seen := make(map[string]bool)
	add := func(m Match) {
		key := string(m.Kind) + "\x00" + m.Rule + "\x00" + m.Source
		if seen[key] {
			return
		}
		seen[key] = true
		matches = append(matches, m)
	}

	if p != nil {
		for i, tok := range p.Injection.CanaryTokens {
			if tok == "" {
				continue
			}
			for _, v := range views {
				if strings.Contains(v.text, tok) {
					add(Match{
						Kind:       KindCanary,
						Rule:       fmt.Sprintf("canary-%d", i+1),
						Source:     v.source,
						Detail:     fmt.Sprintf("canary token #%d found in %s input", i+1, v.source),
						Confidence: 1.0,
					})
				}
			}
		}
	}

	for _, h := range builtinHeuristics {
		for _, v := range views {
			if h.re.MatchString(v.text) {
				add(Match{Kind: KindHeuristic, Rule: h.name, Source: v.source, Detail: h.detail, Confidence: h.confidence})
			}
		}
	}

	var skipped []string
	if p != nil {
		for _, pr := range p.Injection.Patterns {
			re, err := compilePolicyPattern(pr.Pattern)
			if err != nil {
				skipped = append(skipped, pr.Name)
				continue
			}
			for _, v := range views {
				if re.MatchString(v.text) {
					add(Match{Kind: KindPolicy, Rule: pr.Name, Source: v.source, Detail: "policy pattern: " + pr.Name, Confidence: 0.8})
				}
			}
		}
	}

	res := Result{
		Clean:      len(matches) == 0,
		Matches:    matches,
		Candidates: cands,
	}
	res.Detail = summarize(matches, cands, skipped)
	return res
}

type view struct {
	source string
	text   string
}

// Rules returns the distinct rule names among matches of the given kinds.
func Rules(matches []Match, kinds ...MatchKind) []string {
	set := make(map[string]bool)
	for _, m := range matches {
		if len(kinds) > 0 && !hasKind(kinds, m.Kind) {
			continue
		}
		set[m.Rule] = true
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func hasKind(kinds []MatchKind, k MatchKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

func summarize(matches []Match, cands []Candidate, skipped []string) string {
	var b strings.Builder
	if len(matches) == 0 {
		b.WriteString("no injection indicators")
		if len(cands) > 0 {
			fmt.Fprintf(&b, " (%d decoded candidate(s) inspected)", len(cands))
		}
	} else {
		canaries := len(Rules(matches, KindCanary))
		heuristics := Rules(matches, KindHeuristic, KindPolicy)
		fmt.Fprintf(&b, "%d injection indicator(s)", len(matches))
		if canaries > 0 {
			fmt.Fprintf(&b, "; %d canary token(s) leaked", canaries)
		}
		if len(heuristics) > 0 {
			fmt.Fprintf(&b, "; rules: %s", strings.Join(heuristics, ", "))
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "; skipped invalid pattern(s): %s", strings.Join(skipped, ", "))
	}
	return b.String()
}
