// Package dlp scans tool output for sensitive data and redacts it.
package dlp

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ppiankov/toolwarden/internal/policy"
)

// ErrorKind marks a rule that could not be applied.
const ErrorKind = "dlp-scan-error"

// Match is a located, scored hit. Value is the sensitive text itself and is
// never serialized.
type Match struct {
	Type       string  `json:"type"`
	Value      string  `json:"-"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// ScanError reports a rule that was skipped.
type ScanError struct {
	Kind   string `json:"kind"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

func (e ScanError) Error() string {
	return fmt.Sprintf("%s: rule %s: %s", e.Kind, e.Rule, e.Detail)
}

// ScanResult aggregates every match, overlapping ones included.
type ScanResult struct {
	Found   bool        `json:"found"`
	Matches []Match     `json:"matches,omitempty"`
	Summary string      `json:"summary"`
	Errors  []ScanError `json:"errors,omitempty"`
}

type rule struct {
	name       string
	re         *regexp.Regexp
	confidence float64
	valid      func(string) bool
	entropy    *policy.EntropyRule
}

// Scanner applies a compiled rule set. It is safe for concurrent use.
type Scanner struct {
	rules       []rule
	placeholder string
	errors      []ScanError
}

// NewScanner compiles the DLP rules of p. A rule that fails to compile is
// recorded and skipped; the remaining rules still apply.
func NewScanner(p *policy.Policy) *Scanner {
	s := &Scanner{placeholder: policy.DefaultPlaceholder}
	if p == nil {
		for _, b := range builtinRules {
			s.rules = append(s.rules, rule{name: b.name, re: b.re, confidence: b.confidence, valid: b.valid})
		}
		return s
	}
	if p.DLP.Placeholder != "" {
		s.placeholder = p.DLP.Placeholder
	}
	if p.DLP.IncludeBuiltin {
		for _, b := range builtinRules {
			s.rules = append(s.rules, rule{name: b.name, re: b.re, confidence: b.confidence, valid: b.valid})
		}
	}
	for _, r := range p.DLP.Rules {
		switch {
		case r.Entropy != nil:
			if r.Entropy.MinLength <= 0 {
				s.errors = append(s.errors, ScanError{Kind: ErrorKind, Rule: r.Name, Detail: "entropy.min_length must be > 0"})
				continue
			}
			s.rules = append(s.rules, rule{name: r.Name, confidence: clamp(r.Confidence), entropy: r.Entropy})
		default:
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				s.errors = append(s.errors, ScanError{Kind: ErrorKind, Rule: r.Name, Detail: err.Error()})
				continue
			}
			s.rules = append(s.rules, rule{name: r.Name, re: re, confidence: clamp(r.Confidence)})
		}
	}
	return s
}

var scannerCache sync.Map // policy hash -> *Scanner

func scannerFor(p *policy.Policy) *Scanner {
	if p == nil || p.Hash == "" {
		return NewScanner(p)
	}
	if s, ok := scannerCache.Load(p.Hash); ok {
		return s.(*Scanner)
	}
	s, _ := scannerCache.LoadOrStore(p.Hash, NewScanner(p))
	return s.(*Scanner)
}

// ScanOutput scans output with the rules of p.
func ScanOutput(output string, p *policy.Policy) ScanResult {
	return scannerFor(p).Scan(output)
}

// RedactOutput replaces every sensitive span in output with the policy
// placeholder.
func RedactOutput(output string, p *policy.Policy) string {
	return scannerFor(p).Redact(output)
}

// Placeholder returns the replacement text used by Redact.
func (s *Scanner) Placeholder() string {
	return s.placeholder
}

// Scan returns every rule hit in text sorted by position. Hits that lie
// entirely inside an existing placeholder are ignored.
func (s *Scanner) Scan(text string) ScanResult {
	masked := placeholderSpans(text, s.placeholder)
	var matches []Match

	for _, r := range s.rules {
		if r.entropy != nil {
			matches = append(matches, scanEntropy(text, r, masked)...)
			continue
		}
		for _, loc := range r.re.FindAllStringIndex(text, -1) {
			if loc[0] == loc[1] || covered(masked, loc[0], loc[1]) {
				continue
			}
			v := text[loc[0]:loc[1]]
			if r.valid != nil && !r.valid(v) {
				continue
			}
			matches = append(matches, Match{Type: r.name, Value: v, Start: loc[0], End: loc[1], Confidence: r.confidence})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Start != matches[j].Start {
			return matches[i].Start < matches[j].Start
		}
		return matches[i].End > matches[j].End
	})

	res := ScanResult{
		Found:   len(matches) > 0,
		Matches: matches,
		Errors:  append([]ScanError(nil), s.errors...),
	}
	res.Summary = Summarize(matches, res.Errors)
	return res
}

func scanEntropy(text string, r rule, masked [][2]int) []Match {
	var out []Match
	for _, loc := range tokenRe.FindAllStringIndex(text, -1) {
		if loc[1]-loc[0] < r.entropy.MinLength || covered(masked, loc[0], loc[1]) {
			continue
		}
		v := text[loc[0]:loc[1]]
		if ShannonEntropy(v) < r.entropy.Threshold {
			continue
		}
		out = append(out, Match{Type: r.name, Value: v, Start: loc[0], End: loc[1], Confidence: r.confidence})
	}
	return out
}

// Summarize describes matches by rule and count without echoing values.
func Summarize(matches []Match, errs []ScanError) string {
	var b strings.Builder
	if len(matches) == 0 {
		b.WriteString("no sensitive data found")
	} else {
		counts := make(map[string]int)
		var order []string
		for _, m := range matches {
			if counts[m.Type] == 0 {
				order = append(order, m.Type)
			}
			counts[m.Type]++
		}
		parts := make([]string, len(order))
		for i, name := range order {
			parts[i] = fmt.Sprintf("%s x%d", name, counts[name])
		}
		fmt.Fprintf(&b, "%d sensitive match(es): %s", len(matches), strings.Join(parts, ", "))
	}
	if len(errs) > 0 {
		names := make([]string, len(errs))
		for i, e := range errs {
			names[i] = e.Rule
		}
		fmt.Fprintf(&b, "; %d rule(s) skipped: %s", len(errs), strings.Join(names, ", "))
	}
	return b.String()
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
