package injection

import (
	"regexp"
	"sync"
)

type heuristic struct {
	name       string
	re         *regexp.Regexp
	confidence float64
	detail     string
}

// Pre-compiled heuristics, grouped by the attack they indicate.
var builtinHeuristics = []heuristic{
	{"override-ignore", regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|rules|prompts?)`), 0.95, "instruction override: ignore previous instructions"},
	{"override-disregard", regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions|rules|guidelines)`), 0.95, "instruction override: disregard instructions"},
	{"override-forget", regexp.MustCompile(`(?i)forget\s+(all\s+|everything\s+)?(previous|prior|above|you\s+were\s+told)\s*(instructions|context)?`), 0.90, "instruction override: forget instructions"},
	{"override-explicit", regexp.MustCompile(`(?i)override\s+(the\s+)?(system|safety|security)\s+(prompt|instructions|rules|policy)`), 0.95, "instruction override: explicit override"},
	{"override-bypass", regexp.MustCompile(`(?i)bypass\s+(the\s+)?(safety|security|content|governance)\s+(filter|check|policy|rules)`), 0.95, "instruction override: bypass attempt"},
	{"override-negation", regexp.MustCompile(`(?i)do\s+not\s+follow\s+(your|the|any)\s+(rules|guidelines|instructions|policy)`), 0.90, "instruction override: instruction negation"},
	{"role-you-are-now", regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the|in)\s+`), 0.85, "role reassignment: you are now"},
	{"role-from-now-on", regexp.MustCompile(`(?i)from\s+now\s+on\s+you\s+(are|will|must|should)`), 0.85, "role reassignment: from now on"},
	{"role-new-identity", regexp.MustCompile(`(?i)your\s+new\s+(role|identity|persona|instructions)\s+(is|are)`), 0.85, "role reassignment: new role"},
	{"role-pretend", regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)\s+`), 0.70, "role reassignment: pretend"},
	{"role-act-as", regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+are|an?\s+(unrestricted|admin|root|system|developer))`), 0.70, "role reassignment: act as"},
	{"delimiter-system-tag", regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`), 0.90, "delimiter injection: [SYSTEM] tag"},
	{"delimiter-chatml", regexp.MustCompile(`(?i)<\|im_start\|>\s*system`), 0.95, "delimiter injection: ChatML system tag"},
	{"delimiter-header", regexp.MustCompile(`(?i)###\s*(SYSTEM|INSTRUCTION|NEW INSTRUCTION)`), 0.90, "delimiter injection: system header"},
	{"delimiter-inst", regexp.MustCompile(`(?i)(\[INST\]|<<SYS>>|BEGININSTRUCTION)`), 0.90, "delimiter injection: instruction tag"},
	{"extract-system-prompt", regexp.MustCompile(`(?i)(reveal|print|output|repeat)\s+(your|the)\s+(system|initial|original|hidden)\s+(prompt|instructions|message)`), 0.90, "prompt extraction"},
}

var (
	policyReMu    sync.RWMutex
	policyReCache = map[string]*regexp.Regexp{}
)

// compilePolicyPattern returns a cached compiled policy pattern. Patterns
// that fail to compile are reported to the caller and never cached.
func compilePolicyPattern(expr string) (*regexp.Regexp, error) {
	policyReMu.RLock()
	re, ok := policyReCache[expr]
	policyReMu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	policyReMu.Lock()
	policyReCache[expr] = re
	policyReMu.Unlock()
	return re, nil
}
