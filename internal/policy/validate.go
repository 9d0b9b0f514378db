package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolwarden/internal/glob"
)

// SupportedVersions is the semver constraint a policy's version must satisfy.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// ValidationResult lists every problem found in a raw policy document.
// A document with any Errors must not be enforced.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Summary joins errors into one line for denial details.
func (r ValidationResult) Summary() string {
	if len(r.Errors) == 0 {
		return "policy is valid"
	}
	return fmt.Sprintf("%d error(s): %s", len(r.Errors), strings.Join(r.Errors, "; "))
}

// ValidatePolicy checks a raw YAML or JSON policy document. It never panics;
// every problem is reported in the result.
func ValidatePolicy(raw []byte) ValidationResult {
	_, res := Parse(raw)
	return res
}

// Parse validates a raw YAML or JSON policy document and, when it has no
// errors, returns the typed policy with defaults applied. The returned policy
// is nil whenever res.Valid is false.
func Parse(raw []byte) (p *Policy, res ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			p = nil
			res.Valid = false
			res.errorf("internal validation failure: %v", r)
		}
	}()

	if len(bytes.TrimSpace(raw)) == 0 {
		res.errorf("policy document is empty")
		return nil, res
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		res.errorf("parse: %v", err)
		return nil, res
	}
	if doc == nil {
		res.errorf("policy document is empty")
		return nil, res
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		res.errorf("parse: document is not representable as JSON: %v", err)
		return nil, res
	}

	schemaErrs := checkSchema(canonical)
	if len(schemaErrs) > 0 {
		res.Errors = append(res.Errors, schemaErrs...)
		return nil, res
	}

	var pol Policy
	if err := json.Unmarshal(canonical, &pol); err != nil {
		res.errorf("decode: %v", err)
		return nil, res
	}

	checkSemantics(&pol, &res)
	if len(res.Errors) > 0 {
		return nil, res
	}

	hash, err := canonicalHash(canonical)
	if err != nil {
		res.errorf("hash: %v", err)
		return nil, res
	}
	pol.Hash = hash
	pol.applyDefaults()

	res.Valid = true
	return &pol, res
}

func checkSchema(doc []byte) []string {
	sch, err := policySchema()
	if err != nil {
		return []string{fmt.Sprintf("schema: compile: %v", err)}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return []string{fmt.Sprintf("schema: %v", err)}
	}
	err = sch.Validate(inst)
	if err == nil {
		return nil
	}

	var errs []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" || strings.HasPrefix(line, "jsonschema validation failed") {
			continue
		}
		errs = append(errs, "schema: "+line)
	}
	if len(errs) == 0 {
		errs = append(errs, "schema: "+err.Error())
	}
	return errs
}

// canonicalHash hashes the RFC 8785 canonical form so that formatting and
// key order do not change the policy identity.
func canonicalHash(doc []byte) (string, error) {
	c, err := jcs.Transform(doc)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(c)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

func checkSemantics(p *Policy, res *ValidationResult) {
	checkVersion(p, res)
	checkIdentity(p, res)
	checkRateLimits(p, res)
	checkDLP(p, res)
	checkInjection(p, res)
	checkEscalation(p, res)
	checkAnomaly(p, res)
	checkTools(p, res)
}

func checkVersion(p *Policy, res *ValidationResult) {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		res.errorf("version: %q is not a semantic version: %v", p.Version, err)
		return
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		res.errorf("version: bad constraint: %v", err)
		return
	}
	if !c.Check(v) {
		res.errorf("version: %s is not supported (want %s)", v, SupportedVersions)
	}
}

func checkIdentity(p *Policy, res *ValidationResult) {
	if len(p.Identity.TrustedChannels) == 0 {
		res.warnf("identity.trusted_channels: none declared, every caller will be unverified")
	}
	for i, tc := range p.Identity.TrustedChannels {
		if len(tc.Roles) == 0 {
			res.warnf("identity.trusted_channels[%d]: channel %q grants no roles", i, tc.Channel)
		}
	}
}

func checkRateLimits(p *Policy, res *ValidationResult) {
	seen := make(map[string]bool)
	for i, rl := range p.RateLimits {
		field := fmt.Sprintf("rate_limits[%d]", i)
		if seen[rl.Name] {
			res.errorf("%s: duplicate rule name %q", field, rl.Name)
		}
		seen[rl.Name] = true
		if rl.WindowSeconds <= 0 {
			res.errorf("%s (%s): window_seconds must be > 0, got %d", field, rl.Name, rl.WindowSeconds)
		}
		if rl.MaxCalls <= 0 {
			res.errorf("%s (%s): max_calls must be > 0, got %d", field, rl.Name, rl.MaxCalls)
		}
		checkToolRefs(p, field+".tools", rl.Tools, res)
	}
}

func checkDLP(p *Policy, res *ValidationResult) {
	if p.DLP.Placeholder != "" && strings.TrimSpace(p.DLP.Placeholder) == "" {
		res.errorf("dlp.placeholder: must not be blank")
	}
	if !p.DLP.IncludeBuiltin && len(p.DLP.Rules) == 0 {
		res.warnf("dlp: no rules and include_builtin is false, output scanning will find nothing")
	}
	seen := make(map[string]bool)
	for i, r := range p.DLP.Rules {
		field := fmt.Sprintf("dlp.rules[%d]", i)
		if seen[r.Name] {
			res.errorf("%s: duplicate rule name %q", field, r.Name)
		}
		seen[r.Name] = true
		if r.Confidence < 0 || r.Confidence > 1 {
			res.errorf("%s (%s): confidence must be within [0,1], got %g", field, r.Name, r.Confidence)
		}
		switch {
		case r.Pattern != "" && r.Entropy != nil:
			res.errorf("%s (%s): set either pattern or entropy, not both", field, r.Name)
		case r.Pattern == "" && r.Entropy == nil:
			res.errorf("%s (%s): one of pattern or entropy is required", field, r.Name)
		case r.Pattern != "":
			if _, err := regexp.Compile(r.Pattern); err != nil {
				res.errorf("%s (%s): pattern does not compile: %v", field, r.Name, err)
			}
		default:
			if r.Entropy.MinLength <= 0 {
				res.errorf("%s (%s): entropy.min_length must be > 0", field, r.Name)
			}
			if r.Entropy.Threshold <= 0 || r.Entropy.Threshold > 8 {
				res.errorf("%s (%s): entropy.threshold must be within (0,8], got %g", field, r.Name, r.Entropy.Threshold)
			}
		}
	}
}

func checkInjection(p *Policy, res *ValidationResult) {
	if len(p.Injection.CanaryTokens) == 0 {
		res.warnf("injection.canary_tokens: none declared, exfiltration of canaries cannot be detected")
	}
	for i, tok := range p.Injection.CanaryTokens {
		if strings.TrimSpace(tok) == "" {
			res.errorf("injection.canary_tokens[%d]: must not be blank", i)
		} else if len(tok) < 6 {
			res.warnf("injection.canary_tokens[%d]: short canaries produce false positives", i)
		}
	}
	seen := make(map[string]bool)
	for i, pr := range p.Injection.Patterns {
		field := fmt.Sprintf("injection.patterns[%d]", i)
		if seen[pr.Name] {
			res.errorf("%s: duplicate rule name %q", field, pr.Name)
		}
		seen[pr.Name] = true
		if _, err := regexp.Compile(pr.Pattern); err != nil {
			res.errorf("%s (%s): pattern does not compile: %v", field, pr.Name, err)
		}
	}
}

func checkEscalation(p *Policy, res *ValidationResult) {
	if p.Escalation.ApprovalTTLSeconds < 0 {
		res.errorf("escalation.approval_ttl_seconds: must be > 0, got %d", p.Escalation.ApprovalTTLSeconds)
	}
	checkToolRefs(p, "escalation.first_use_tools", p.Escalation.FirstUseTools, res)
}

func checkAnomaly(p *Policy, res *ValidationResult) {
	a := p.Anomaly
	if a.WindowSeconds < 0 {
		res.errorf("anomaly.window_seconds: must be > 0, got %d", a.WindowSeconds)
	}
	if a.BaselineTTLSeconds < 0 {
		res.errorf("anomaly.baseline_ttl_seconds: must be > 0, got %d", a.BaselineTTLSeconds)
	}
	if a.MinSpikeCalls < 0 {
		res.errorf("anomaly.min_spike_calls: must be > 0, got %d", a.MinSpikeCalls)
	}
	spike, high := a.SpikeMultiplier, a.HighMultiplier
	if spike == 0 {
		spike = DefaultSpikeMultiplier
	}
	if high == 0 {
		high = DefaultHighMultiplier
	}
	if spike < 1 {
		res.errorf("anomaly.spike_multiplier: must be >= 1, got %g", spike)
	}
	if spike >= high {
		res.errorf("anomaly: spike_multiplier (%g) must be below high_multiplier (%g)", spike, high)
	}
	seen := make(map[string]bool)
	for i, r := range a.Rules {
		field := fmt.Sprintf("anomaly.rules[%d]", i)
		if seen[r.Name] {
			res.errorf("%s: duplicate rule name %q", field, r.Name)
		}
		seen[r.Name] = true
		if _, err := CompileRule(r.Expression); err != nil {
			res.errorf("%s (%s): expression does not compile: %v", field, r.Name, err)
		}
	}
}

func checkTools(p *Policy, res *ValidationResult) {
	seen := make(map[string]bool)
	for _, t := range p.Tools {
		if seen[t] {
			res.warnf("tools: %q declared more than once", t)
		}
		seen[t] = true
	}
}

// checkToolRefs verifies that tool references resolve against the declared
// tool list. Without a declared list there is nothing to cross-reference.
func checkToolRefs(p *Policy, field string, refs []string, res *ValidationResult) {
	if len(p.Tools) == 0 {
		return
	}
	for _, ref := range refs {
		if glob.IsPattern(ref) {
			if !anyToolMatches(p.Tools, ref) {
				res.warnf("%s: pattern %q matches no declared tool", field, ref)
			}
			continue
		}
		if !containsFold(p.Tools, ref) {
			res.errorf("%s: unknown tool %q", field, ref)
		}
	}
}

func anyToolMatches(tools []string, pattern string) bool {
	for _, t := range tools {
		if glob.Match(pattern, t) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
