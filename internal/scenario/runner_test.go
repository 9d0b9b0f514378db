package scenario

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testPolicy = `version: "1.0.0"
name: scenario-test
tools: [search, drop-table]
identity:
  trusted_channels:
    - channel: cli
      users: [ops]
rate_limits:
  - name: search
    tools: [search]
    window_seconds: 3600
    max_calls: 2
escalation:
  approval_ttl_seconds: 600
  first_use_tools: [drop-table]
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCases(t *testing.T, cases []Case) *RunResult {
	t.Helper()
	dir := t.TempDir()
	policyPath := writeScenario(t, dir, "policy.yaml", testPolicy)
	r, err := Run(context.Background(), &Scenario{Name: t.Name(), Cases: cases}, policyPath, dir)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return r
}

func TestAllCasesPass(t *testing.T) {
	call := Call{Tool: "search", Args: "q", User: "ops", Channel: "cli"}
	r := runCases(t, []Case{
		{Call: call, Expect: "allowed"},
		{Call: call, Expect: "allowed"},
		{Call: call, Expect: "rate-limited"},
		{Call: call, Expect: "allowed", Advance: "1h"},
	})
	if r.Failed != 0 {
		t.Fatalf("expected all cases to pass, got %s", FormatText([]*RunResult{r}))
	}
	if r.Passed != 4 || r.Total != 4 {
		t.Errorf("passed %d of %d", r.Passed, r.Total)
	}
}

func TestFailedAssertionDetected(t *testing.T) {
	r := runCases(t, []Case{
		{Call: Call{Tool: "drop-table", Args: "users", User: "ops", Channel: "cli"}, Expect: "allowed"},
	})
	if r.Failed != 1 {
		t.Fatalf("expected 1 failure, got %d", r.Failed)
	}
	c := r.Cases[0]
	if c.Passed {
		t.Error("expected passed=false")
	}
	if c.Actual != "escalation-required" {
		t.Errorf("actual: got %s", c.Actual)
	}
	if strings.Contains(c.Detail, "\n") {
		t.Errorf("detail should be a single line: %q", c.Detail)
	}
}

func TestApproveAndRetry(t *testing.T) {
	call := Call{Tool: "drop-table", Args: "users", User: "ops", Channel: "cli"}
	r := runCases(t, []Case{
		{Call: call, Expect: "escalation-required"},
		{Call: call, Expect: "allowed", Approve: true, WithToken: true},
		{Call: call, Expect: "token-already-consumed", WithToken: true},
	})
	if r.Failed != 0 {
		t.Fatalf("unexpected failures:\n%s", FormatText([]*RunResult{r}))
	}
}

func TestDenyAndExpiry(t *testing.T) {
	call := Call{Tool: "drop-table", Args: "users", User: "ops", Channel: "cli"}
	r := runCases(t, []Case{
		{Call: call, Expect: "escalation-required"},
		{Call: call, Expect: "token-denied", Deny: true, WithToken: true},
		{Call: Call{Tool: "drop-table", Args: "orders", User: "ops", Channel: "cli"}, Expect: "escalation-required"},
		{Call: Call{Tool: "drop-table", Args: "orders", User: "ops", Channel: "cli"}, Expect: "token-expired", Advance: "11m", WithToken: true},
	})
	if r.Failed != 0 {
		t.Fatalf("unexpected failures:\n%s", FormatText([]*RunResult{r}))
	}
}

func TestApproveWithoutTokenIsSetupError(t *testing.T) {
	r := runCases(t, []Case{
		{Call: Call{Tool: "search", Args: "q"}, Expect: "allowed", Approve: true},
		{Call: Call{Tool: "search", Args: "q"}, Expect: "allowed", Advance: "soon"},
	})
	if r.Failed != 2 {
		t.Fatalf("expected 2 failures, got %d", r.Failed)
	}
	for _, c := range r.Cases {
		if c.Actual != "setup-error" {
			t.Errorf("case %d: got %s", c.Index, c.Actual)
		}
	}
}

func TestLoadAndRunFromFile(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "policy.yaml", testPolicy)
	path := writeScenario(t, dir, "first-use.yaml", `
name: "first use needs approval"
policy: policy.yaml
cases:
  - call: {tool: drop-table, args: users, user: ops, channel: cli}
    expect: escalation-required
  - call: {tool: drop-table, args: users, user: ops, channel: cli}
    approve: true
    with_token: true
    expect: allowed
  - call: {tool: unknown-tool, user: ops, channel: cli}
    expect: ALLOWED
`)

	r, err := LoadAndRun(context.Background(), path, "")
	if err != nil {
		t.Fatalf("LoadAndRun: %v", err)
	}
	if r.File != path {
		t.Errorf("file: got %s", r.File)
	}
	if r.Name != "first use needs approval" {
		t.Errorf("name: got %s", r.Name)
	}
	if r.Total != 3 {
		t.Fatalf("expected 3 cases, got %d", r.Total)
	}
	if !r.Cases[0].Passed || !r.Cases[1].Passed {
		t.Fatalf("unexpected failures:\n%s", FormatText([]*RunResult{r}))
	}
	if r.Cases[2].Expected != "allowed" {
		t.Errorf("expectation should be lower-cased, got %s", r.Cases[2].Expected)
	}
}

func TestLoadAndRunMissingFile(t *testing.T) {
	if _, err := LoadAndRun(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"), ""); err == nil {
		t.Fatal("expected error for missing scenario")
	}
}

func TestFormatOutput(t *testing.T) {
	results := []*RunResult{
		{Name: "ok", Total: 1, Passed: 1, Cases: []CaseResult{{Index: 1, Passed: true, Tool: "search", Expected: "allowed", Actual: "allowed"}}},
		{Name: "bad", Total: 1, Failed: 1, Cases: []CaseResult{{Index: 1, Tool: "drop-table", Expected: "allowed", Actual: "escalation-required", Detail: "first use"}}},
	}

	text := FormatText(results)
	for _, want := range []string{"Checking 2 scenario files", "PASS  ok (1/1)", "FAIL  bad (0/1)", "expected allowed, got escalation-required", "1 of 2 cases passed. 1 of 2 scenarios failed."} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}

	out, err := FormatJSON(results)
	if err != nil {
		t.Fatal(err)
	}
	var decoded []RunResult
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 || decoded[1].Cases[0].Actual != "escalation-required" {
		t.Errorf("unexpected decode: %+v", decoded)
	}
}
