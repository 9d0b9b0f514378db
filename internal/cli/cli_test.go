package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/toolwarden/internal/audit"
	"github.com/ppiankov/toolwarden/internal/dlp"
	"github.com/ppiankov/toolwarden/internal/escalation"
	"github.com/ppiankov/toolwarden/internal/governance"
	"github.com/ppiankov/toolwarden/internal/integrity"
	"github.com/ppiankov/toolwarden/internal/store"
)

const cliPolicy = `version: "1.0.0"
name: cli-test
tools: [search, purge-db]
identity:
  trusted_channels:
    - channel: cli
      users: [ops]
dlp:
  include_builtin: true
escalation:
  approval_ttl_seconds: 600
  first_use_tools: [purge-db]
`

type testPaths struct {
	policy  string
	store   string
	journal string
}

func newPaths(t *testing.T, policyYAML string) testPaths {
	t.Helper()
	dir := t.TempDir()
	p := testPaths{
		policy:  filepath.Join(dir, "policy.yaml"),
		store:   filepath.Join(dir, "state.db"),
		journal: filepath.Join(dir, "journal.jsonl"),
	}
	require.NoError(t, os.WriteFile(p.policy, []byte(policyYAML), 0o600))
	return p
}

func (p testPaths) open(t *testing.T) *app {
	t.Helper()
	a, err := openApp(context.Background(), appOptions{
		logLevel:    "error",
		storePath:   p.store,
		journalPath: p.journal,
		policyPath:  p.policy,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := newLogger("loud")
	assert.Error(t, err)

	l, err := newLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestCheckCallTextAndJSON(t *testing.T) {
	p := newPaths(t, cliPolicy)
	a := p.open(t)
	ctx := context.Background()

	var buf bytes.Buffer
	res, err := checkCall(ctx, a.gw, &buf, governance.Request{ToolName: "search", Args: "q", UserID: "ops", Channel: "cli"}, "text")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, strings.HasPrefix(buf.String(), "ALLOW  allowed"))
	assert.NoError(t, exitForResult(res))

	buf.Reset()
	res, err = checkCall(ctx, a.gw, &buf, governance.Request{ToolName: "search", Args: "q", UserID: "ops", Channel: "cli"}, "json")
	require.NoError(t, err)
	var decoded governance.Result
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, res.CheckID, decoded.CheckID)
	assert.Equal(t, governance.ReasonAllowed, decoded.Reason)
}

func TestCheckEscalationPrintsReviewBlock(t *testing.T) {
	p := newPaths(t, cliPolicy)
	a := p.open(t)

	var buf bytes.Buffer
	res, err := checkCall(context.Background(), a.gw, &buf, governance.Request{ToolName: "purge-db", Args: `{"db":"prod"}`, UserID: "ops", Channel: "cli"}, "text")
	require.NoError(t, err)
	require.Equal(t, governance.ReasonEscalationRequired, res.Reason)

	out := buf.String()
	assert.Contains(t, out, "DENY  escalation-required")
	assert.Contains(t, out, "toolwarden approve "+res.Escalation.Token)
	assert.NotContains(t, out, "prod")

	var ee exitError
	require.True(t, errors.As(exitForResult(res), &ee))
	assert.Equal(t, 2, ee.code)
}

func TestExitForResultDenial(t *testing.T) {
	var ee exitError
	err := exitForResult(governance.Result{Reason: governance.ReasonRateLimited})
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.code)
}

func TestApproveFlowAcrossProcesses(t *testing.T) {
	p := newPaths(t, cliPolicy)
	req := governance.Request{ToolName: "purge-db", Args: "x", UserID: "ops", Channel: "cli"}

	// The agent process escalates.
	agent := p.open(t)
	res := agent.gw.CheckGovernance(context.Background(), req)
	require.Equal(t, governance.ReasonEscalationRequired, res.Reason)
	tok := res.Escalation.Token

	// A reviewer process approves against the same store.
	reviewer := p.open(t)
	out, err := reviewer.gw.ApproveToken(context.Background(), tok)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, printOutcome(&buf, "Approved", out))
	assert.Contains(t, buf.String(), "Approved "+tok)

	// Approving again fails with exit code 1.
	again, err := reviewer.gw.ApproveToken(context.Background(), tok)
	require.NoError(t, err)
	buf.Reset()
	assert.Error(t, printOutcome(&buf, "Approved", again))
	assert.Contains(t, buf.String(), "it is approved")

	req.ApprovalToken = tok
	res = agent.gw.CheckGovernance(context.Background(), req)
	assert.True(t, res.Allowed, res.Detail)
}

func TestPrintTokens(t *testing.T) {
	var buf bytes.Buffer
	printTokens(&buf, nil, time.Now())
	assert.Equal(t, "No pending approvals.\n", buf.String())

	now := time.Now()
	buf.Reset()
	printTokens(&buf, []store.Token{
		{Token: "apv_1", ToolName: "purge-db", Agent: "ops", IssuedAt: now, TTL: 60, Status: store.StatusPending},
		{Token: "apv_2", ToolName: "purge-db", Agent: "ops", IssuedAt: now.Add(-time.Hour), TTL: 60, Status: store.StatusPending},
	}, now)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "pending")
	assert.Contains(t, lines[2], "expired")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestValidateFile(t *testing.T) {
	p := newPaths(t, cliPolicy)
	r, err := validateFile(p.policy)
	require.NoError(t, err)
	assert.True(t, r.Valid)
	assert.True(t, strings.HasPrefix(r.Hash, "sha256:"))

	var buf bytes.Buffer
	require.NoError(t, printValidation(&buf, r, "text"))
	assert.Contains(t, buf.String(), "OK: "+p.policy)

	bad := newPaths(t, strings.Replace(cliPolicy, `"1.0.0"`, `"2.0.0"`, 1))
	r, err = validateFile(bad.policy)
	require.NoError(t, err)
	assert.False(t, r.Valid)
	assert.Empty(t, r.Hash)

	buf.Reset()
	require.NoError(t, printValidation(&buf, r, "json"))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, false, decoded["valid"])
	assert.NotEmpty(t, decoded["errors"])

	_, err = validateFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPrintScanNeverShowsMatchedText(t *testing.T) {
	res := dlp.ScanResult{
		Found:   true,
		Summary: "1 match(es): email x1",
		Matches: []dlp.Match{{Type: "email", Value: "ops@example.com", Start: 3, End: 18, Confidence: 0.85}},
	}
	for _, format := range []string{"text", "json"} {
		var buf bytes.Buffer
		require.NoError(t, printScan(&buf, res, format))
		assert.Contains(t, buf.String(), "email")
		assert.NotContains(t, buf.String(), "ops@example.com", format)
	}
}

func TestPolicyErrorHint(t *testing.T) {
	err := policyError(governance.ErrPolicyInvalid)
	assert.True(t, errors.Is(err, governance.ErrPolicyInvalid))
	assert.Contains(t, err.Error(), "toolwarden validate")

	plain := errors.New("boom")
	assert.Equal(t, plain, policyError(plain))
}

func TestBaselineReport(t *testing.T) {
	p := newPaths(t, cliPolicy)
	a := p.open(t)
	for i := 0; i < 3; i++ {
		res := a.gw.CheckGovernance(context.Background(), governance.Request{ToolName: "search", Args: "q", UserID: "ops", Channel: "cli"})
		require.True(t, res.Allowed, res.Detail)
	}

	assert.Equal(t, int64(300), policyAnomalyWindow(p.policy))
	assert.Equal(t, int64(300), policyAnomalyWindow(filepath.Join(t.TempDir(), "none.yaml")))

	var buf bytes.Buffer
	b, err := buildReport(context.Background(), a, "OPS", 300, time.Now())
	require.NoError(t, err)
	require.NoError(t, printBaseline(&buf, b, "text"))
	assert.Contains(t, buf.String(), "Agent:            ops")
	assert.Contains(t, buf.String(), "Current window:   3")
	assert.Contains(t, buf.String(), "Tools seen:       search")
}

func TestDoctorChecks(t *testing.T) {
	p := newPaths(t, cliPolicy)
	oldPaths := integrity.ChecksumPaths
	integrity.ChecksumPaths = nil
	t.Cleanup(func() { integrity.ChecksumPaths = oldPaths })

	checks := doctorChecks(p.policy, p.store, p.journal)
	var buf bytes.Buffer
	assert.True(t, printChecks(&buf, checks), buf.String())
	assert.Contains(t, buf.String(), "All checks passed.")

	// A tampered journal is reported.
	j, err := audit.Open(p.journal)
	require.NoError(t, err)
	require.NoError(t, j.Record(audit.Entry{Kind: "tool_used", Agent: "ops", Tool: "search"}))
	require.NoError(t, j.Record(audit.Entry{Kind: "tool_used", Agent: "ops", Tool: "search"}))
	require.NoError(t, j.Close())
	data, err := os.ReadFile(p.journal)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p.journal, bytes.Replace(data, []byte("search"), []byte("delete"), 1), 0o600))

	buf.Reset()
	assert.False(t, printChecks(&buf, doctorChecks(p.policy, p.store, p.journal)))
	assert.Contains(t, buf.String(), "broken at line")

	buf.Reset()
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	assert.False(t, printChecks(&buf, doctorChecks(missing, p.store, "")))
	assert.Contains(t, buf.String(), "toolwarden init")
}

func TestJournalMirrorsGatewayEvents(t *testing.T) {
	p := newPaths(t, cliPolicy)
	a := p.open(t)

	res := a.gw.CheckGovernance(context.Background(), governance.Request{ToolName: "purge-db", Args: "x", UserID: "ops", Channel: "cli"})
	require.Equal(t, governance.ReasonEscalationRequired, res.Reason)
	_, err := a.gw.ApproveToken(context.Background(), res.Escalation.Token)
	require.NoError(t, err)

	vr := audit.Verify(p.journal)
	require.True(t, vr.Valid, vr.Error)

	replay, err := audit.Replay(p.journal, audit.ReplayFilter{Agent: "ops"})
	require.NoError(t, err)
	assert.Equal(t, 1, replay.Summary.EscalateCount)
	assert.Equal(t, 1, replay.Summary.ApproveCount)
	require.NotEmpty(t, replay.Entries)
	assert.NotEmpty(t, replay.Entries[0].PolicyHash)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)

	var info map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &info))
	assert.Equal(t, "toolwarden", info["name"])
	assert.Equal(t, version, info["version"])
}

func TestEscalationOutcomeFormatting(t *testing.T) {
	var buf bytes.Buffer
	out := escalation.Outcome{Detail: "token apv_x not found"}
	err := printOutcome(&buf, "Denied", out)
	var ee exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "token apv_x not found\n", buf.String())
}

func TestScenarioCommand(t *testing.T) {
	p := newPaths(t, cliPolicy)
	dir := filepath.Dir(p.policy)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "purge.yaml"), []byte(`
name: purge needs approval
policy: policy.yaml
cases:
  - call: {tool: purge-db, args: x, user: ops, channel: cli}
    expect: escalation-required
  - call: {tool: purge-db, args: x, user: ops, channel: cli}
    approve: true
    with_token: true
    expect: allowed
`), 0o600))

	var buf bytes.Buffer
	testCmd.SetOut(&buf)
	testCmd.SetContext(context.Background())
	oldPolicy := policyPath
	t.Cleanup(func() {
		testCmd.SetOut(nil)
		policyPath = oldPolicy
	})
	testScenario = filepath.Join(dir, "purge*.yaml")
	testFormat = "text"
	policyPath = p.policy

	require.NoError(t, testCmd.RunE(testCmd, nil))
	assert.Contains(t, buf.String(), "PASS  purge needs approval (2/2)")
	assert.Contains(t, buf.String(), "2 of 2 cases passed.")
}

func TestDiffPolicies(t *testing.T) {
	before := newPaths(t, cliPolicy)
	after := newPaths(t, strings.Replace(cliPolicy, "first_use_tools: [purge-db]", "first_use_tools: [purge-db, search]", 1))

	var buf bytes.Buffer
	require.NoError(t, diffPolicies(&buf, before.policy, after.policy, "text"))
	assert.Contains(t, buf.String(), "escalation.first_use_tools: + search  (stricter)")

	bad := newPaths(t, strings.Replace(cliPolicy, `"1.0.0"`, `"2.0.0"`, 1))
	err := diffPolicies(&buf, before.policy, bad.policy, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load new policy")
}
