package scenario

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/toolwarden/internal/escalation"
	"github.com/ppiankov/toolwarden/internal/governance"
	"github.com/ppiankov/toolwarden/internal/store"
)

// Epoch is the scenario clock's start. It is aligned to every window
// length a policy is likely to use.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Run evaluates all cases in order against a fresh store in dir.
// Expectations are governance reasons (allowed, rate-limited, ...).
func Run(ctx context.Context, s *Scenario, policyPath, dir string) (*RunResult, error) {
	if s.Policy != "" {
		policyPath = s.Policy
	}

	st, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, err
	}
	defer st.Close()

	clk := &clock{now: Epoch}
	mgr, err := escalation.NewManager(ctx, st, escalation.WithClock(clk.Now))
	if err != nil {
		return nil, err
	}
	gw, err := governance.New(governance.Config{
		Store:      st,
		Escalation: mgr,
		PolicyPath: policyPath,
		Now:        clk.Now,
	})
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	var lastToken string
	for i, c := range s.Cases {
		cr := CaseResult{
			Index:    i + 1,
			Tool:     c.Call.Tool,
			Expected: strings.ToLower(c.Expect),
		}

		if err := prepare(ctx, gw, clk, c, lastToken); err != nil {
			cr.Actual = "setup-error"
			cr.Detail = err.Error()
			result.Failed++
			result.Cases = append(result.Cases, cr)
			continue
		}

		req := governance.Request{
			ToolName: c.Call.Tool,
			Args:     c.Call.Args,
			UserID:   c.Call.User,
			Channel:  c.Call.Channel,
			Session:  c.Call.Session,
		}
		if c.WithToken {
			req.ApprovalToken = lastToken
		}
		res := gw.CheckGovernance(ctx, req)
		if res.Escalation != nil && res.Escalation.Token != "" && !res.Escalation.Consumed {
			lastToken = res.Escalation.Token
		}

		cr.Actual = string(res.Reason)
		cr.Detail = firstLine(res.Detail)
		if cr.Actual == cr.Expected {
			cr.Passed = true
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	return result, nil
}

func prepare(ctx context.Context, gw *governance.Gateway, clk *clock, c Case, token string) error {
	if c.Advance != "" {
		d, err := time.ParseDuration(c.Advance)
		if err != nil {
			return fmt.Errorf("invalid advance %q: %w", c.Advance, err)
		}
		clk.advance(d)
	}
	if !c.Approve && !c.Deny {
		return nil
	}
	if token == "" {
		return fmt.Errorf("no token to resolve: no earlier case escalated")
	}
	resolve := gw.ApproveToken
	if c.Deny {
		resolve = gw.DenyToken
	}
	out, err := resolve(ctx, token)
	if err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("%s", out.Detail)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// LoadAndRun loads a scenario YAML file and runs it against a throwaway
// store. A policy path inside the scenario is resolved relative to the file.
func LoadAndRun(ctx context.Context, path, policyPath string) (*RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Policy != "" && !filepath.IsAbs(s.Policy) {
		s.Policy = filepath.Join(filepath.Dir(path), s.Policy)
	}

	dir, err := os.MkdirTemp("", "toolwarden-scenario-")
	if err != nil {
		return nil, fmt.Errorf("create scenario store: %w", err)
	}
	defer os.RemoveAll(dir)

	result, err := Run(ctx, &s, policyPath, dir)
	if err != nil {
		return nil, fmt.Errorf("run scenario %s: %w", path, err)
	}
	result.File = path

	return result, nil
}
