package scenario

// Call defines the tool call under test.
type Call struct {
	Tool    string `yaml:"tool"`
	Args    string `yaml:"args,omitempty"`
	User    string `yaml:"user,omitempty"`
	Channel string `yaml:"channel,omitempty"`
	Session string `yaml:"session,omitempty"`
}

// Case is one step within a scenario. Steps share one store, so earlier
// cases affect later ones (rate-limit windows, first-use, tokens).
type Case struct {
	Call   Call   `yaml:"call"`
	Expect string `yaml:"expect"`
	// Approve approves the token issued by the most recent escalation
	// before this case runs.
	Approve bool `yaml:"approve,omitempty"`
	// Deny denies that token instead.
	Deny bool `yaml:"deny,omitempty"`
	// WithToken attaches the most recent token to this call.
	WithToken bool `yaml:"with_token,omitempty"`
	// Advance moves the scenario clock forward before this case runs.
	Advance string `yaml:"advance,omitempty"`
}

// Scenario is a named sequence of governance test cases.
type Scenario struct {
	Name   string `yaml:"name"`
	Policy string `yaml:"policy,omitempty"`
	Cases  []Case `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one test case.
type CaseResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Tool     string `json:"tool"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Detail   string `json:"detail"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File   string       `json:"file"`
	Name   string       `json:"name"`
	Total  int          `json:"total"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}
