package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Variables available to anomaly rule expressions:
//
//	tool           string        tool being invoked
//	agent          string        verified agent id
//	recent_tools   list(string)  tools used by the agent in the current window, oldest first
//	tools_seen     list(string)  every tool in the agent's baseline
//	current_calls  int           calls in the current window
//	avg_calls      double        baseline average calls per window
var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error

	programMu    sync.RWMutex
	programCache = map[string]cel.Program{}
)

func ruleEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("tool", cel.StringType),
			cel.Variable("agent", cel.StringType),
			cel.Variable("recent_tools", cel.ListType(cel.StringType)),
			cel.Variable("tools_seen", cel.ListType(cel.StringType)),
			cel.Variable("current_calls", cel.IntType),
			cel.Variable("avg_calls", cel.DoubleType),
		)
	})
	return celEnv, celEnvErr
}

// CompileRule compiles an anomaly rule expression. Compiled programs are
// cached by expression text. The expression must return bool.
func CompileRule(expr string) (cel.Program, error) {
	programMu.RLock()
	prg, ok := programCache[expr]
	programMu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := ruleEnv()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, err
	}

	programMu.Lock()
	programCache[expr] = prg
	programMu.Unlock()
	return prg, nil
}
