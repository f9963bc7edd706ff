package expr

import (
	"fmt"
	"strings"
	"sync"

	exprlang "github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/goliatone/go-docwizard/pkg/visibility"
)

// Evaluator runs visibility rules with expr-lang. Rules see every context
// value as a top-level string variable and extras under `extras`:
//
//	typeConvocation == "CA Fédérale"
//	typeConvocation != "" && extras.beta == true
//
// Compiled programs are cached per rule text.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// New returns an Evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{programs: make(map[string]*vm.Program)}
}

var _ visibility.Evaluator = (*Evaluator)(nil)
var _ visibility.Compiler = (*Evaluator)(nil)

// Eval compiles (or reuses) the rule and runs it against ctx. An empty rule
// is always true.
func (e *Evaluator) Eval(scope, rule string, ctx visibility.Context) (bool, error) {
	trimmed := strings.TrimSpace(rule)
	if trimmed == "" {
		return true, nil
	}

	program, err := e.program(trimmed)
	if err != nil {
		return false, err
	}

	out, err := exprlang.Run(program, environment(ctx))
	if err != nil {
		return false, fmt.Errorf("visibility/expr: %s: run %q: %w", scope, trimmed, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("visibility/expr: %s: rule %q returned %T, want bool", scope, trimmed, out)
	}
	return result, nil
}

// Compile checks that rule parses and yields a boolean.
func (e *Evaluator) Compile(rule string) error {
	trimmed := strings.TrimSpace(rule)
	if trimmed == "" {
		return nil
	}
	_, err := e.program(trimmed)
	return err
}

func (e *Evaluator) program(rule string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[rule]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := exprlang.Compile(rule, exprlang.AsBool(), exprlang.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("visibility/expr: compile %q: %w", rule, err)
	}

	e.mu.Lock()
	e.programs[rule] = program
	e.mu.Unlock()
	return program, nil
}

func environment(ctx visibility.Context) map[string]any {
	env := make(map[string]any, len(ctx.Values)+1)
	for key, value := range ctx.Values {
		env[key] = value
	}
	extras := make(map[string]any, len(ctx.Extras))
	for key, value := range ctx.Extras {
		extras[key] = value
	}
	env["extras"] = extras
	return env
}
