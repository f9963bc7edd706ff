package visibility

// Evaluator decides whether a step or variant applies, based on a rule string
// and the current sub-state of the in-progress document.
type Evaluator interface {
	Eval(scope, rule string, ctx Context) (bool, error)
}

// Compiler is implemented by evaluators that can check a rule ahead of time.
type Compiler interface {
	Compile(rule string) error
}

// Context provides inputs to an Evaluator. Values carries the template's
// discriminant values (missing discriminants are present as empty strings);
// Extras allows callers to inject arbitrary context such as feature flags.
type Context struct {
	Values map[string]string
	Extras map[string]any
}

// EvaluatorFunc adapts a function into an Evaluator.
type EvaluatorFunc func(scope, rule string, ctx Context) (bool, error)

// Eval delegates to the underlying function.
func (fn EvaluatorFunc) Eval(scope, rule string, ctx Context) (bool, error) {
	return fn(scope, rule, ctx)
}
