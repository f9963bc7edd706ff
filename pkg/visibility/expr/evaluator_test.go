package expr

import (
	"testing"

	"github.com/goliatone/go-docwizard/pkg/visibility"
)

func TestEvaluatorStringComparison(t *testing.T) {
	t.Parallel()

	eval := New()

	ok, err := eval.Eval("convocations/jour1", `typeConvocation == "CA Fédérale"`, visibility.Context{
		Values: map[string]string{"typeConvocation": "CA Fédérale"},
	})
	if err != nil {
		t.Fatalf("Eval returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}

	ok, err = eval.Eval("convocations/jour1", `typeConvocation == "CA Fédérale"`, visibility.Context{
		Values: map[string]string{"typeConvocation": "Bureau Fédéral"},
	})
	if err != nil {
		t.Fatalf("Eval returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected false for other variant")
	}
}

func TestEvaluatorEmptyRuleIsTrue(t *testing.T) {
	t.Parallel()

	ok, err := New().Eval("any", "   ", visibility.Context{})
	if err != nil {
		t.Fatalf("Eval returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected empty rule to be true")
	}
}

func TestEvaluatorUndefinedVariable(t *testing.T) {
	t.Parallel()

	ok, err := New().Eval("any", `typeConvocation == "CA Fédérale"`, visibility.Context{})
	if err != nil {
		t.Fatalf("Eval returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected missing variable to compare unequal")
	}
}

func TestEvaluatorExtras(t *testing.T) {
	t.Parallel()

	ok, err := New().Eval("any", `kind != "" && extras.beta == true`, visibility.Context{
		Values: map[string]string{"kind": "x"},
		Extras: map[string]any{"beta": true},
	})
	if err != nil {
		t.Fatalf("Eval returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected extras to be visible to rules")
	}
}

func TestEvaluatorCompileErrors(t *testing.T) {
	t.Parallel()

	eval := New()
	if err := eval.Compile(`typeConvocation ==`); err == nil {
		t.Fatalf("expected compile error for incomplete rule")
	}
	if err := eval.Compile(`a == "b" || c == "d"`); err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
}

func TestEvaluatorCachesPrograms(t *testing.T) {
	t.Parallel()

	eval := New()
	for i := 0; i < 3; i++ {
		if _, err := eval.Eval("any", `a == "1"`, visibility.Context{Values: map[string]string{"a": "1"}}); err != nil {
			t.Fatalf("Eval returned error: %v", err)
		}
	}
	if got := len(eval.programs); got != 1 {
		t.Fatalf("expected one cached program, got %d", got)
	}
}
