package schema

import (
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// expr is a compiled JMESPath expression selecting a value from a previous-version payload.
type expr struct {
	src string
	jp  *jmespath.JMESPath
}

func compileExpr(src string) (*expr, error) {
	jp, err := jmespath.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("jmespath %q: %w", src, err)
	}
	return &expr{src: src, jp: jp}, nil
}

// Eval returns the raw value selected by the expression.
// It returns nil and no error if the expression does not match anything, which is the same
// effect as the expression evaluating to `null`.
func (e *expr) Eval(payload map[string]any) (any, error) {
	v, err := e.jp.Search(payload)
	if err != nil {
		return nil, fmt.Errorf("jmespath %q: %w", e.src, err)
	}
	return v, nil
}

// EvalAny compiles and evaluates expression against payload in one step.
func EvalAny(expression string, payload map[string]any) (any, error) {
	e, err := compileExpr(expression)
	if err != nil {
		return nil, err
	}
	return e.Eval(payload)
}
