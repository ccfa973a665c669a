package expressions

import "context"

// Engine evaluates one expression language against a data document.
// GoJQ reshapes node outputs, Expr computes ranking keys and CEL checks
// run-quality thresholds.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
