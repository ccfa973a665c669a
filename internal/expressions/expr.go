package expressions

import (
	"context"
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/sitegraph/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. It is used for numeric ranking
// keys over aggregated items (e.g. "rating * log(reviews + 1)").
// Compiled programs are cached and safe to share across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate compiles (or fetches) expression and runs it with data as the
// environment. Unknown identifiers evaluate to nil.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// TopN scores each item with expression and returns the n highest, stable
// for equal scores. Items whose score is not numeric sort last. n <= 0 keeps
// every item.
func (e *ExprEngine) TopN(ctx context.Context, expression string, items []map[string]any, n int) ([]map[string]any, error) {
	type scored struct {
		item  map[string]any
		score float64
		ok    bool
	}
	all := make([]scored, 0, len(items))
	for _, it := range items {
		v, err := e.Evaluate(ctx, expression, it)
		if err != nil {
			return nil, err
		}
		f, ok := toFloat(v)
		all = append(all, scored{item: it, score: f, ok: ok})
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ok != all[j].ok {
			return all[i].ok
		}
		return all[i].score > all[j].score
	})

	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].item
	}
	return out, nil
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

var _ Engine = (*ExprEngine)(nil)
