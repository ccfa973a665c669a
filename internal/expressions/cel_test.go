package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_Threshold(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()
	expr := "stats.total > 0 && double(stats.completed - stats.failed) / double(stats.total) >= 0.5"

	ok, err := e.EvaluateBool(ctx, expr, map[string]any{
		"stats": map[string]any{"completed": 3, "total": 3, "failed": 1},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(ctx, expr, map[string]any{
		"stats": map[string]any{"completed": 3, "total": 3, "failed": 2},
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_OutputAccess(t *testing.T) {
	e := newCEL(t)
	ok, err := e.EvaluateBool(context.Background(), `size(output.pages) >= 1 && data.mode == "full"`, map[string]any{
		"output": map[string]any{"pages": []any{"home"}},
		"data":   map[string]any{"mode": "full"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingVariablesBindEmpty(t *testing.T) {
	e := newCEL(t)
	ok, err := e.EvaluateBool(context.Background(), `!("x" in inputs)`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_Errors(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	assert.Error(t, e.Check("stats.total >"))
	assert.Error(t, e.Check("unknown_var == 1"))

	_, err = e.EvaluateBool(ctx, "1 + 1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(ctx, "stats.nope == 1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}
