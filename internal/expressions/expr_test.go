package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/pkg/schema"
)

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	out, err := e.Evaluate(context.Background(), "rating * 2 + (reviews ?? 0)", map[string]any{"rating": 4.5, "reviews": 10})
	require.NoError(t, err)
	assert.Equal(t, 19.0, out)
}

func TestExpr_UndefinedVariablesAreNil(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "missing ?? 7", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))

	_, err = e.Evaluate(ctx, "1 +", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestExpr_TopN(t *testing.T) {
	e := NewExprEngine()
	items := []map[string]any{
		{"name": "a", "rating": 3.0},
		{"name": "b", "rating": 4.8},
		{"name": "c"},
		{"name": "d", "rating": 4.8},
		{"name": "e", "rating": 4.1},
	}

	top, err := e.TopN(context.Background(), "rating", items, 3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, "b", top[0]["name"])
	assert.Equal(t, "d", top[1]["name"], "stable on ties")
	assert.Equal(t, "e", top[2]["name"])

	all, err := e.TopN(context.Background(), "rating", items, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "c", all[4]["name"], "non-numeric score sorts last")
}

func TestExpr_Caching(t *testing.T) {
	e := NewExprEngine()
	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), "x + 1", map[string]any{"x": i})
		require.NoError(t, err)
	}
	assert.Len(t, e.cache, 1)
}
