package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/internal/expressions"
	"github.com/rendis/sitegraph/pkg/schema"
)

func TestAdapters_DeclaredViews(t *testing.T) {
	a := NewAdapters()
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to schema.NodeKind
		output   map[string]any
		want     map[string]any
	}{
		{
			name:   "location to research",
			from:   schema.KindLocation,
			to:     schema.KindResearch,
			output: map[string]any{"city": "Austin", "state": "TX", "location": "Austin, TX"},
			want:   map[string]any{"city": "Austin", "state": "TX", "location": "Austin, TX"},
		},
		{
			name: "research to category selector keeps ranked names only",
			from: schema.KindResearch,
			to:   schema.KindCategorySelector,
			output: map[string]any{
				"location": "Austin, TX",
				"topCategories": []map[string]any{
					{"category": "roofers", "score": 7},
					{"category": "plumbers", "score": 3},
				},
				"categoryResults": []any{},
			},
			want: map[string]any{"categories": []any{"roofers", "plumbers"}, "location": "Austin, TX"},
		},
		{
			name:   "missing producer fields are dropped",
			from:   schema.KindLocation,
			to:     schema.KindProviderDiscovery,
			output: map[string]any{"city": "Austin"},
			want:   map[string]any{},
		},
		{
			name:   "partial research output leaves categories out",
			from:   schema.KindResearch,
			to:     schema.KindProviderDiscovery,
			output: map[string]any{"categoryResults": []any{}, "location": "Austin, TX"},
			want:   map[string]any{"location": "Austin, TX"},
		},
		{
			name:   "enrichment without providers leaves providers out",
			from:   schema.KindProviderEnrichment,
			to:     schema.KindComparisonData,
			output: map[string]any{"location": "Austin, TX"},
			want:   map[string]any{"location": "Austin, TX"},
		},
		{
			name:   "enrichment providers are trimmed for the planner",
			from:   schema.KindProviderEnrichment,
			to:     schema.KindSitePlanner,
			output: map[string]any{"providers": []any{map[string]any{"name": "A", "rating": 4.5, "phone": "x"}}},
			want:   map[string]any{"providers": []any{map[string]any{"name": "A", "category": nil, "rating": 4.5}}},
		},
		{
			name:   "editorial without articles leaves articles out",
			from:   schema.KindEditorialContent,
			to:     schema.KindSEOOptimization,
			output: map[string]any{"location": "Austin, TX"},
			want:   map[string]any{"location": "Austin, TX"},
		},
		{
			name:   "code generation to deployment",
			from:   schema.KindCodeGeneration,
			to:     schema.KindDeployment,
			output: map[string]any{"files": map[string]any{"index.html": "<p/>"}, "manifest": map[string]any{}},
			want:   map[string]any{"files": map[string]any{"index.html": "<p/>"}},
		},
		{
			name:   "image source to screenshot replicator",
			from:   schema.KindImageSource,
			to:     schema.KindScreenshotReplicator,
			output: map[string]any{"urls": []string{"https://x/shot.png"}},
			want:   map[string]any{"screenshot_url": "https://x/shot.png", "urls": []any{"https://x/shot.png"}},
		},
		{
			name:   "undeclared pair is identity",
			from:   schema.KindLLM,
			to:     schema.KindOutput,
			output: map[string]any{"text": "hi", "extra": 1},
			want:   map[string]any{"text": "hi", "extra": 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Adapt(ctx, tt.from, tt.to, schema.DefaultPort, tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdapters_EveryViewCompiles(t *testing.T) {
	jq := expressions.NewGoJQEngine()
	for e, program := range views {
		assert.NoError(t, jq.Check(program), "%s -> %s", e.from, e.to)
	}
}

func TestAdapters_NonObjectResultsAreWrapped(t *testing.T) {
	a := NewAdapters()
	a.views = map[edge]string{
		{schema.KindLLM, schema.KindOutput}:     `.text`,
		{schema.KindLLM, schema.KindDataViewer}: `empty`,
	}

	got, err := a.Adapt(context.Background(), schema.KindLLM, schema.KindOutput, schema.DefaultPort, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "hi"}, got)

	got, err = a.Adapt(context.Background(), schema.KindLLM, schema.KindDataViewer, schema.DefaultPort, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAdapters_EvaluationError(t *testing.T) {
	a := NewAdapters()
	a.views = map[edge]string{{schema.KindLLM, schema.KindOutput}: `.text | tonumber`}
	_, err := a.Adapt(context.Background(), schema.KindLLM, schema.KindOutput, schema.DefaultPort, map[string]any{"text": "abc"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeExpression))
}

func TestView(t *testing.T) {
	p, ok := View(schema.KindDesignPrompt, schema.KindImageGen)
	assert.True(t, ok)
	assert.Equal(t, `{prompt}`, p)

	_, ok = View(schema.KindOutput, schema.KindLLM)
	assert.False(t, ok)
}
