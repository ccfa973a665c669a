package nodes

import (
	"context"

	"github.com/rendis/sitegraph/internal/expressions"
	"github.com/rendis/sitegraph/pkg/schema"
)

type edge struct {
	from, to schema.NodeKind
}

// views maps a producer/consumer pair to the jq program that builds the
// consumer's view of the producer output. Pairs not listed see the output
// unchanged. A field the producer lacks must come out null so it is dropped
// rather than masking the consumer's manual value.
var views = map[edge]string{
	{schema.KindLocation, schema.KindResearch}:          `{location, city, state}`,
	{schema.KindLocation, schema.KindLocalKnowledge}:    `{location, city, state}`,
	{schema.KindLocation, schema.KindProviderDiscovery}: `{location}`,

	{schema.KindResearch, schema.KindCategorySelector}:  `{categories: (if .topCategories then [.topCategories[]?.category] else null end), location}`,
	{schema.KindResearch, schema.KindProviderDiscovery}: `{categories: (if .topCategories then [.topCategories[]?.category] else null end), location}`,

	{schema.KindCategorySelector, schema.KindProviderDiscovery}: `{categories, location}`,

	{schema.KindProviderDiscovery, schema.KindProviderEnrichment}: `{providers, location}`,

	{schema.KindProviderEnrichment, schema.KindProfileGenerator}: `{providers, location}`,
	{schema.KindProviderEnrichment, schema.KindComparisonData}:   `{providers: (if .providers then [.providers[]? | {name, category, rating, reviews, services, price_level}] else null end), location}`,
	{schema.KindProviderEnrichment, schema.KindSitePlanner}:      `{providers: (if .providers then [.providers[]? | {name, category, rating}] else null end), location}`,

	{schema.KindLocalKnowledge, schema.KindSitePlanner}: `{summary, neighborhoods, facts, seasonal_needs, location}`,

	{schema.KindSitePlanner, schema.KindEditorialContent}: `{pages, site_name, location}`,
	{schema.KindSitePlanner, schema.KindCodeGeneration}:   `{pages, site_name, navigation}`,

	{schema.KindEditorialContent, schema.KindSEOOptimization}: `{articles: (if .articles then [.articles[]? | {slug, title, intro}] else null end), location}`,
	{schema.KindEditorialContent, schema.KindCodeGeneration}:  `{articles}`,

	{schema.KindBrandDesign, schema.KindDesignPrompt}: `{brand: .}`,
	{schema.KindBrandDesign, schema.KindWebDesigner}:  `{brand: .}`,

	{schema.KindDesignPrompt, schema.KindImageGen}:    `{prompt}`,
	{schema.KindDesignPrompt, schema.KindWebDesigner}: `{brief: .prompt}`,

	{schema.KindWebDesigner, schema.KindCodeGeneration}: `{html}`,
	{schema.KindImageGen, schema.KindCodeGeneration}:    `{images}`,

	{schema.KindCodeGeneration, schema.KindDeployment}: `{files}`,

	{schema.KindImageSource, schema.KindScreenshotReplicator}: `{screenshot_url: .urls[0]?, urls}`,
	{schema.KindImageGen, schema.KindScreenshotReplicator}:    `{screenshot_url: .images[0]?.url}`,

	{schema.KindLLM, schema.KindLLM}: `{text}`,
}

// Adapters builds consumer views of producer outputs with gojq. It
// satisfies graph.Adapter.
type Adapters struct {
	jq    *expressions.GoJQEngine
	views map[edge]string
}

// NewAdapters creates the adapter table evaluator.
func NewAdapters() *Adapters {
	return &Adapters{jq: expressions.NewGoJQEngine(), views: views}
}

// View returns the jq program for a pair, if one is declared.
func View(from, to schema.NodeKind) (string, bool) {
	p, ok := views[edge{from, to}]
	return p, ok
}

// Adapt returns the view kind to has of output. The result is always an
// object; non-object results are wrapped as {"value": ...}.
func (a *Adapters) Adapt(ctx context.Context, from, to schema.NodeKind, port string, output map[string]any) (map[string]any, error) {
	program, ok := a.views[edge{from, to}]
	if !ok {
		return output, nil
	}
	v, err := a.jq.Evaluate(ctx, program, output)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "adapt %s output for %s port %s", from, to, port).WithCause(err)
	}
	switch view := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return dropNulls(view), nil
	default:
		return map[string]any{"value": view}, nil
	}
}

// dropNulls removes keys the producer did not have, so a view never masks
// a manual field with null.
func dropNulls(m map[string]any) map[string]any {
	for k, v := range m {
		if v == nil {
			delete(m, k)
		}
	}
	return m
}
