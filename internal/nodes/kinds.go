package nodes

import (
	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/pkg/schema"
)

// Named input ports.
const (
	PortLocalKnowledge = "local-knowledge"
	PortProviders      = "providers"
	PortPlan           = "plan"
	PortContent        = "content"
	PortDesign         = "design"
	PortImages         = "images"
)

var single = []string{schema.DefaultPort}

func phases(p ...schema.Phase) []schema.Phase {
	out := make([]schema.Phase, 0, len(p)+2)
	out = append(out, schema.PhasePreparing)
	out = append(out, p...)
	return append(out, schema.PhaseAggregating, schema.PhaseComplete)
}

func fields(kv map[string]any) func() map[string]any {
	return func() map[string]any {
		out := make(map[string]any, len(kv))
		for k, v := range kv {
			if list, ok := v.([]any); ok {
				cp := make([]any, len(list))
				copy(cp, list)
				v = cp
			}
			out[k] = v
		}
		return out
	}
}

func builtin() []*Definition {
	llm := []string{secrets.ProviderLLM}
	return []*Definition{
		{
			Kind: schema.KindLocation, Label: "Location", Output: true,
			Defaults: fields(map[string]any{"city": "", "state": ""}),
			Derive:   deriveLocation,
		},
		{
			Kind: schema.KindLLM, Label: "LLM", Ports: single, Output: true,
			Defaults:  fields(map[string]any{"prompt": "", "system": "", "temperature": 0.7}),
			Phases:    phases(schema.PhaseGenerating),
			Providers: llm,
			Run:       runLLM,
		},
		{
			Kind: schema.KindOutput, Label: "Output", Ports: single,
		},
		{
			Kind: schema.KindDataViewer, Label: "Data Viewer", Ports: single,
		},
		{
			Kind: schema.KindResearch, Label: "Research", Ports: single, Output: true,
			Defaults: fields(map[string]any{
				"categories": []any{},
				"top_n":      5,
				"rank_by":    DefaultResearchRank,
			}),
			Phases:    phases(schema.PhaseResearching),
			Providers: []string{secrets.ProviderSearch},
			Run:       runResearch,
		},
		{
			Kind: schema.KindCategorySelector, Label: "Category Selector", Ports: single, Output: true,
			Defaults: fields(map[string]any{"category": "", "selected": []any{}}),
			Derive:   deriveCategories,
		},
		{
			Kind: schema.KindProviderDiscovery, Label: "Provider Discovery", Ports: single, Output: true,
			Defaults: fields(map[string]any{
				"limit":   10,
				"top_n":   10,
				"rank_by": DefaultProviderRank,
			}),
			Phases:    phases(schema.PhaseDiscovering),
			Providers: []string{secrets.ProviderDiscovery},
			Run:       runDiscovery,
		},
		{
			Kind: schema.KindProviderEnrichment, Label: "Provider Enrichment", Ports: single, Output: true,
			Phases:    phases(schema.PhaseEnriching),
			Providers: []string{secrets.ProviderDiscovery},
			Run:       runEnrichment,
		},
		{
			Kind: schema.KindLocalKnowledge, Label: "Local Knowledge", Ports: single, Output: true,
			Phases:    phases(schema.PhaseAnalyzing),
			Providers: llm,
			Threshold: LocalKnowledgeThreshold,
			Run:       runLocalKnowledge,
		},
		{
			Kind: schema.KindSitePlanner, Label: "Site Planner", Ports: []string{PortLocalKnowledge, PortProviders}, Output: true,
			Defaults:  fields(map[string]any{"site_name": "", "max_pages": 8}),
			Phases:    phases(schema.PhasePlanning),
			Providers: llm,
			Run:       prompted(schema.PhasePlanning, sitePlanPrompt, true, ""),
		},
		{
			Kind: schema.KindProfileGenerator, Label: "Profile Generator", Ports: single, Output: true,
			Phases:    phases(schema.PhaseGenerating),
			Providers: llm,
			Run:       runProfiles,
		},
		{
			Kind: schema.KindEditorialContent, Label: "Editorial Content", Ports: single, Output: true,
			Defaults:  fields(map[string]any{"tone": "friendly, expert"}),
			Phases:    phases(schema.PhaseGenerating),
			Providers: llm,
			Run:       runEditorial,
		},
		{
			Kind: schema.KindComparisonData, Label: "Comparison Data", Ports: single, Output: true,
			Phases:    phases(schema.PhaseAnalyzing),
			Providers: llm,
			Run:       prompted(schema.PhaseAnalyzing, comparisonPrompt, true, ""),
		},
		{
			Kind: schema.KindSEOOptimization, Label: "SEO Optimization", Ports: single, Output: true,
			Phases:    phases(schema.PhaseAnalyzing),
			Providers: llm,
			Run:       prompted(schema.PhaseAnalyzing, seoPrompt, true, ""),
		},
		{
			Kind: schema.KindBrandDesign, Label: "Brand Design", Ports: single, Output: true,
			Defaults:  fields(map[string]any{"style": "modern, trustworthy"}),
			Phases:    phases(schema.PhaseGenerating),
			Providers: llm,
			Run:       prompted(schema.PhaseGenerating, brandPrompt, true, ""),
		},
		{
			Kind: schema.KindDesignPrompt, Label: "Design Prompt", Ports: single, Output: true,
			Phases:    phases(schema.PhaseGenerating),
			Providers: llm,
			Run:       prompted(schema.PhaseGenerating, designPromptPrompt, false, "prompt"),
		},
		{
			Kind: schema.KindWebDesigner, Label: "Web Designer", Ports: single, Output: true,
			Phases:    phases(schema.PhaseGenerating),
			Providers: llm,
			Run:       prompted(schema.PhaseGenerating, webDesignerPrompt, false, "html"),
		},
		{
			Kind: schema.KindImageGen, Label: "Image Generation", Ports: single, Output: true,
			Defaults:  fields(map[string]any{"prompt": "", "aspect_ratio": "16:9", "count": 1}),
			Phases:    phases(schema.PhaseGenerating),
			Providers: []string{secrets.ProviderImage},
			Run:       runImageGen,
		},
		{
			Kind: schema.KindImageSource, Label: "Image Source", Output: true,
			Defaults: fields(map[string]any{"urls": []any{}}),
			Derive:   deriveImages,
		},
		{
			Kind: schema.KindCodeGeneration, Label: "Code Generation",
			Ports:     []string{PortPlan, PortContent, PortDesign, PortImages},
			Output:    true,
			Defaults:  fields(map[string]any{"framework": "static-html"}),
			Phases:    phases(schema.PhasePlanning, schema.PhaseGenerating, schema.PhasePackaging),
			Providers: llm,
			Run:       runCodeGeneration,
		},
		{
			Kind: schema.KindScreenshotReplicator, Label: "Screenshot Replicator", Ports: single, Output: true,
			Defaults:  fields(map[string]any{"screenshot_url": ""}),
			Phases:    phases(schema.PhaseAnalyzing, schema.PhaseReplicating, schema.PhaseRefining),
			Providers: llm,
			Run:       runScreenshotReplicator,
		},
		{
			Kind: schema.KindDeployment, Label: "Deployment", Ports: single, Output: true,
			Defaults:  fields(map[string]any{"project": ""}),
			Phases:    []schema.Phase{schema.PhasePreparing, schema.PhaseUploading, schema.PhaseBuilding, schema.PhaseComplete},
			Providers: []string{secrets.ProviderDeploy},
			Run:       runDeployment,
		},
	}
}
