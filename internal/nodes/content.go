package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/sitegraph/internal/engine"
	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/pkg/schema"
)

const profilePrompt = `Write a short, factual business profile for a local provider in %s.
Return JSON: {"name": string, "headline": string, "about": string, "services": [string], "highlights": [string]}.
Provider: %s`

const articlePrompt = `Write the page "%s" (%s) for a local services website in %s. Tone: %s.
Return JSON: {"slug": string, "title": string, "intro": string, "body": string, "faq": [{"q": string, "a": string}]}.
Page brief: %s`

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// runProfiles writes one profile per enriched provider.
func runProfiles(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if err := needLLM(d); err != nil {
			return nil, err
		}
		providers := objects(rc.Inputs["providers"])
		if len(providers) == 0 {
			return nil, required("providers", rc.NodeID)
		}
		loc := location(rc.Inputs)
		items := make([]engine.Item, len(providers))
		for i, p := range providers {
			items[i] = engine.Item{Key: providerLabel(p, i), Value: p}
		}

		return rc.RunPipeline(ctx, engine.Pipeline{
			Delay: d.ItemDelay,
			Retry: d.Retry,
			Phases: []engine.PhaseSpec{{
				Name:       schema.PhaseGenerating,
				Capability: secrets.ProviderLLM,
				Items:      func(*engine.PhaseState) []engine.Item { return items },
				Do: func(ctx context.Context, _ *engine.PhaseState, item engine.Item) (engine.ItemResult, error) {
					reply, err := complete(ctx, d, rc, fmt.Sprintf(profilePrompt, loc, jsonText(item.Value)), true)
					if err != nil {
						return engine.ItemResult{}, err
					}
					profile, err := parseObject(reply)
					if err != nil {
						return engine.ItemResult{}, err
					}
					if str(profile, "name") == "" {
						profile["name"] = item.Key
					}
					return engine.ItemResult{Value: profile, Bytes: int64(len(reply))}, nil
				},
			}},
			Partial: func(st *engine.PhaseState) map[string]any {
				return map[string]any{"profiles": values(st.Results(schema.PhaseGenerating))}
			},
			Aggregate: func(_ context.Context, st *engine.PhaseState) (map[string]any, error) {
				return map[string]any{
					"location": loc,
					"profiles": values(st.Results(schema.PhaseGenerating)),
					"skipped":  skipped(st),
				}, nil
			},
		})
	}
}

// runEditorial writes the body of every page in the site plan.
func runEditorial(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if err := needLLM(d); err != nil {
			return nil, err
		}
		pages := objects(rc.Inputs["pages"])
		if len(pages) == 0 {
			return nil, required("pages", rc.NodeID)
		}
		loc := location(rc.Inputs)
		tone := str(rc.Inputs, "tone")
		items := make([]engine.Item, 0, len(pages))
		for i, p := range pages {
			slug := str(p, "slug")
			if slug == "" {
				slug = fmt.Sprintf("page-%d", i+1)
			}
			items = append(items, engine.Item{Key: slug, Label: str(p, "title"), Value: p})
		}

		return rc.RunPipeline(ctx, engine.Pipeline{
			Delay: d.ItemDelay,
			Retry: d.Retry,
			Phases: []engine.PhaseSpec{{
				Name:       schema.PhaseGenerating,
				Capability: secrets.ProviderLLM,
				Items:      func(*engine.PhaseState) []engine.Item { return items },
				Do: func(ctx context.Context, _ *engine.PhaseState, item engine.Item) (engine.ItemResult, error) {
					page := item.Value.(map[string]any)
					prompt := fmt.Sprintf(articlePrompt, str(page, "title"), item.Key, loc, tone, jsonText(page))
					reply, err := complete(ctx, d, rc, prompt, true)
					if err != nil {
						return engine.ItemResult{}, err
					}
					article, err := parseObject(reply)
					if err != nil {
						return engine.ItemResult{}, err
					}
					article["slug"] = item.Key
					return engine.ItemResult{Value: article, Bytes: int64(len(reply))}, nil
				},
			}},
			Partial: func(st *engine.PhaseState) map[string]any {
				return map[string]any{"articles": values(st.Results(schema.PhaseGenerating))}
			},
			Aggregate: func(_ context.Context, st *engine.PhaseState) (map[string]any, error) {
				return map[string]any{
					"location": loc,
					"articles": values(st.Results(schema.PhaseGenerating)),
					"skipped":  skipped(st),
				}, nil
			},
		})
	}
}
