package nodes

import (
	"context"

	"github.com/rendis/sitegraph/internal/engine"
	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/pkg/schema"
)

// Default prompt templates. A node's data.prompt, when set, replaces them.
const (
	sitePlanPrompt = `Plan a local services website named "${{inputs.site_name?}}" for ${{inputs.location?}}.
Return JSON: {"site_name": string, "pages": [{"slug": string, "title": string, "purpose": string, "sections": [string]}], "navigation": [string]}.
Use at most ${{inputs.max_pages?}} pages. Ground every page in the local knowledge and providers given.`

	comparisonPrompt = `Build a comparison of the providers below for ${{inputs.location?}}.
Return JSON: {"criteria": [string], "rows": [{"name": string, "scores": {string: number}, "summary": string}], "winner": string}.`

	seoPrompt = `Optimize the following site content for local search in ${{inputs.location?}}.
Return JSON: {"title": string, "description": string, "keywords": [string], "pages": [{"slug": string, "meta_title": string, "meta_description": string}], "schema_org": object}.`

	brandPrompt = `Design a brand for a local services site. Style: ${{inputs.style?}}.
Return JSON: {"name": string, "tagline": string, "palette": {"primary": string, "secondary": string, "accent": string, "background": string, "text": string}, "fonts": {"heading": string, "body": string}, "voice": string}.`

	designPromptPrompt = `Write one image generation prompt that captures this brand's visual identity for a website hero image. Reply with the prompt only.`

	webDesignerPrompt = `Produce a complete, self-contained HTML page (inline CSS) implementing the design brief below. Reply with HTML only.`

	localKnowledgePrompt = `Summarize what a newcomer should know about ${{inputs.location?}}: neighborhoods, climate, housing stock, local regulations and seasonal service needs.
Return JSON: {"summary": string, "neighborhoods": [string], "facts": [string], "seasonal_needs": [string], "confidence": number between 0 and 1}.`
)

// prompted builds a single-step operation: render the prompt, complete it
// and store the reply, parsed as JSON when asJSON, otherwise under key.
func prompted(phase schema.Phase, template string, asJSON bool, key string) func(d *Deps) engine.Operation {
	return func(d *Deps) engine.Operation {
		return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
			if err := needLLM(d); err != nil {
				return nil, err
			}
			tmpl := template
			if custom := str(rc.Data, "prompt"); custom != "" {
				tmpl = custom
			}
			prompt, err := render(rc, tmpl, true)
			if err != nil {
				return nil, err
			}

			var output map[string]any
			return rc.RunPipeline(ctx, engine.Pipeline{
				Retry: d.Retry,
				Phases: []engine.PhaseSpec{{
					Name:       phase,
					Capability: secrets.ProviderLLM,
					Step: func(ctx context.Context, st *engine.PhaseState) error {
						reply, err := complete(ctx, d, rc, prompt, asJSON)
						if err != nil {
							return err
						}
						if !asJSON {
							output = map[string]any{key: reply}
							st.Progress.BytesGenerated += int64(len(reply))
							return nil
						}
						output, err = parseObject(reply)
						return err
					},
				}},
				Aggregate: func(context.Context, *engine.PhaseState) (map[string]any, error) {
					return output, nil
				},
			})
		}
	}
}

// runLLM completes data.prompt, rendered against the inputs. Without a
// prompt the upstream text is used as is.
func runLLM(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if err := needLLM(d); err != nil {
			return nil, err
		}
		prompt := str(rc.Inputs, "text")
		if tmpl := str(rc.Data, "prompt"); tmpl != "" {
			var err error
			if prompt, err = render(rc, tmpl, false); err != nil {
				return nil, err
			}
		}
		if prompt == "" {
			return nil, required("prompt", rc.NodeID)
		}

		var text string
		return rc.RunPipeline(ctx, engine.Pipeline{
			Retry: d.Retry,
			Phases: []engine.PhaseSpec{{
				Name:       schema.PhaseGenerating,
				Capability: secrets.ProviderLLM,
				Step: func(ctx context.Context, st *engine.PhaseState) error {
					reply, err := complete(ctx, d, rc, prompt, false)
					if err != nil {
						return err
					}
					text = reply
					st.Progress.BytesGenerated += int64(len(reply))
					return nil
				},
			}},
			Aggregate: func(context.Context, *engine.PhaseState) (map[string]any, error) {
				return map[string]any{"text": text}, nil
			},
		})
	}
}

// LocalKnowledgeThreshold decides whether a low-confidence local knowledge
// result is still usable.
const LocalKnowledgeThreshold = `has(output.confidence) && output.confidence >= 0.5`

// localKnowledgeConfident is the confidence above which no warning is raised.
const localKnowledgeConfident = 0.8

func runLocalKnowledge(d *Deps) engine.Operation {
	inner := prompted(schema.PhaseAnalyzing, localKnowledgePrompt, true, "")(d)
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if location(rc.Inputs) == "" {
			return nil, required("location", rc.NodeID)
		}
		out, err := inner(ctx, rc)
		if err != nil {
			return nil, err
		}
		out["location"] = location(rc.Inputs)
		if c, ok := float(out, "confidence"); !ok || c < localKnowledgeConfident {
			return nil, &engine.PartialError{
				Output: out,
				Err:    schema.NewErrorf(schema.ErrCodeExecution, "local knowledge for %s has low confidence", location(rc.Inputs)),
			}
		}
		return out, nil
	}
}
