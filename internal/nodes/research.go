package nodes

import (
	"context"
	"fmt"

	"github.com/rendis/sitegraph/internal/engine"
	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/pkg/schema"
)

// Default ranking expressions. A score that is not a number ranks last.
const (
	DefaultResearchRank = "score"
	DefaultProviderRank = "(rating ?? 0) * 20 + (reviews ?? 0) / 10"
)

func categoryItems(inputs map[string]any) []engine.Item {
	cats := stringList(inputs["categories"])
	if len(cats) == 0 {
		if c := str(inputs, "category"); c != "" {
			cats = []string{c}
		}
	}
	seen := make(map[string]bool, len(cats))
	items := make([]engine.Item, 0, len(cats))
	for _, c := range cats {
		if seen[c] {
			continue
		}
		seen[c] = true
		items = append(items, engine.Item{Key: c, Value: c})
	}
	return items
}

func rankExpr(inputs map[string]any, def string) string {
	if e := str(inputs, "rank_by"); e != "" {
		return e
	}
	return def
}

// runResearch searches every category in the target location and ranks the
// categories by their market signals.
func runResearch(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if d.Caps.Search == nil {
			return nil, secrets.Unavailable(secrets.ProviderSearch)
		}
		loc := location(rc.Inputs)
		if loc == "" {
			return nil, required("location", rc.NodeID)
		}
		items := categoryItems(rc.Inputs)
		if len(items) == 0 {
			return nil, required("categories", rc.NodeID)
		}

		results := func(st *engine.PhaseState) []map[string]any {
			rs := st.Results(schema.PhaseResearching)
			out := make([]map[string]any, 0, len(rs))
			for _, r := range rs {
				out = append(out, r.Value.(map[string]any))
			}
			return out
		}

		return rc.RunPipeline(ctx, engine.Pipeline{
			Delay: d.ItemDelay,
			Retry: d.Retry,
			Phases: []engine.PhaseSpec{{
				Name:       schema.PhaseResearching,
				Capability: secrets.ProviderSearch,
				Items:      func(*engine.PhaseState) []engine.Item { return items },
				Do: func(ctx context.Context, _ *engine.PhaseState, item engine.Item) (engine.ItemResult, error) {
					res, err := d.Caps.Search.Search(ctx, item.Key, loc)
					if err != nil {
						return engine.ItemResult{}, err
					}
					entry := make(map[string]any, len(res.Signals)+1)
					for k, v := range res.Signals {
						entry[k] = v
					}
					entry["category"] = item.Key
					return engine.ItemResult{Value: entry, CacheHit: res.CacheHit}, nil
				},
			}},
			Partial: func(st *engine.PhaseState) map[string]any {
				return map[string]any{"categoryResults": results(st), "location": loc}
			},
			Aggregate: func(ctx context.Context, st *engine.PhaseState) (map[string]any, error) {
				all := results(st)
				top, err := st.RankTopN(ctx, rankExpr(rc.Inputs, DefaultResearchRank), all, integer(rc.Inputs, "top_n", 5))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"location":        loc,
					"categoryResults": all,
					"topCategories":   top,
					"skipped":         skipped(st),
				}, nil
			},
		})
	}
}

// runDiscovery finds providers for each category and keeps the best ranked.
func runDiscovery(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if d.Caps.Discovery == nil {
			return nil, secrets.Unavailable(secrets.ProviderDiscovery)
		}
		loc := location(rc.Inputs)
		if loc == "" {
			return nil, required("location", rc.NodeID)
		}
		items := categoryItems(rc.Inputs)
		if len(items) == 0 {
			return nil, required("categories", rc.NodeID)
		}
		limit := integer(rc.Inputs, "limit", 10)

		providers := func(st *engine.PhaseState) []map[string]any {
			var out []map[string]any
			for _, r := range st.Results(schema.PhaseDiscovering) {
				out = append(out, r.Value.([]map[string]any)...)
			}
			return out
		}

		return rc.RunPipeline(ctx, engine.Pipeline{
			Delay: d.ItemDelay,
			Retry: d.Retry,
			Phases: []engine.PhaseSpec{{
				Name:       schema.PhaseDiscovering,
				Capability: secrets.ProviderDiscovery,
				Items:      func(*engine.PhaseState) []engine.Item { return items },
				Do: func(ctx context.Context, _ *engine.PhaseState, item engine.Item) (engine.ItemResult, error) {
					found, err := d.Caps.Discovery.Discover(ctx, item.Key, loc, limit)
					if err != nil {
						return engine.ItemResult{}, err
					}
					tagged := make([]map[string]any, 0, len(found))
					for _, p := range found {
						cp := make(map[string]any, len(p)+1)
						for k, v := range p {
							cp[k] = v
						}
						cp["category"] = item.Key
						tagged = append(tagged, cp)
					}
					return engine.ItemResult{Value: tagged}, nil
				},
			}},
			Partial: func(st *engine.PhaseState) map[string]any {
				return map[string]any{"providers": providers(st), "location": loc}
			},
			Aggregate: func(ctx context.Context, st *engine.PhaseState) (map[string]any, error) {
				all := providers(st)
				top, err := st.RankTopN(ctx, rankExpr(rc.Inputs, DefaultProviderRank), all, integer(rc.Inputs, "top_n", 10))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"location":  loc,
					"providers": top,
					"found":     len(all),
					"skipped":   skipped(st),
				}, nil
			},
		})
	}
}

func providerLabel(p map[string]any, i int) string {
	if name := str(p, "name"); name != "" {
		return name
	}
	return fmt.Sprintf("provider %d", i+1)
}

// runEnrichment fetches details for every discovered provider.
func runEnrichment(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if d.Caps.Discovery == nil {
			return nil, secrets.Unavailable(secrets.ProviderDiscovery)
		}
		providers := objects(rc.Inputs["providers"])
		if len(providers) == 0 {
			return nil, required("providers", rc.NodeID)
		}
		items := make([]engine.Item, len(providers))
		for i, p := range providers {
			items[i] = engine.Item{Key: providerLabel(p, i), Value: p}
		}

		return rc.RunPipeline(ctx, engine.Pipeline{
			Delay: d.ItemDelay,
			Retry: d.Retry,
			Phases: []engine.PhaseSpec{{
				Name:       schema.PhaseEnriching,
				Capability: secrets.ProviderDiscovery,
				Items:      func(*engine.PhaseState) []engine.Item { return items },
				Do: func(ctx context.Context, _ *engine.PhaseState, item engine.Item) (engine.ItemResult, error) {
					enriched, err := d.Caps.Discovery.Enrich(ctx, item.Value.(map[string]any))
					return engine.ItemResult{Value: enriched}, err
				},
			}},
			Partial: func(st *engine.PhaseState) map[string]any {
				return map[string]any{"providers": values(st.Results(schema.PhaseEnriching))}
			},
			Aggregate: func(_ context.Context, st *engine.PhaseState) (map[string]any, error) {
				return map[string]any{
					"location":  location(rc.Inputs),
					"providers": values(st.Results(schema.PhaseEnriching)),
					"skipped":   skipped(st),
				}, nil
			},
		})
	}
}
