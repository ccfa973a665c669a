package nodes

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rendis/sitegraph/internal/capability"
	"github.com/rendis/sitegraph/internal/engine"
	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/pkg/schema"
)

const maxImages = 4

// runImageGen renders the prompt and generates count images from it.
func runImageGen(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if d.Caps.Images == nil {
			return nil, secrets.Unavailable(secrets.ProviderImage)
		}
		tmpl := str(rc.Inputs, "prompt")
		if tmpl == "" {
			return nil, required("prompt", rc.NodeID)
		}
		prompt, err := render(rc, tmpl, false)
		if err != nil {
			return nil, err
		}
		aspect := str(rc.Inputs, "aspect_ratio")
		count := integer(rc.Inputs, "count", 1)
		count = max(1, min(count, maxImages))

		items := make([]engine.Item, count)
		for i := range items {
			items[i] = engine.Item{Key: fmt.Sprintf("image %d", i+1), Value: i}
		}
		images := func(st *engine.PhaseState) []any { return values(st.Results(schema.PhaseGenerating)) }

		return rc.RunPipeline(ctx, engine.Pipeline{
			Delay: d.ItemDelay,
			Retry: d.Retry,
			Phases: []engine.PhaseSpec{{
				Name:       schema.PhaseGenerating,
				Capability: secrets.ProviderImage,
				Items:      func(*engine.PhaseState) []engine.Item { return items },
				Do: func(ctx context.Context, _ *engine.PhaseState, _ engine.Item) (engine.ItemResult, error) {
					img, err := d.Caps.Images.GenerateImage(ctx, prompt, aspect)
					if err != nil {
						return engine.ItemResult{}, err
					}
					return engine.ItemResult{Value: imageEntry(img), Bytes: int64(len(img.Data)), Assets: 1}, nil
				},
			}},
			Partial: func(st *engine.PhaseState) map[string]any {
				return map[string]any{"images": images(st)}
			},
			Aggregate: func(_ context.Context, st *engine.PhaseState) (map[string]any, error) {
				return map[string]any{"prompt": prompt, "images": images(st), "skipped": skipped(st)}, nil
			},
		})
	}
}

func imageEntry(img *capability.Image) map[string]any {
	entry := map[string]any{}
	if img.URL != "" {
		entry["url"] = img.URL
	} else if len(img.Data) > 0 {
		mime := img.MIME
		if mime == "" {
			mime = "image/png"
		}
		entry["url"] = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	}
	if img.MIME != "" {
		entry["mime"] = img.MIME
	}
	if img.RevisedPrompt != "" {
		entry["revised_prompt"] = img.RevisedPrompt
	}
	return entry
}

// stripFences removes a surrounding markdown code fence from a model reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

const filePrompt = `You are generating the %s file "%s" of a static website.
Reply with the file content only.

Site plan page: %s
Page content: %s
Design: %s
Images: %s`

// sitePage is one planned output file.
type sitePage struct {
	File  string
	Slug  string
	Title string
	Brief map[string]any
}

func planFiles(plan map[string]any) []sitePage {
	files := []sitePage{{File: "index.html", Slug: "index", Title: str(plan, "site_name")}}
	seen := map[string]bool{"index.html": true}
	for _, p := range objects(plan["pages"]) {
		slug := strings.Trim(str(p, "slug"), "/")
		if slug == "" || slug == "home" || slug == "index" {
			files[0].Brief = p
			continue
		}
		file := path.Clean(slug) + ".html"
		if seen[file] {
			continue
		}
		seen[file] = true
		files = append(files, sitePage{File: file, Slug: slug, Title: str(p, "title"), Brief: p})
	}
	return append(files, sitePage{File: "styles.css", Slug: "styles"})
}

func articleFor(content map[string]any, slug string) map[string]any {
	for _, a := range objects(content["articles"]) {
		if str(a, "slug") == slug {
			return a
		}
	}
	return nil
}

// runCodeGeneration plans the file set from the site plan, writes every
// file and packages them with a sitemap and an asset manifest.
func runCodeGeneration(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if err := needLLM(d); err != nil {
			return nil, err
		}
		plan := object(rc.Inputs, PortPlan)
		content := object(rc.Inputs, PortContent)
		design := object(rc.Inputs, PortDesign)
		images := objects(object(rc.Inputs, PortImages)["images"])
		if plan == nil && content == nil && design == nil {
			return nil, required("a site plan, content or design input", rc.NodeID)
		}
		framework := str(rc.Inputs, "framework")

		var pages []sitePage
		files := map[string]any{}
		var manifest map[string]any

		return rc.RunPipeline(ctx, engine.Pipeline{
			Delay: d.ItemDelay,
			Retry: d.Retry,
			Phases: []engine.PhaseSpec{
				{
					Name: schema.PhasePlanning,
					Step: func(context.Context, *engine.PhaseState) error {
						pages = planFiles(plan)
						return nil
					},
				},
				{
					Name:       schema.PhaseGenerating,
					Capability: secrets.ProviderLLM,
					Items: func(*engine.PhaseState) []engine.Item {
						items := make([]engine.Item, len(pages))
						for i, p := range pages {
							items[i] = engine.Item{Key: p.File, Value: p}
						}
						return items
					},
					Do: func(ctx context.Context, _ *engine.PhaseState, item engine.Item) (engine.ItemResult, error) {
						p := item.Value.(sitePage)
						prompt := fmt.Sprintf(filePrompt, framework, p.File,
							jsonText(p.Brief), jsonText(articleFor(content, p.Slug)), jsonText(design), jsonText(images))
						reply, err := complete(ctx, d, rc, prompt, false)
						if err != nil {
							return engine.ItemResult{}, err
						}
						body := stripFences(reply)
						files[p.File] = body
						return engine.ItemResult{Value: p.File, Bytes: int64(len(body))}, nil
					},
				},
				{
					Name: schema.PhasePackaging,
					Step: func(_ context.Context, st *engine.PhaseState) error {
						if len(files) == 0 {
							return schema.NewError(schema.ErrCodeExecution, "no files were generated").WithNode(rc.NodeID)
						}
						names := make([]string, 0, len(files))
						for name := range files {
							names = append(names, name)
						}
						sort.Strings(names)
						files["sitemap.xml"] = sitemap(names)

						urls := make([]any, 0, len(images))
						for _, img := range images {
							if u := str(img, "url"); u != "" {
								urls = append(urls, u)
							}
						}
						manifest = map[string]any{"files": names, "images": urls, "framework": framework}
						files["assets/manifest.json"] = jsonText(manifest)
						st.Progress.AssetsGenerated += len(urls)
						return nil
					},
				},
			},
			Partial: func(*engine.PhaseState) map[string]any {
				return map[string]any{"files": copyFiles(files)}
			},
			Aggregate: func(_ context.Context, st *engine.PhaseState) (map[string]any, error) {
				return map[string]any{
					"framework": framework,
					"files":     copyFiles(files),
					"manifest":  manifest,
					"skipped":   skipped(st),
				}, nil
			},
		})
	}
}

func copyFiles(files map[string]any) map[string]any {
	out := make(map[string]any, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out
}

func sitemap(files []string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` + "\n")
	for _, f := range files {
		if !strings.HasSuffix(f, ".html") {
			continue
		}
		fmt.Fprintf(&b, "  <url><loc>/%s</loc></url>\n", f)
	}
	b.WriteString("</urlset>\n")
	return b.String()
}

const (
	analyzePrompt = `Analyze the website screenshot at %s.
Return JSON: {"layout": string, "palette": [string], "typography": string, "sections": [{"name": string, "description": string}]}.`
	sectionPrompt = `Recreate the "%s" section of the screenshot at %s as semantic HTML with inline CSS.
Section description: %s
Overall analysis: %s
Reply with HTML only.`
	refinePrompt = `Combine these sections into one complete, consistent HTML page matching the analysis. Reply with HTML only.
Analysis: %s
Sections:
%s`
)

func screenshotURL(inputs map[string]any) string {
	if u := str(inputs, "screenshot_url"); u != "" {
		return u
	}
	if urls := stringList(inputs["urls"]); len(urls) > 0 {
		return urls[0]
	}
	return ""
}

// runScreenshotReplicator analyzes a screenshot, rebuilds it section by
// section and refines the sections into one page.
func runScreenshotReplicator(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if err := needLLM(d); err != nil {
			return nil, err
		}
		shot := screenshotURL(rc.Inputs)
		if shot == "" {
			return nil, required("screenshot_url", rc.NodeID)
		}

		var analysis map[string]any
		sections := map[string]any{}
		var html string

		return rc.RunPipeline(ctx, engine.Pipeline{
			Delay: d.ItemDelay,
			Retry: d.Retry,
			Phases: []engine.PhaseSpec{
				{
					Name:       schema.PhaseAnalyzing,
					Capability: secrets.ProviderLLM,
					Step: func(ctx context.Context, _ *engine.PhaseState) error {
						reply, err := complete(ctx, d, rc, fmt.Sprintf(analyzePrompt, shot), true)
						if err != nil {
							return err
						}
						analysis, err = parseObject(reply)
						return err
					},
				},
				{
					Name:       schema.PhaseReplicating,
					Capability: secrets.ProviderLLM,
					Items: func(*engine.PhaseState) []engine.Item {
						var items []engine.Item
						for i, s := range objects(analysis["sections"]) {
							name := str(s, "name")
							if name == "" {
								name = fmt.Sprintf("section-%d", i+1)
							}
							items = append(items, engine.Item{Key: name, Value: s})
						}
						return items
					},
					Do: func(ctx context.Context, _ *engine.PhaseState, item engine.Item) (engine.ItemResult, error) {
						s := item.Value.(map[string]any)
						reply, err := complete(ctx, d, rc,
							fmt.Sprintf(sectionPrompt, item.Key, shot, str(s, "description"), jsonText(analysis)), false)
						if err != nil {
							return engine.ItemResult{}, err
						}
						body := stripFences(reply)
						sections[item.Key] = body
						return engine.ItemResult{Value: item.Key, Bytes: int64(len(body))}, nil
					},
				},
				{
					Name:       schema.PhaseRefining,
					Capability: secrets.ProviderLLM,
					Step: func(ctx context.Context, st *engine.PhaseState) error {
						if len(sections) == 0 {
							return schema.NewError(schema.ErrCodeExecution, "no section could be replicated").WithNode(rc.NodeID)
						}
						var parts strings.Builder
						for _, r := range st.Results(schema.PhaseReplicating) {
							fmt.Fprintf(&parts, "<!-- %s -->\n%s\n", r.Item.Key, sections[r.Item.Key])
						}
						reply, err := complete(ctx, d, rc, fmt.Sprintf(refinePrompt, jsonText(analysis), parts.String()), false)
						if err != nil {
							return err
						}
						html = stripFences(reply)
						st.Progress.BytesGenerated += int64(len(html))
						return nil
					},
				},
			},
			Partial: func(*engine.PhaseState) map[string]any {
				return map[string]any{"analysis": analysis, "sections": copyFiles(sections)}
			},
			Aggregate: func(_ context.Context, st *engine.PhaseState) (map[string]any, error) {
				return map[string]any{
					"screenshot_url": shot,
					"analysis":       analysis,
					"sections":       copyFiles(sections),
					"html":           html,
					"skipped":        skipped(st),
				}, nil
			},
		})
	}
}

const defaultProject = "sitegraph-site"

// runDeployment publishes the generated files and polls the deployment
// until it is ready.
func runDeployment(d *Deps) engine.Operation {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		if d.Caps.Deployer == nil {
			return nil, secrets.Unavailable(secrets.ProviderDeploy)
		}
		files := map[string]string{}
		for name, v := range object(rc.Inputs, "files") {
			if s, ok := v.(string); ok {
				files[name] = s
			}
		}
		if len(files) == 0 {
			return nil, required("files", rc.NodeID)
		}
		project := str(rc.Inputs, "project")
		if project == "" {
			project = defaultProject
		}

		progress := schema.PhaseProgress{Phase: schema.PhaseUploading, Total: 1}
		rc.Record(schema.EventPhaseChanged, map[string]any{"phase": progress.Phase, "total": 1})
		rc.Progress(progress)

		dep, err := capability.DeployAndWait(ctx, d.Caps.Deployer, files, project, d.PollInterval, func(dep *capability.Deployment) {
			if progress.Phase == schema.PhaseUploading {
				progress = schema.PhaseProgress{Phase: schema.PhaseBuilding, Total: 1}
				rc.Record(schema.EventPhaseChanged, map[string]any{"phase": progress.Phase, "total": 1})
			}
			progress.CurrentItem = dep.Status
			rc.Progress(progress)
			rc.PatchOutput(map[string]any{"deployment_id": dep.ID, "status": dep.Status})
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"deployment_id": dep.ID,
			"url":           dep.URL,
			"status":        dep.Status,
			"project":       project,
			"files":         len(files),
		}, nil
	}
}
