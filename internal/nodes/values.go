package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/sitegraph/internal/capability"
	"github.com/rendis/sitegraph/internal/engine"
	"github.com/rendis/sitegraph/internal/expressions"
	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/pkg/schema"
)

func str(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func integer(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func float(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func object(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

// list accepts []any, []string and []map[string]any.
func list(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	}
	return nil
}

func stringList(v any) []string {
	var out []string
	for _, e := range list(v) {
		s, ok := e.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func objects(v any) []map[string]any {
	var out []map[string]any
	for _, e := range list(v) {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// location reads "City, ST" from inputs, building it from city and state
// when only those are present.
func location(inputs map[string]any) string {
	if loc := str(inputs, "location"); loc != "" {
		return loc
	}
	city, state := str(inputs, "city"), str(inputs, "state")
	switch {
	case city != "" && state != "":
		return city + ", " + state
	default:
		return city
	}
}

func required(field string, nodeID string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s is required", field).WithNode(nodeID)
}

func needLLM(d *Deps) error {
	if d.Caps.LLM == nil {
		return secrets.Unavailable(secrets.ProviderLLM)
	}
	return nil
}

func scope(rc *engine.RunContext) *expressions.TemplateScope {
	return &expressions.TemplateScope{
		Inputs: rc.Inputs,
		Data:   rc.Data,
		Node:   map[string]any{"id": rc.NodeID, "type": string(rc.Kind)},
	}
}

// render expands template against the run's inputs and appends the inputs
// as a JSON context block.
func render(rc *engine.RunContext, template string, withContext bool) (string, error) {
	prompt, err := expressions.Render(template, scope(rc))
	if err != nil {
		return "", err
	}
	if !withContext || len(rc.Inputs) == 0 {
		return prompt, nil
	}
	ctxJSON, err := json.MarshalIndent(rc.Inputs, "", "  ")
	if err != nil {
		return prompt, nil
	}
	return prompt + "\n\nInput:\n" + string(ctxJSON), nil
}

func complete(ctx context.Context, d *Deps, rc *engine.RunContext, prompt string, asJSON bool) (string, error) {
	opts := capability.CompletionOptions{System: str(rc.Data, "system"), JSON: asJSON}
	if t, ok := float(rc.Data, "temperature"); ok {
		t32 := float32(t)
		opts.Temperature = &t32
	}
	model := str(rc.Data, "model")
	if model == "" {
		model = d.Model
	}
	return d.Caps.LLM.Complete(ctx, prompt, model, opts)
}

// parseObject extracts the first JSON object from an LLM reply, tolerating
// code fences and surrounding prose.
func parseObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, schema.NewError(schema.ErrCodeProvider, "model reply contains no JSON object")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "model reply is not valid JSON: %v", err).WithCause(err)
	}
	return out, nil
}

func values(results []engine.Result) []any {
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r.Value
	}
	return out
}

func skipped(st *engine.PhaseState) []any {
	out := make([]any, 0, len(st.Failures))
	for _, f := range st.Failures {
		out = append(out, map[string]any{"phase": string(f.Phase), "item": f.Item, "error": f.Error, "code": f.Code})
	}
	return out
}
