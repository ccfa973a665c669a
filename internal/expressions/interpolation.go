package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/sitegraph/pkg/schema"
)

// TemplateScope holds the values a prompt template may reference.
//
//	${{inputs.text}}      effective inputs (upstream over manual)
//	${{data.prompt}}      manual fields only
//	${{node.id}}          node metadata (id, type)
type TemplateScope struct {
	Inputs map[string]any
	Data   map[string]any
	Node   map[string]any
}

// Render replaces every ${{path}} in template with the referenced value.
// Strings are inserted verbatim; other values are JSON-encoded. A reference
// to a missing field is an error unless it carries a "?" suffix, as in
// ${{inputs.tone?}}, which renders as the empty string.
func Render(template string, scope *TemplateScope) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}
	if scope == nil {
		scope = &TemplateScope{}
	}

	var b strings.Builder
	b.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${{")
		if idx == -1 {
			b.WriteString(template[i:])
			break
		}
		b.WriteString(template[i : i+idx])
		start := i + idx + 3

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeExpression, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(template[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeExpression, "nested ${{ inside a template reference")
		}
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeExpression, "empty template reference")
		}

		optional := strings.HasSuffix(ref, "?")
		ref = strings.TrimSuffix(ref, "?")

		val, err := resolveRef(ref, scope)
		if err != nil {
			if !optional {
				return "", err
			}
			val = ""
		}
		b.WriteString(inline(val))
		i = end + 2
	}
	return b.String(), nil
}

func resolveRef(ref string, scope *TemplateScope) (any, error) {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid reference %q: expected <namespace>.<field>", ref)
	}

	var root map[string]any
	switch parts[0] {
	case "inputs":
		root = scope.Inputs
	case "data":
		root = scope.Data
	case "node":
		root = scope.Node
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in ${{%s}}; available: inputs, data, node", parts[0], ref)
	}

	if v, ok := root[parts[1]]; ok {
		return v, nil
	}
	return traversePath(root, parts[1], ref)
}

// traversePath walks nested maps by dot-separated keys.
func traversePath(root any, path, ref string) (any, error) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "empty segment in %q", ref)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot traverse into %T at %q in %q", current, seg, ref)
		}
		v, ok := m[seg]
		if !ok {
			keys := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"field %q not found in %q; available: [%s]", seg, ref, strings.Join(keys, ", ")).
				WithDetails(map[string]any{"available_fields": keys})
		}
		current = v
	}
	return current, nil
}

func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasTemplate reports whether s contains any ${{...}} reference.
func HasTemplate(s string) bool {
	return strings.Contains(s, "${{")
}
