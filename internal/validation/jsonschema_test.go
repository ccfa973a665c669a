package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/pkg/schema"
)

func newJSONSchemaValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestJSONSchemaValidator_Valid(t *testing.T) {
	v := newJSONSchemaValidator(t)
	assert.NoError(t, v.ValidateDocument([]byte(validDoc)))
	assert.NoError(t, v.ValidateDocument([]byte(`{"version": 1, "nodes": [], "connections": []}`)))
	assert.NoError(t, v.ValidateDocument([]byte(`{"version": 1, "saved_at": "2026-10-16T08:00:00Z", "nodes": [], "connections": []}`)))
}

func TestJSONSchemaValidator_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ``},
		{"not json", `{"version": 1,`},
		{"array", `[]`},
		{"missing nodes", `{"version": 1, "connections": []}`},
		{"missing connections", `{"version": 1, "nodes": []}`},
		{"wrong version", `{"version": 2, "nodes": [], "connections": []}`},
		{"unknown top-level field", `{"version": 1, "nodes": [], "connections": [], "extra": true}`},
		{"node without id", `{"version": 1, "nodes": [{"type": "llm", "position": {"x": 0, "y": 0}}], "connections": []}`},
		{"node with empty type", `{"version": 1, "nodes": [{"id": "a", "type": "", "position": {"x": 0, "y": 0}}], "connections": []}`},
		{"position not numeric", `{"version": 1, "nodes": [{"id": "a", "type": "llm", "position": {"x": "0", "y": 0}}], "connections": []}`},
		{"data not object", `{"version": 1, "nodes": [{"id": "a", "type": "llm", "position": {"x": 0, "y": 0}, "data": []}], "connections": []}`},
		{"negative size", `{"version": 1, "nodes": [{"id": "a", "type": "llm", "position": {"x": 0, "y": 0}, "size": {"width": -1}}], "connections": []}`},
		{"connection missing port", `{"version": 1, "nodes": [], "connections": [{"fromNodeId": "a", "fromPort": "out", "toNodeId": "b"}]}`},
		{"bad timestamp", `{"version": 1, "saved_at": "yesterday", "nodes": [], "connections": []}`},
	}
	v := newJSONSchemaValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateDocument([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, schema.IsValidation(err))
		})
	}
}

func TestJSONSchemaValidator_ViolationsListed(t *testing.T) {
	doc := `{"version": 3, "nodes": [{"id": "", "type": "llm", "position": {"x": 0, "y": 0}}], "connections": []}`
	err := newJSONSchemaValidator(t).ValidateDocument([]byte(doc))
	require.Error(t, err)

	var sgErr *schema.SitegraphError
	require.True(t, errors.As(err, &sgErr))
	violations, ok := sgErr.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
	assert.Contains(t, sgErr.Message, "validation failed with")
}
