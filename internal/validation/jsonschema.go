package validation

import (
	"bytes"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/sitegraph/pkg/schema"
)

const snapshotSchemaURL = "https://sitegraph.dev/schemas/snapshot.json"

// snapshotSchemaJSON is the JSON Schema of an exported snapshot document.
const snapshotSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://sitegraph.dev/schemas/snapshot.json",
  "type": "object",
  "required": ["version", "nodes", "connections"],
  "properties": {
    "version": { "const": 1 },
    "name": { "type": "string" },
    "saved_at": { "type": "string", "format": "date-time" },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/connection" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type", "position"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "position": { "$ref": "#/$defs/point" },
        "size": {
          "type": "object",
          "properties": {
            "width": { "type": "number", "minimum": 0 },
            "height": { "type": "number", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "data": { "type": "object" },
        "output": { "type": "object" }
      }
    },
    "point": {
      "type": "object",
      "required": ["x", "y"],
      "properties": {
        "x": { "type": "number" },
        "y": { "type": "number" }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["fromNodeId", "fromPort", "toNodeId", "toPort"],
      "properties": {
        "fromNodeId": { "type": "string", "minLength": 1 },
        "fromPort": { "type": "string", "minLength": 1 },
        "toNodeId": { "type": "string", "minLength": 1 },
        "toPort": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates documents against JSON Schema Draft 2020-12.
// A compiled schema is immutable, so it is safe for concurrent use.
type JSONSchemaValidator struct {
	snapshotSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the snapshot schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal snapshot schema: %w", err)
	}
	if err := c.AddResource(snapshotSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add snapshot schema resource: %w", err)
	}
	compiled, err := c.Compile(snapshotSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}

	return &JSONSchemaValidator{snapshotSchema: compiled}, nil
}

// ValidateDocument validates a raw snapshot document.
func (v *JSONSchemaValidator) ValidateDocument(doc []byte) error {
	if len(bytes.TrimSpace(doc)) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "snapshot document is empty")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "snapshot document is not valid JSON").WithCause(err)
	}
	if err := v.snapshotSchema.Validate(inst); err != nil {
		return toSitegraphError(err)
	}
	return nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toSitegraphError converts a jsonschema.ValidationError into a
// SitegraphError listing every leaf violation.
func toSitegraphError(err error) *schema.SitegraphError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
