package validation

import (
	"encoding/json"

	"github.com/rendis/sitegraph/pkg/schema"
)

// KindLookup is the part of the node registry snapshot checks need.
// graph.Catalog satisfies it.
type KindLookup interface {
	Known(kind schema.NodeKind) bool
	InputPorts(kind schema.NodeKind) []string
	HasOutput(kind schema.NodeKind) bool
}

// SnapshotValidator orchestrates the three-stage validation pipeline for
// snapshot documents:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, kinds, ports, single writer)
// 3. DAG (cycles)
type SnapshotValidator struct {
	jsonSchema *JSONSchemaValidator
	kinds      KindLookup
}

// NewSnapshotValidator creates a SnapshotValidator. kinds may be nil to skip
// kind and port checks.
func NewSnapshotValidator(kinds KindLookup) (*SnapshotValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &SnapshotValidator{jsonSchema: jsv, kinds: kinds}, nil
}

// Decode validates a raw snapshot document and decodes it, returning any
// warnings. A document that fails any stage returns a VALIDATION_ERROR
// carrying every issue found.
func (sv *SnapshotValidator) Decode(doc []byte) (*schema.Snapshot, []schema.ValidationIssue, error) {
	result := validateStructural(sv.jsonSchema, doc)
	if !result.Valid() {
		return nil, nil, result.ToError()
	}

	var snap schema.Snapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "malformed snapshot document").WithCause(err)
	}
	result = sv.Validate(&snap)
	if err := result.ToError(); err != nil {
		return nil, nil, err
	}
	return &snap, result.Warnings, nil
}

// Validate runs the semantic and DAG stages over an already decoded
// snapshot. DAG analysis is skipped when semantic errors were found.
func (sv *SnapshotValidator) Validate(snap *schema.Snapshot) *schema.ValidationResult {
	if snap == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "snapshot is nil")
		return r
	}

	result := validateSemantic(snap, sv.kinds)
	if result.Valid() {
		result.Merge(validateDAG(snap))
	}
	return result
}

// validateStructural wraps JSONSchemaValidator.ValidateDocument, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, doc []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDocument(doc)
	if err == nil {
		return result
	}

	sgErr, ok := err.(*schema.SitegraphError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if sgErr.Details != nil {
		if violations, ok := sgErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, sgErr.Message)
	return result
}
