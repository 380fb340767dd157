// Package validation implements the three-stage pipeline a workflow
// definition passes through before Execute will run it: structural (JSON
// Schema), semantic (per-node-type config shape, edge usage, schedule
// syntax), and graph shape (acyclicity, unique ids, reachable end).
package validation

import (
	"sync"

	"github.com/dagflow/engine/pkg/schema"
)

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *JSONSchemaValidator
	defaultValidatorErr  error
)

func structuralValidator() (*JSONSchemaValidator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewJSONSchemaValidator()
	})
	return defaultValidator, defaultValidatorErr
}

// ValidateDefinition runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages, since a definition that
// fails the shape check may not even decode into graph-shaped data.
func ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	jsv, err := structuralValidator()
	if err != nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "failed to initialize structural validator: "+err.Error())
		return r
	}

	result := jsv.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def))
	return result
}

// ValidateInput validates arbitrary input data (e.g. an http_request node's
// resolved body) against a JSON Schema, using the shared cached compiler.
func ValidateInput(input any, inputSchema []byte) error {
	jsv, err := structuralValidator()
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to initialize structural validator").WithCause(err)
	}
	return jsv.ValidateInput(input, inputSchema)
}
