// Package validation checks workflow definitions before the engine runs
// them: a JSON Schema pass for structure, then a semantic pass for the
// cross-references JSON Schema cannot express.
package validation

import "github.com/orieg/yaml-workflow-sub000/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateParams(params map[string]any, paramSchema []byte) error
}

// TaskLookup answers whether a task name is registered. Satisfied by
// tasks.Registry.
type TaskLookup interface {
	Has(name string) bool
}

// Validate runs the full pipeline: structural validation first, then
// semantic analysis. Semantic warnings do not fail validation.
func Validate(v Validator, def *schema.WorkflowDefinition, lookup TaskLookup) (*schema.ValidationResult, error) {
	if err := v.ValidateDefinition(def); err != nil {
		return nil, err
	}
	result := ValidateWorkflow(def, lookup)
	return result, result.ToError()
}
