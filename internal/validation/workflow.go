package validation

import (
	"fmt"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// ValidateWorkflow performs semantic analysis on the workflow definition.
// Checks: unique step names, task names registered, on_error.next refs
// valid, flow definitions consistent, default flow defined.
func ValidateWorkflow(def *schema.WorkflowDefinition, lookup TaskLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIndex := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if _, dup := stepIndex[step.Name]; dup {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q", step.Name))
			continue
		}
		stepIndex[step.Name] = i
	}

	for i := range def.Steps {
		validateStep(&def.Steps[i], i, fmt.Sprintf("steps[%d]", i), stepIndex, lookup, result)
	}

	if def.Flows != nil {
		validateFlows(def.Flows, stepIndex, result)
	}

	return result
}

// validateStep checks a single step's task reference and error policy.
func validateStep(step *schema.Step, idx int, path string, stepIndex map[string]int,
	lookup TaskLookup, result *schema.ValidationResult) {

	if step.Task != "" && lookup != nil && !lookup.Has(step.Task) {
		result.AddError(path+".task", schema.ErrCodeNotFound,
			fmt.Sprintf("task %q not registered", step.Task))
	}

	policy := step.OnError
	if policy == nil {
		return
	}

	if policy.Action != "" && policy.Action != schema.ErrorActionFail && policy.Action != schema.ErrorActionContinue {
		result.AddError(path+".on_error.action", schema.ErrCodeValidation,
			fmt.Sprintf("unknown action %q, want %q or %q",
				policy.Action, schema.ErrorActionFail, schema.ErrorActionContinue))
	}

	if policy.Next != "" {
		targetIdx, known := stepIndex[policy.Next]
		if !known {
			result.AddError(path+".on_error.next", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", policy.Next))
		}
		if policy.Next == step.Name {
			result.AddWarning(path+".on_error.next", schema.ErrCodeValidation,
				"step redirects to itself on failure, which retries it without a budget")
		} else if known && targetIdx < idx {
			// The failing step's retry budget stays spent, so reaching it
			// again via the earlier step jumps immediately and loops.
			result.AddWarning(path+".on_error.next", schema.ErrCodeValidation,
				fmt.Sprintf("redirects to earlier step %q, which can loop if execution reaches this step again", policy.Next))
		}
		// continue wins over next at runtime, so declaring both is a
		// likely authoring mistake.
		if policy.Action == schema.ErrorActionContinue {
			result.AddWarning(path+".on_error", schema.ErrCodeValidation,
				"action \"continue\" takes precedence over next")
		}
	}

	if policy.Retry != nil && *policy.Retry > 10 {
		result.AddWarning(path+".on_error.retry", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", *policy.Retry))
	}
}

// validateFlows checks flow definitions against the declared steps.
func validateFlows(flows *schema.FlowSection, stepIndex map[string]int, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(flows.Definitions))
	for i, def := range flows.Definitions {
		for name, steps := range def {
			path := fmt.Sprintf("flows.definitions[%d].%s", i, name)
			if seen[name] {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("duplicate flow name %q", name))
			}
			seen[name] = true

			if name == schema.FlowAll {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("flow name %q shadows the built-in all-steps flow", name))
			}
			if len(steps) == 0 {
				result.AddWarning(path, schema.ErrCodeValidation, "flow has no steps")
			}
			for j, stepName := range steps {
				if _, ok := stepIndex[stepName]; !ok {
					result.AddError(fmt.Sprintf("%s[%d]", path, j), schema.ErrCodeStepNotInFlow,
						fmt.Sprintf("references non-existent step %q", stepName))
				}
			}
		}
	}

	if flows.Default != "" && flows.Default != schema.FlowAll && !seen[flows.Default] {
		result.AddError("flows.default", schema.ErrCodeFlowNotFound,
			fmt.Sprintf("default flow %q is not defined", flows.Default))
	}
}
