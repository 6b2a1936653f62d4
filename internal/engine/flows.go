package engine

import (
	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// ResolveFlow computes the ordered step sequence for a requested flow and
// returns it together with the effective flow name.
//
// With no flows section, or for the sentinel "all", every step is returned
// in declaration order. An empty name falls back to the workflow's declared
// default, then to "all".
func ResolveFlow(def *schema.WorkflowDefinition, flowName string) ([]schema.Step, string, error) {
	name := flowName
	if name == "" {
		if def.Flows != nil && def.Flows.Default != "" {
			name = def.Flows.Default
		} else {
			name = schema.FlowAll
		}
	}

	if def.Flows == nil || name == schema.FlowAll {
		return def.Steps, name, nil
	}

	stepNames, ok := def.Flows.FlowSteps(name)
	if !ok {
		return nil, "", schema.NewErrorf(schema.ErrCodeFlowNotFound,
			"flow %q is not defined in workflow %q", name, def.Name)
	}

	steps := make([]schema.Step, 0, len(stepNames))
	for _, stepName := range stepNames {
		step := def.StepByName(stepName)
		if step == nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeStepNotInFlow,
				"flow %q references undefined step %q", name, stepName)
		}
		steps = append(steps, *step)
	}
	return steps, name, nil
}

// stepIndex returns the position of a step name in a sequence, or -1.
func stepIndex(steps []schema.Step, name string) int {
	for i := range steps {
		if steps[i].Name == name {
			return i
		}
	}
	return -1
}
