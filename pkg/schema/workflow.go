package schema

// WorkflowDefinition is the YAML-loadable workflow format.
// It is read-only at runtime: the engine never mutates a loaded definition.
type WorkflowDefinition struct {
	Name   string               `yaml:"name" json:"name"`
	Params map[string]ParamSpec `yaml:"params,omitempty" json:"params,omitempty"`
	Steps  []Step               `yaml:"steps" json:"steps"`
	Flows  *FlowSection         `yaml:"flows,omitempty" json:"flows,omitempty"`
}

// Step describes a single unit of work in a workflow.
type Step struct {
	Name      string         `yaml:"name" json:"name"`
	Task      string         `yaml:"task" json:"task"`
	Inputs    map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Condition string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	// Outputs is either a string (mirror the result onto that root context
	// key) or a mapping (copy named keys from a mapping result to root keys).
	Outputs any          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	OnError *ErrorPolicy `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// ErrorPolicy configures per-step failure handling.
type ErrorPolicy struct {
	// Retry is the number of re-attempts after the initial one.
	// nil means "use the engine's global max"; 0 disables retries.
	Retry *int `yaml:"retry,omitempty" json:"retry,omitempty"`
	// Delay is the wait between attempts, in seconds.
	Delay float64 `yaml:"delay,omitempty" json:"delay,omitempty"`
	// Action is "fail" (default) or "continue".
	Action string `yaml:"action,omitempty" json:"action,omitempty"`
	// Next names a step to jump to once retries are exhausted.
	Next string `yaml:"next,omitempty" json:"next,omitempty"`
	// Message is a template rendered into the persisted failure message.
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Error policy actions.
const (
	ErrorActionFail     = "fail"
	ErrorActionContinue = "continue"
)

// ParamSpec declares a workflow parameter.
type ParamSpec struct {
	Default   any  `yaml:"default,omitempty" json:"default,omitempty"`
	Required  bool `yaml:"required,omitempty" json:"required,omitempty"`
	MinLength int  `yaml:"min_length,omitempty" json:"min_length,omitempty"`
}

// FlowSection declares named ordered subsets of the workflow's steps.
type FlowSection struct {
	// Default names the flow used when the caller requests none.
	// May be FlowAll.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`
	// Definitions is a list of single-key mappings: flow name -> step names.
	Definitions []map[string][]string `yaml:"definitions" json:"definitions"`
}

// FlowAll is the sentinel flow name selecting every step in declaration order.
const FlowAll = "all"

// StepByName returns the step with the given name, or nil.
func (d *WorkflowDefinition) StepByName(name string) *Step {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// FlowSteps returns the step-name list for a named flow, or false.
func (f *FlowSection) FlowSteps(name string) ([]string, bool) {
	if f == nil {
		return nil, false
	}
	for _, def := range f.Definitions {
		if steps, ok := def[name]; ok {
			return steps, true
		}
	}
	return nil, false
}

// FlowNames returns all declared flow names in declaration order.
func (f *FlowSection) FlowNames() []string {
	if f == nil {
		return nil
	}
	names := make([]string, 0, len(f.Definitions))
	for _, def := range f.Definitions {
		for name := range def {
			names = append(names, name)
		}
	}
	return names
}
