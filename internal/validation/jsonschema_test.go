package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "deploy",
		Params: map[string]schema.ParamSpec{
			"env": {Default: "staging", Required: true, MinLength: 3},
		},
		Steps: []schema.Step{
			{Name: "build", Task: "shell", Inputs: map[string]any{"command": "make"}},
			{Name: "push", Task: "shell", Condition: "{{ args.env }}",
				Outputs: "image",
				OnError: &schema.ErrorPolicy{Delay: 1.5, Action: "continue"}},
		},
		Flows: &schema.FlowSection{
			Default: "fast",
			Definitions: []map[string][]string{
				{"fast": {"build", "push"}},
			},
		},
	}
}

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateDefinition_Valid(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateDefinition(validDefinition()))
}

func TestValidateDefinition_Nil(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDefinition(nil)
	require.Error(t, err)
}

func TestValidateDefinition_NoSteps(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateDefinition(&schema.WorkflowDefinition{Name: "empty"})
	require.Error(t, err)

	se, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
}

func TestValidateDefinition_StepMissingTask(t *testing.T) {
	v := newValidator(t)
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{{Name: "orphan"}},
	}
	require.Error(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_BadErrorAction(t *testing.T) {
	v := newValidator(t)
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			{Name: "s", Task: "echo", OnError: &schema.ErrorPolicy{Action: "explode"}},
		},
	}
	require.Error(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_NegativeDelay(t *testing.T) {
	v := newValidator(t)
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			{Name: "s", Task: "echo", OnError: &schema.ErrorPolicy{Delay: -1}},
		},
	}
	require.Error(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_OutputsMappingMustBeStrings(t *testing.T) {
	v := newValidator(t)
	def := &schema.WorkflowDefinition{
		Steps: []schema.Step{
			{Name: "s", Task: "echo", Outputs: map[string]any{"key": 42}},
		},
	}
	require.Error(t, v.ValidateDefinition(def))
}

func TestValidateParams_Valid(t *testing.T) {
	v := newValidator(t)
	paramSchema := []byte(`{
		"type": "object",
		"required": ["env"],
		"properties": {
			"env": { "type": "string", "enum": ["staging", "production"] }
		}
	}`)

	assert.NoError(t, v.ValidateParams(map[string]any{"env": "staging"}, paramSchema))

	err := v.ValidateParams(map[string]any{"env": "lab"}, paramSchema)
	require.Error(t, err)

	err = v.ValidateParams(map[string]any{}, paramSchema)
	require.Error(t, err)
}

func TestValidateParams_NoSchemaIsNoop(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateParams(map[string]any{"anything": true}, nil))
}

func TestValidateParams_InvalidSchemaBytes(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateParams(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
}

func TestValidateParams_CachesCompiledSchemas(t *testing.T) {
	v := newValidator(t)
	paramSchema := []byte(`{"type": "object"}`)

	require.NoError(t, v.ValidateParams(map[string]any{}, paramSchema))
	require.NoError(t, v.ValidateParams(map[string]any{}, paramSchema))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
