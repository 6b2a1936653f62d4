package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

func defWithFlows() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "deploy",
		Steps: []schema.Step{
			{Name: "build", Task: "shell"},
			{Name: "test", Task: "shell"},
			{Name: "push", Task: "shell"},
		},
		Flows: &schema.FlowSection{
			Default: "fast",
			Definitions: []map[string][]string{
				{"fast": {"build", "push"}},
				{"full": {"build", "test", "push"}},
			},
		},
	}
}

func TestResolveFlow_NoFlowsSectionReturnsAllSteps(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "plain",
		Steps: []schema.Step{
			{Name: "a", Task: "echo"},
			{Name: "b", Task: "echo"},
		},
	}

	for _, requested := range []string{"", "all", "anything"} {
		steps, _, err := ResolveFlow(def, requested)
		require.NoError(t, err, "flow %q", requested)
		require.Len(t, steps, 2)
		assert.Equal(t, "a", steps[0].Name)
		assert.Equal(t, "b", steps[1].Name)
	}
}

func TestResolveFlow_NamedFlow(t *testing.T) {
	steps, name, err := ResolveFlow(defWithFlows(), "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", name)
	require.Len(t, steps, 2)
	assert.Equal(t, "build", steps[0].Name)
	assert.Equal(t, "push", steps[1].Name)
}

func TestResolveFlow_EmptyUsesDeclaredDefault(t *testing.T) {
	steps, name, err := ResolveFlow(defWithFlows(), "")
	require.NoError(t, err)
	assert.Equal(t, "fast", name)
	assert.Len(t, steps, 2)
}

func TestResolveFlow_AllSentinelBypassesDefinitions(t *testing.T) {
	steps, _, err := ResolveFlow(defWithFlows(), schema.FlowAll)
	require.NoError(t, err)
	assert.Len(t, steps, 3)
}

func TestResolveFlow_UnknownFlow(t *testing.T) {
	_, _, err := ResolveFlow(defWithFlows(), "nope")
	require.Error(t, err)

	se, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeFlowNotFound, se.Code)
}

func TestResolveFlow_UndefinedStepInFlow(t *testing.T) {
	def := defWithFlows()
	def.Flows.Definitions = append(def.Flows.Definitions,
		map[string][]string{"broken": {"build", "ghost"}})

	_, _, err := ResolveFlow(def, "broken")
	require.Error(t, err)

	se, ok := err.(*schema.Error)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStepNotInFlow, se.Code)
	assert.Contains(t, se.Message, "ghost")
}
