package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orieg/yaml-workflow-sub000/internal/engine"
	"github.com/orieg/yaml-workflow-sub000/internal/runner"
	"github.com/orieg/yaml-workflow-sub000/internal/state"
	"github.com/orieg/yaml-workflow-sub000/internal/tasks"
	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// mockService records calls and returns canned results.
type mockService struct {
	runReq    runner.RunRequest
	runResult *engine.Result
	runErr    error

	resumeReq    runner.ResumeRequest
	resumeResult *engine.Result
	resumeErr    error

	statusReport *runner.StatusReport
	statusErr    error

	validateResult *schema.ValidationResult
	validateErr    error
}

func (m *mockService) Run(_ context.Context, req runner.RunRequest) (*engine.Result, error) {
	m.runReq = req
	return m.runResult, m.runErr
}

func (m *mockService) Resume(_ context.Context, req runner.ResumeRequest) (*engine.Result, error) {
	m.resumeReq = req
	return m.resumeResult, m.resumeErr
}

func (m *mockService) Status(_ context.Context, _ string) (*runner.StatusReport, error) {
	return m.statusReport, m.statusErr
}

func (m *mockService) Validate(_ context.Context, _ string) (*schema.ValidationResult, error) {
	return m.validateResult, m.validateErr
}

func (m *mockService) Tasks() []tasks.TaskInfo {
	return []tasks.TaskInfo{{Name: "echo", Description: "echo inputs back"}}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func completedResult() *engine.Result {
	return &engine.Result{
		Status:  "completed",
		Outputs: map[string]any{"say": map[string]any{"result": "hi"}},
		State:   &state.RunState{Status: schema.RunStatusCompleted},
	}
}

func TestRunTool(t *testing.T) {
	svc := &mockService{runResult: completedResult()}
	s := NewServer(ServerDeps{Service: svc})

	req := buildRequest("workflow.run", map[string]any{
		"workflow":   "deploy.yaml",
		"workspace":  "/tmp/run1",
		"flow":       "fast",
		"params":     map[string]any{"env": "prod"},
		"skip_steps": "lint, docs",
	})

	result, err := s.handleRun(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "deploy.yaml", svc.runReq.WorkflowPath)
	assert.Equal(t, "/tmp/run1", svc.runReq.Workspace)
	assert.Equal(t, "fast", svc.runReq.Flow)
	assert.Equal(t, map[string]any{"env": "prod"}, svc.runReq.Params)
	assert.Equal(t, []string{"lint", "docs"}, svc.runReq.SkipSteps)
}

func TestRunToolMissingArgs(t *testing.T) {
	s := NewServer(ServerDeps{Service: &mockService{}})

	result, err := s.handleRun(context.Background(),
		buildRequest("workflow.run", map[string]any{"workspace": "/tmp/run1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleRun(context.Background(),
		buildRequest("workflow.run", map[string]any{"workflow": "w.yaml"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolExecutionError(t *testing.T) {
	svc := &mockService{runErr: errors.New("step failed")}
	s := NewServer(ServerDeps{Service: svc})

	result, err := s.handleRun(context.Background(), buildRequest("workflow.run", map[string]any{
		"workflow":  "deploy.yaml",
		"workspace": "/tmp/run1",
	}))
	require.NoError(t, err, "tool errors are reported in-band, not as transport errors")
	assert.True(t, result.IsError)
}

func TestResumeTool(t *testing.T) {
	svc := &mockService{resumeResult: completedResult()}
	s := NewServer(ServerDeps{Service: svc})

	result, err := s.handleResume(context.Background(), buildRequest("workflow.resume", map[string]any{
		"workflow":  "deploy.yaml",
		"workspace": "/tmp/run1",
		"step":      "push",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "push", svc.resumeReq.Step)
}

func TestResumeToolRequiresStep(t *testing.T) {
	s := NewServer(ServerDeps{Service: &mockService{}})

	result, err := s.handleResume(context.Background(), buildRequest("workflow.resume", map[string]any{
		"workflow":  "deploy.yaml",
		"workspace": "/tmp/run1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	svc := &mockService{statusReport: &runner.StatusReport{
		State: &state.RunState{Status: schema.RunStatusFailed},
	}}
	s := NewServer(ServerDeps{Service: svc})

	result, err := s.handleStatus(context.Background(), buildRequest("workflow.status", map[string]any{
		"workspace": "/tmp/run1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestValidateTool(t *testing.T) {
	res := &schema.ValidationResult{}
	res.AddError("steps[0].task", schema.ErrCodeNotFound, `task "ghost" not registered`)
	svc := &mockService{validateResult: res}
	s := NewServer(ServerDeps{Service: svc})

	result, err := s.handleValidate(context.Background(), buildRequest("workflow.validate", map[string]any{
		"workflow": "deploy.yaml",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, "semantic issues are data, not tool failures")
}

func TestTasksTool(t *testing.T) {
	s := NewServer(ServerDeps{Service: &mockService{}})

	result, err := s.handleTasks(context.Background(), buildRequest("workflow.tasks", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
}

func TestServerRegistersAllTools(t *testing.T) {
	s := NewServer(ServerDeps{Service: &mockService{}})
	require.NotNil(t, s.MCPServer())
	assert.Len(t, s.tools(), 5)
}

func TestSplitSteps(t *testing.T) {
	assert.Nil(t, splitSteps(""))
	assert.Equal(t, []string{"a"}, splitSteps("a"))
	assert.Equal(t, []string{"a", "b"}, splitSteps(" a ,, b "))
}
