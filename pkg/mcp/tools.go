package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/orieg/yaml-workflow-sub000/internal/runner"
)

// handleRun executes a workflow file in a workspace.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	workspace, err := req.RequireString("workspace")
	if err != nil {
		return mcp.NewToolResultError("workspace is required"), nil
	}

	result, runErr := s.service.Run(ctx, runner.RunRequest{
		WorkflowPath: workflow,
		Workspace:    workspace,
		Flow:         req.GetString("flow", ""),
		Params:       mcp.ParseStringMap(req, "params", nil),
		StartFrom:    req.GetString("start_from", ""),
		SkipSteps:    splitSteps(req.GetString("skip_steps", "")),
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow run failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleResume continues a failed run at a step.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	workspace, err := req.RequireString("workspace")
	if err != nil {
		return mcp.NewToolResultError("workspace is required"), nil
	}
	step, err := req.RequireString("step")
	if err != nil {
		return mcp.NewToolResultError("step is required"), nil
	}

	result, resumeErr := s.service.Resume(ctx, runner.ResumeRequest{
		WorkflowPath: workflow,
		Workspace:    workspace,
		Step:         step,
		Params:       mcp.ParseStringMap(req, "params", nil),
	})
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(result)
}

// handleStatus returns the persisted state of a run workspace.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspace, err := req.RequireString("workspace")
	if err != nil {
		return mcp.NewToolResultError("workspace is required"), nil
	}

	report, statusErr := s.service.Status(ctx, workspace)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(report)
}

// handleValidate checks a workflow definition without running it.
func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	result, valErr := s.service.Validate(ctx, workflow)
	if valErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("validation failed: %v", valErr)), nil
	}
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleTasks lists the registered tasks.
func (s *Server) handleTasks(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"tasks": s.service.Tasks()})
}

// splitSteps parses a comma-separated step list, dropping empty entries.
func splitSteps(raw string) []string {
	if raw == "" {
		return nil
	}
	var steps []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			steps = append(steps, trimmed)
		}
	}
	return steps
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
