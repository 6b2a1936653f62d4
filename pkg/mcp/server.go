// Package mcp exposes the workflow runner over the Model Context Protocol
// so agents can run, resume, and inspect workflows through stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/orieg/yaml-workflow-sub000/internal/engine"
	"github.com/orieg/yaml-workflow-sub000/internal/runner"
	"github.com/orieg/yaml-workflow-sub000/internal/tasks"
	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// WorkflowService is the runner surface the MCP tools call. Satisfied by
// runner.Runner.
type WorkflowService interface {
	Run(ctx context.Context, req runner.RunRequest) (*engine.Result, error)
	Resume(ctx context.Context, req runner.ResumeRequest) (*engine.Result, error)
	Status(ctx context.Context, workspace string) (*runner.StatusReport, error)
	Validate(ctx context.Context, workflowPath string) (*schema.ValidationResult, error)
	Tasks() []tasks.TaskInfo
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Service WorkflowService
	Logger  *slog.Logger
}

// Server wraps an MCP server with workflow tool handlers.
type Server struct {
	service   WorkflowService
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 5 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		service: deps.Service,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"yaml-workflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Declarative YAML workflow engine. Use workflow.run to execute a workflow file, workflow.resume to continue a failed run, workflow.status to inspect a run workspace, workflow.validate to check a definition, and workflow.tasks to list available tasks."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: tasksTool(), Handler: s.handleTasks},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Execute a workflow definition file in a run workspace"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Path to the workflow YAML file")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Run workspace directory (state is persisted here)")),
		mcp.WithString("flow", mcp.Description("Named flow to run (default: the workflow's default flow)")),
		mcp.WithObject("params", mcp.Description("Parameter overrides for the workflow")),
		mcp.WithString("start_from", mcp.Description("Skip steps before this step name")),
		mcp.WithString("skip_steps", mcp.Description("Comma-separated step names to skip")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("workflow.resume",
		mcp.WithDescription("Resume a failed run at a step, preserving completed step outputs"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Path to the workflow YAML file")),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Run workspace directory of the failed run")),
		mcp.WithString("step", mcp.Required(), mcp.Description("Step name to resume from")),
		mcp.WithObject("params", mcp.Description("Parameter overrides for the workflow")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the persisted state and event log of a run workspace"),
		mcp.WithString("workspace", mcp.Required(), mcp.Description("Run workspace directory")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("workflow.validate",
		mcp.WithDescription("Validate a workflow definition file without running it"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Path to the workflow YAML file")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool("workflow.tasks",
		mcp.WithDescription("List the tasks available to workflow steps"),
	)
}
