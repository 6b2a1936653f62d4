// Package runner wires a single workflow invocation end to end: load the
// definition, validate it, open the workspace state store, and drive the
// engine. The CLI, the scheduler, and the MCP server all run workflows
// through it.
package runner

import (
	"context"
	"log/slog"

	"github.com/orieg/yaml-workflow-sub000/internal/engine"
	"github.com/orieg/yaml-workflow-sub000/internal/scheduler"
	"github.com/orieg/yaml-workflow-sub000/internal/state"
	"github.com/orieg/yaml-workflow-sub000/internal/tasks"
	"github.com/orieg/yaml-workflow-sub000/internal/validation"
	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// RunRequest describes one workflow run.
type RunRequest struct {
	WorkflowPath string
	Workspace    string
	Flow         string
	Params       map[string]any
	StartFrom    string
	SkipSteps    []string
	MaxRetries   *int
}

// ResumeRequest describes resuming a failed run at a step.
type ResumeRequest struct {
	WorkflowPath string
	Workspace    string
	Step         string
	Flow         string
	Params       map[string]any
}

// StatusReport is the run state plus its event history.
type StatusReport struct {
	State  *state.RunState `json:"state"`
	Events []*state.Event  `json:"events"`
}

// Runner executes workflows against per-run workspaces using a shared task
// registry and validator.
type Runner struct {
	registry  *tasks.Registry
	validator validation.Validator
	logger    *slog.Logger
	engineOpt engine.Options
}

// New creates a Runner. The validator may be nil to skip pre-run validation.
func New(registry *tasks.Registry, validator validation.Validator, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		registry:  registry,
		validator: validator,
		logger:    logger,
		engineOpt: engine.Options{Logger: logger},
	}
}

// Run loads, validates, and executes a workflow in the given workspace.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*engine.Result, error) {
	def, err := r.load(req.WorkflowPath)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(ctx, req.Workspace)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	eng := engine.New(def, r.registry, store, r.engineOpt)
	return eng.Run(ctx, engine.RunOptions{
		Params:     req.Params,
		Flow:       req.Flow,
		StartFrom:  req.StartFrom,
		SkipSteps:  req.SkipSteps,
		MaxRetries: req.MaxRetries,
	})
}

// Resume continues a failed run in the given workspace at the named step.
func (r *Runner) Resume(ctx context.Context, req ResumeRequest) (*engine.Result, error) {
	def, err := r.load(req.WorkflowPath)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(ctx, req.Workspace)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	eng := engine.New(def, r.registry, store, r.engineOpt)
	return eng.Resume(ctx, req.Step, engine.RunOptions{
		Params: req.Params,
		Flow:   req.Flow,
	})
}

// Status reports the persisted run state and event log of a workspace.
func (r *Runner) Status(ctx context.Context, workspace string) (*StatusReport, error) {
	if !state.Exists(workspace) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no run state in workspace %q", workspace)
	}

	store, err := state.Open(ctx, workspace)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	runState, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	events, err := store.Events(ctx, 0)
	if err != nil {
		return nil, err
	}
	return &StatusReport{State: runState, Events: events}, nil
}

// Validate loads a workflow file and runs the full validation pipeline.
func (r *Runner) Validate(_ context.Context, workflowPath string) (*schema.ValidationResult, error) {
	def, err := schema.LoadDefinition(workflowPath)
	if err != nil {
		return nil, err
	}
	if r.validator == nil {
		return validation.ValidateWorkflow(def, r.registry), nil
	}
	result, err := validation.Validate(r.validator, def, r.registry)
	if err != nil && result == nil {
		return nil, err
	}
	return result, nil
}

// Tasks lists the registered tasks.
func (r *Runner) Tasks() []tasks.TaskInfo {
	return r.registry.List()
}

// RunScheduled satisfies scheduler.WorkflowRunner.
func (r *Runner) RunScheduled(ctx context.Context, job scheduler.Job) error {
	_, err := r.Run(ctx, RunRequest{
		WorkflowPath: job.Workflow,
		Workspace:    job.Workspace,
		Flow:         job.Flow,
		Params:       job.Params,
	})
	return err
}

// load reads and validates a workflow definition file.
func (r *Runner) load(path string) (*schema.WorkflowDefinition, error) {
	def, err := schema.LoadDefinition(path)
	if err != nil {
		return nil, err
	}
	if r.validator != nil {
		if _, err := validation.Validate(r.validator, def, r.registry); err != nil {
			return nil, err
		}
	}
	return def, nil
}
