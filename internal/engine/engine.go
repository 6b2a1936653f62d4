// Package engine runs workflow definitions: it resolves the flow, executes
// each step's task against the shared variable context, applies per-step
// error policy, and persists progress so failed runs can be resumed.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/orieg/yaml-workflow-sub000/internal/logging"
	"github.com/orieg/yaml-workflow-sub000/internal/state"
	"github.com/orieg/yaml-workflow-sub000/internal/tasks"
	"github.com/orieg/yaml-workflow-sub000/internal/template"
	"github.com/orieg/yaml-workflow-sub000/internal/vars"
	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// DefaultMaxRetries is the global retry budget for steps whose on_error
// policy does not set its own.
const DefaultMaxRetries = 3

// rawInputTasks lets a task opt specific input keys out of template
// rendering, so it can render them itself (the batch task does this per
// item).
type rawInputTasks interface {
	RawInputKeys() []string
}

// Options configures an Engine.
type Options struct {
	Logger     *slog.Logger
	MaxRetries int // 0 means DefaultMaxRetries
}

// Engine executes one workflow definition against one run directory.
// The step loop is single-threaded; the only concurrency lives inside the
// batch task.
type Engine struct {
	def        *schema.WorkflowDefinition
	registry   *tasks.Registry
	store      *state.Store
	resolver   *template.Resolver
	logger     *slog.Logger
	maxRetries int
}

// New creates an Engine. The registry and store are injected so tests can
// run isolated instances.
func New(def *schema.WorkflowDefinition, registry *tasks.Registry, store *state.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Engine{
		def:        def,
		registry:   registry,
		store:      store,
		resolver:   template.NewResolver(),
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// RunOptions parameterizes a single run.
type RunOptions struct {
	// Params override workflow parameter defaults.
	Params map[string]any
	// Flow selects a named flow; empty uses the workflow default.
	Flow string
	// ResumeFrom resumes a failed run at the named step.
	ResumeFrom string
	// StartFrom skips steps before the named step on a fresh run.
	StartFrom string
	// SkipSteps are step names to skip.
	SkipSteps []string
	// MaxRetries overrides the engine's global retry budget for this run.
	MaxRetries *int
}

// Result is the run-level return value. Status is always "completed" when
// the loop exits without a terminal error, even if a step failed under a
// continue policy; State carries the authoritative status and failed step.
type Result struct {
	Status  string          `json:"status"`
	Outputs map[string]any  `json:"outputs"`
	State   *state.RunState `json:"execution_state"`
}

// Run executes the workflow from the beginning (or from StartFrom),
// resetting any prior state in the run directory.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	return e.execute(ctx, opts, false)
}

// Resume continues a failed run at the named step, preserving completed
// step outputs.
func (e *Engine) Resume(ctx context.Context, step string, opts RunOptions) (*Result, error) {
	opts.ResumeFrom = step
	return e.execute(ctx, opts, true)
}

func (e *Engine) execute(ctx context.Context, opts RunOptions, resuming bool) (*Result, error) {
	maxRetries := e.maxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}

	vctx := vars.NewWithEnv()
	completed := make(map[string]bool)

	var steps []schema.Step
	var flowName string

	if resuming {
		prior, err := e.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if prior.Status != schema.RunStatusFailed {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"cannot resume run in status %q, only failed runs are resumable", prior.Status)
		}
		// The flow is pinned at run start; a conflicting request is a hard
		// error rather than a silent switch.
		if opts.Flow != "" && opts.Flow != prior.Flow {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"run was started with flow %q, cannot resume with flow %q", prior.Flow, opts.Flow)
		}
		steps, flowName, err = ResolveFlow(e.def, prior.Flow)
		if err != nil {
			return nil, err
		}

		outputs, err := e.store.CompletedOutputs(ctx)
		if err != nil {
			return nil, err
		}
		for name, output := range outputs {
			vctx.SetStepOutput(name, output)
			completed[name] = true
		}
	} else {
		var err error
		steps, flowName, err = ResolveFlow(e.def, opts.Flow)
		if err != nil {
			return nil, err
		}
		if err := e.store.ResetState(ctx); err != nil {
			return nil, err
		}
		if err := e.store.Init(ctx, uuid.NewString(), e.def.Name, flowName); err != nil {
			return nil, err
		}
		if err := e.store.SetFlow(ctx, flowName); err != nil {
			return nil, err
		}
	}

	runState, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(logging.WithWorkflow(ctx, e.def.Name), runState.RunID)

	if err := e.bindParams(ctx, vctx, opts.Params); err != nil {
		return nil, err
	}

	startIdx := 0
	if resuming {
		startIdx = stepIndex(steps, opts.ResumeFrom)
		if startIdx == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeStepNotInFlow,
				"resume target %q is not part of flow %q", opts.ResumeFrom, flowName)
		}
		// Drop the stale failure record so the re-executed step starts clean;
		// if its condition now skips it, no phantom failure lingers.
		if err := e.store.ClearStepRecord(ctx, opts.ResumeFrom); err != nil {
			return nil, err
		}
		e.logger.InfoContext(ctx, "resuming from failed step", "from", opts.ResumeFrom)
	} else if opts.StartFrom != "" {
		startIdx = stepIndex(steps, opts.StartFrom)
		if startIdx == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeStepNotInFlow,
				"start_from step %q is not part of flow %q", opts.StartFrom, flowName)
		}
	}

	skip := make(map[string]bool, len(opts.SkipSteps))
	for _, name := range opts.SkipSteps {
		skip[name] = true
	}

	if err := e.store.SetStatus(ctx, schema.RunStatusInProgress); err != nil {
		return nil, err
	}
	startEvent := schema.EventRunStarted
	if resuming {
		startEvent = schema.EventRunResumed
	}
	e.appendEvent(ctx, "", startEvent, map[string]any{"flow": flowName})
	e.logger.InfoContext(ctx, "run started", "flow", flowName, "steps", len(steps))

	if err := e.runLoop(ctx, steps, vctx, completed, skip, startIdx, maxRetries); err != nil {
		e.appendEvent(ctx, "", schema.EventRunFailed, map[string]any{"error": err.Error()})
		return nil, err
	}

	final, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if final.Status != schema.RunStatusFailed {
		if err := e.store.MarkRunCompleted(ctx); err != nil {
			return nil, err
		}
		final.Status = schema.RunStatusCompleted
		e.appendEvent(ctx, "", schema.EventRunCompleted, nil)
	}
	e.logger.InfoContext(ctx, "run finished", "status", string(final.Status))

	return &Result{
		Status:  "completed",
		Outputs: vctx.Steps,
		State:   final,
	}, nil
}

// runLoop drives step advancement: retries re-execute the same index,
// error-flow jumps reset the index to the target, halts propagate.
func (e *Engine) runLoop(ctx context.Context, steps []schema.Step, vctx *vars.Context,
	completed, skip map[string]bool, startIdx, maxRetries int) error {

	i := startIdx
	for i < len(steps) {
		step := steps[i]
		if completed[step.Name] || skip[step.Name] {
			i++
			continue
		}

		out := e.executeStep(ctx, step, vctx, maxRetries)
		switch out.kind {
		case outcomeSuccess:
			completed[step.Name] = true
			i++
		case outcomeSkipped, outcomeContinue:
			i++
		case outcomeRetry:
			// Same index: the loop re-executes the step.
		case outcomeJump:
			target := stepIndex(steps, out.target)
			if target == -1 {
				return schema.NewErrorf(schema.ErrCodeStepNotInFlow,
					"on_error.next target %q is not part of the flow", out.target).
					WithStep(step.Name).WithCause(out.err)
			}
			if err := e.store.ClearErrorFlowTarget(ctx); err != nil {
				return err
			}
			e.logger.WarnContext(ctx, "redirecting after failure", "from", step.Name, "to", out.target)
			i = target
		case outcomeHalt:
			return out.err
		}
	}
	return nil
}

// executeStep runs one step end to end: condition check, input rendering,
// dispatch, output folding, and the full on_error policy.
func (e *Engine) executeStep(ctx context.Context, step schema.Step, vctx *vars.Context, maxRetries int) outcome {
	ctx = logging.WithStep(ctx, step.Name)

	// Condition: only the rendered string "true" runs the step. A render
	// error skips rather than fails, so conditions can probe variables that
	// may not exist yet.
	if step.Condition != "" {
		val, err := e.resolver.Render(step.Condition, vctx)
		if err != nil || !strings.EqualFold(strings.TrimSpace(fmt.Sprintf("%v", val)), "true") {
			e.appendEvent(ctx, step.Name, schema.EventStepSkipped, nil)
			e.logger.DebugContext(ctx, "condition not met, skipping step")
			return skipped()
		}
	}

	// Unknown task names and missing task fields are configuration errors:
	// fatal for the run, never retried.
	if step.Task == "" {
		err := schema.NewError(schema.ErrCodeConfig, "step has no task").WithStep(step.Name)
		return e.haltWithFailure(ctx, step.Name, err)
	}
	task, err := e.registry.Get(step.Task)
	if err != nil {
		cfgErr := schema.NewErrorf(schema.ErrCodeConfig, "unknown task %q", step.Task).
			WithStep(step.Name).WithCause(err)
		return e.haltWithFailure(ctx, step.Name, cfgErr)
	}

	e.appendEvent(ctx, step.Name, schema.EventStepStarted, map[string]any{"task": step.Task})
	e.logger.InfoContext(ctx, "executing step", "task", step.Task)

	// An input render error is an ordinary task failure, subject to the
	// step's error policy.
	params, renderErr := e.renderInputs(step, task, vctx)

	var result any
	var taskErr error
	if renderErr != nil {
		taskErr = renderErr
	} else {
		result, taskErr = task.Execute(ctx, tasks.Input{
			Step:      step.Name,
			Params:    params,
			Scope:     vctx.Snapshot(),
			Workspace: e.store.Workspace(),
		})
	}

	if taskErr == nil {
		return e.completeStep(ctx, step, vctx, result)
	}
	return e.handleFailure(ctx, step, vctx, wrapTaskError(step.Name, taskErr), maxRetries)
}

// renderInputs deep-renders the step inputs, leaving any keys the task
// declared raw untouched.
func (e *Engine) renderInputs(step schema.Step, task tasks.Task, vctx *vars.Context) (map[string]any, error) {
	if step.Inputs == nil {
		return nil, nil
	}

	raw := map[string]bool{}
	if rt, ok := task.(rawInputTasks); ok {
		for _, k := range rt.RawInputKeys() {
			raw[k] = true
		}
	}

	params := make(map[string]any, len(step.Inputs))
	for k, v := range step.Inputs {
		if raw[k] {
			params[k] = v
			continue
		}
		rendered, err := e.resolver.RenderDeep(v, vctx)
		if err != nil {
			return nil, err
		}
		params[k] = rendered
	}
	return params, nil
}

// completeStep folds a successful result into the context and persists it.
func (e *Engine) completeStep(ctx context.Context, step schema.Step, vctx *vars.Context, result any) outcome {
	output := vars.Normalize(result)
	vctx.SetStepOutput(step.Name, output)
	e.applyOutputs(ctx, step, vctx, output)

	if err := e.store.MarkStepSuccess(ctx, step.Name, output); err != nil {
		return halt(err)
	}
	e.appendEvent(ctx, step.Name, schema.EventStepCompleted, nil)
	e.logger.InfoContext(ctx, "step completed")
	return success(output)
}

// applyOutputs mirrors step output onto root context keys per the step's
// outputs declaration: a string names one root key, a mapping copies named
// result keys to named root keys.
func (e *Engine) applyOutputs(ctx context.Context, step schema.Step, vctx *vars.Context, output map[string]any) {
	switch outs := step.Outputs.(type) {
	case nil:
	case string:
		if v, ok := output["result"]; ok {
			vctx.Extra[outs] = v
		} else {
			vctx.Extra[outs] = output
		}
	case map[string]any:
		for rootKey, src := range outs {
			srcKey, ok := src.(string)
			if !ok {
				e.logger.WarnContext(ctx, "ignoring non-string output mapping", "key", rootKey)
				continue
			}
			v, ok := output[srcKey]
			if !ok {
				e.logger.WarnContext(ctx, "output key missing from step result", "key", srcKey)
				continue
			}
			vctx.Extra[rootKey] = v
		}
	default:
		e.logger.WarnContext(ctx, "ignoring outputs declaration of unsupported type",
			"type", fmt.Sprintf("%T", step.Outputs))
	}
}

// handleFailure applies the step's on_error policy: retry while budget
// remains, then continue, jump, or halt.
func (e *Engine) handleFailure(ctx context.Context, step schema.Step, vctx *vars.Context,
	taskErr *schema.Error, maxRetries int) outcome {

	policy := step.OnError
	budget := retryBudget(policy, maxRetries)

	count, err := e.store.StepRetryCount(ctx, step.Name)
	if err != nil {
		return halt(err)
	}
	if count < budget {
		attempt, err := e.store.IncrementStepRetry(ctx, step.Name)
		if err != nil {
			return halt(err)
		}
		e.appendEvent(ctx, step.Name, schema.EventStepRetrying, map[string]any{
			"attempt": attempt, "budget": budget, "error": taskErr.Error(),
		})
		e.logger.WarnContext(ctx, "step failed, retrying",
			"attempt", attempt, "budget", budget, "error", taskErr.Error())
		if err := waitForRetry(ctx, retryDelay(policy)); err != nil {
			return halt(wrapTaskError(step.Name, err))
		}
		return retryStep()
	}

	// Retries exhausted. Expose the failure to templates before rendering
	// the custom message, so {{ error.step }} and friends resolve.
	rawMsg := taskErr.Error()
	vctx.Extra["error"] = map[string]any{
		"step":      step.Name,
		"error":     rawMsg,
		"raw_error": rawMsg,
	}

	msg := rawMsg
	if policy != nil && policy.Message != "" {
		if rendered, err := e.resolver.Render(policy.Message, vctx); err == nil {
			msg = fmt.Sprintf("%v", rendered)
		}
	}
	if errRecord, ok := vctx.Extra["error"].(map[string]any); ok {
		errRecord["error"] = msg
	}

	if policy != nil && policy.Action == schema.ErrorActionContinue {
		if err := e.store.MarkStepFailed(ctx, step.Name, msg); err != nil {
			return halt(err)
		}
		if err := e.store.ClearErrorFlowTarget(ctx); err != nil {
			return halt(err)
		}
		e.appendEvent(ctx, step.Name, schema.EventStepFailed, map[string]any{
			"error": msg, "action": schema.ErrorActionContinue,
		})
		e.logger.WarnContext(ctx, "step failed, continuing", "error", msg)
		return continueAfter(taskErr)
	}

	if policy != nil && policy.Next != "" {
		if err := e.store.SetErrorFlowTarget(ctx, policy.Next); err != nil {
			return halt(err)
		}
		e.appendEvent(ctx, step.Name, schema.EventErrorFlowJump, map[string]any{
			"error": msg, "next": policy.Next,
		})
		return jumpTo(policy.Next, taskErr)
	}

	if err := e.store.MarkStepFailed(ctx, step.Name, msg); err != nil {
		return halt(err)
	}
	e.appendEvent(ctx, step.Name, schema.EventStepFailed, map[string]any{"error": msg})
	e.logger.ErrorContext(ctx, "step failed, halting run", "error", msg)

	terminal := schema.NewErrorf(schema.ErrCodeTaskFailed, "workflow halted: %s", msg).
		WithStep(step.Name).WithCause(taskErr)
	return halt(terminal)
}

// haltWithFailure records a non-retriable failure and halts.
func (e *Engine) haltWithFailure(ctx context.Context, stepName string, cause *schema.Error) outcome {
	if err := e.store.MarkStepFailed(ctx, stepName, cause.Message); err != nil {
		return halt(err)
	}
	e.appendEvent(ctx, stepName, schema.EventStepFailed, map[string]any{"error": cause.Message})
	e.logger.ErrorContext(ctx, "step configuration invalid", "error", cause.Message)
	return halt(cause)
}

// bindParams builds the args namespace from parameter defaults overlaid
// with caller overrides, and enforces required/min_length constraints. A
// violation is recorded as a synthetic parameter_validation failed step.
func (e *Engine) bindParams(ctx context.Context, vctx *vars.Context, overrides map[string]any) error {
	for name, spec := range e.def.Params {
		if spec.Default != nil {
			vctx.Args[name] = spec.Default
		}
	}
	for name, value := range overrides {
		vctx.Args[name] = value
	}

	for name, spec := range e.def.Params {
		value, present := vctx.Args[name]
		if spec.Required && (!present || value == nil || value == "") {
			return e.paramViolation(ctx, fmt.Sprintf("required parameter %q is missing", name))
		}
		if spec.MinLength > 0 {
			s, ok := value.(string)
			if ok && len(s) < spec.MinLength {
				return e.paramViolation(ctx,
					fmt.Sprintf("parameter %q is shorter than min_length %d", name, spec.MinLength))
			}
		}
	}
	return nil
}

func (e *Engine) paramViolation(ctx context.Context, msg string) error {
	if err := e.store.MarkStepFailed(ctx, "parameter_validation", msg); err != nil {
		return err
	}
	e.logger.ErrorContext(ctx, "parameter validation failed", "error", msg)
	return schema.NewError(schema.ErrCodeValidation, msg).WithStep("parameter_validation")
}

// appendEvent records a run event; event log failures are fatal like any
// other state-store failure, but are surfaced lazily via the next store
// call, so here we only log.
func (e *Engine) appendEvent(ctx context.Context, step, eventType string, payload map[string]any) {
	err := e.store.AppendEvent(ctx, &state.Event{Step: step, Type: eventType, Payload: payload})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to append run event", "event", eventType, "error", err.Error())
	}
}

// wrapTaskError wraps any handler error into a uniform task failure
// carrying the step name, so policy handling treats all failures alike.
func wrapTaskError(step string, err error) *schema.Error {
	if se, ok := err.(*schema.Error); ok {
		if se.Step == "" {
			se.Step = step
		}
		return se
	}
	return schema.NewErrorf(schema.ErrCodeTaskFailed, "%v", err).WithStep(step).WithCause(err)
}
