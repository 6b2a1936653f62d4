package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// NewAssertTask creates the assert task. The CEL environment exposes the
// run namespaces (args, env, steps, batch) plus an optional data variable.
func NewAssertTask() (Task, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("args", mapType),
		cel.Variable("env", mapType),
		cel.Variable("steps", mapType),
		cel.Variable("batch", mapType),
		cel.Variable("data", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &assertTask{env: env, cache: make(map[string]cel.Program)}, nil
}

// MustAssertTask is NewAssertTask but panics on environment setup failure.
// The environment is static, so failure is a programming error.
func MustAssertTask() Task {
	t, err := NewAssertTask()
	if err != nil {
		panic(err)
	}
	return t
}

type assertTask struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func (t *assertTask) Name() string { return "assert" }

func (t *assertTask) Description() string {
	return "Fail the step unless a CEL guard expression evaluates to true"
}

func (t *assertTask) Execute(_ context.Context, in Input) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}

	expression := stringParam(params, "that", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert: missing required input 'that'").WithStep(in.Step)
	}

	prg, err := t.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	activation := t.buildActivation(in.Scope, params["data"])

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed,
			"assert: evaluation failed for %q: %s", expression, err.Error()).
			WithStep(in.Step).WithCause(err)
	}

	pass, ok := out.Value().(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert: expression %q must evaluate to bool, got %T", expression, out.Value()).
			WithStep(in.Step)
	}

	if !pass {
		msg := stringParam(params, "message", "")
		if msg == "" {
			msg = fmt.Sprintf("assertion failed: %s", expression)
		}
		return nil, schema.NewError(schema.ErrCodeTaskFailed, msg).
			WithStep(in.Step).
			WithDetails(map[string]any{"expression": expression})
	}

	return map[string]any{"pass": true}, nil
}

func (t *assertTask) getOrCompile(expression string) (cel.Program, error) {
	t.mu.RLock()
	if prg, ok := t.cache[expression]; ok {
		t.mu.RUnlock()
		return prg, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if prg, ok := t.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := t.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert: compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}

	prg, err := t.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert: program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}

	t.cache[expression] = prg
	return prg, nil
}

// buildActivation defaults missing namespaces to empty maps so CEL never
// hits a nil reference at runtime.
func (t *assertTask) buildActivation(scope map[string]any, data any) map[string]any {
	activation := make(map[string]any, 5)
	for _, key := range []string{"args", "env", "steps", "batch"} {
		if v, ok := scope[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	if data != nil {
		activation["data"] = data
	} else {
		activation["data"] = map[string]any{}
	}
	return activation
}
