package tasks

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// NewExprTask creates the expr task.
func NewExprTask() Task {
	return &exprTask{cache: make(map[string]*vm.Program)}
}

// exprTask evaluates an Expr expression against the run scope, or against
// explicit data bound to the "data" variable. Compiled programs are cached.
type exprTask struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func (t *exprTask) Name() string { return "expr" }

func (t *exprTask) Description() string {
	return "Evaluate an Expr expression against the run variables or explicit data"
}

func (t *exprTask) Execute(_ context.Context, in Input) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}

	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr: missing required input 'expression'").WithStep(in.Step)
	}

	scope := make(map[string]any, len(in.Scope)+1)
	for k, v := range in.Scope {
		scope[k] = v
	}
	if data, ok := params["data"]; ok {
		scope["data"] = data
	}

	prg, err := t.getOrCompile(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr: compile error in %q: %s", expression, err.Error()).
			WithStep(in.Step).WithCause(err)
	}

	result, err := vm.Run(prg, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTaskFailed,
			"expr: evaluation failed for %q: %s", expression, err.Error()).
			WithStep(in.Step).WithCause(err)
	}

	return result, nil
}

func (t *exprTask) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	t.cache[expression] = prg
	return prg, nil
}
