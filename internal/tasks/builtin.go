package tasks

import (
	"context"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// BuiltinConfig carries per-task configuration for the built-in set.
type BuiltinConfig struct {
	Shell ShellConfig
	FS    FSConfig
}

// RegisterBuiltins registers all built-in tasks in the given registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	all := []Task{
		NewShellTask(cfg.Shell),
		NewExprTask(),
		NewJQTask(),
		MustAssertTask(),
		&echoTask{},
		&failTask{},
	}
	all = append(all, FSTasks(cfg.FS)...)

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- echo ---

// echoTask returns its inputs unchanged. Useful for wiring values through
// the context and in tests.
type echoTask struct{}

func (t *echoTask) Name() string { return "echo" }

func (t *echoTask) Description() string {
	return "Return the given value (or all inputs) unchanged"
}

func (t *echoTask) Execute(_ context.Context, in Input) (any, error) {
	if in.Params == nil {
		return map[string]any{}, nil
	}
	if v, ok := in.Params["value"]; ok && len(in.Params) == 1 {
		return v, nil
	}
	return in.Params, nil
}

// --- fail ---

// failTask always fails. Used to exercise error policies.
type failTask struct{}

func (t *failTask) Name() string { return "fail" }

func (t *failTask) Description() string {
	return "Fail unconditionally with the given message"
}

func (t *failTask) Execute(_ context.Context, in Input) (any, error) {
	msg := stringParam(in.Params, "message", "task failed")
	return nil, schema.NewError(schema.ErrCodeTaskFailed, msg).WithStep(in.Step)
}
