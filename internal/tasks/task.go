// Package tasks defines the executable task units a workflow step dispatches
// to, and the registry the engine looks them up in.
package tasks

import (
	"context"
)

// Input is the data handed to a task at execution time. Params are the
// step's inputs with all templates already rendered. Scope is the flat
// variable scope of the run (args, env, steps, batch), read-only from the
// task's point of view. Workspace is the run directory; tasks that touch
// the filesystem resolve relative paths against it.
type Input struct {
	Step      string
	Params    map[string]any
	Scope     map[string]any
	Workspace string
}

// Task is a named unit of work. Execute returns the task's raw result,
// which the engine normalizes into the step output mapping. A non-nil
// error marks the step failed and triggers its error policy.
type Task interface {
	Name() string
	Description() string
	Execute(ctx context.Context, in Input) (any, error)
}

// --- Param helpers ---

func stringParam(m map[string]any, key, def string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func boolParam(m map[string]any, key string, def bool) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func intParam(m map[string]any, key string, def int) int {
	if v, ok := m[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func stringMapParam(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}
