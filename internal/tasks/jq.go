package tasks

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// NewJQTask creates the jq task.
func NewJQTask() Task {
	return &jqTask{cache: make(map[string]*gojq.Code)}
}

// jqTask runs a jq query against explicit data or the whole run scope.
// Compiled *Code objects are cached and reused across goroutines.
type jqTask struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func (t *jqTask) Name() string { return "jq" }

func (t *jqTask) Description() string {
	return "Transform JSON data with a jq query"
}

func (t *jqTask) Execute(ctx context.Context, in Input) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}

	query := stringParam(params, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq: missing required input 'query'").WithStep(in.Step)
	}

	var data any
	if d, ok := params["data"]; ok {
		data = normalizeForJQ(d)
	} else {
		data = normalizeForJQ(any(in.Scope))
	}

	code, err := t.getOrCompile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeTaskFailed,
				"jq: evaluation failed for %q: %s", query, err.Error()).
				WithStep(in.Step).WithCause(err)
		}
		results = append(results, val)
	}

	// jq queries can produce multiple outputs; a single output is unwrapped.
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (t *jqTask) getOrCompile(query string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[query]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if code, ok := t.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq: parse error in %q: %s", query, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(parsed,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq: compile error in %q: %s", query, err.Error()).WithCause(err)
	}

	t.cache[query] = code
	return code, nil
}

// normalizeForJQ converts Go integer types to float64, matching jq's native
// number handling.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
