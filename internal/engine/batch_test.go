package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orieg/yaml-workflow-sub000/internal/tasks"
)

// doubleTask doubles the batch item bound into args.
type doubleTask struct{}

func (doubleTask) Name() string        { return "double" }
func (doubleTask) Description() string { return "double the bound item" }
func (doubleTask) Execute(_ context.Context, in tasks.Input) (any, error) {
	args := in.Scope["args"].(map[string]any)
	n := args["item"].(int)
	return n * 2, nil
}

// divTask computes 10/item, failing on zero.
type divTask struct{}

func (divTask) Name() string        { return "div" }
func (divTask) Description() string { return "divide ten by the bound item" }
func (divTask) Execute(_ context.Context, in tasks.Input) (any, error) {
	args := in.Scope["args"].(map[string]any)
	n := args["item"].(int)
	if n == 0 {
		return nil, fmt.Errorf("division by zero")
	}
	return 10 / n, nil
}

// panicTask blows up on the item "bad".
type panicTask struct{}

func (panicTask) Name() string        { return "panicky" }
func (panicTask) Description() string { return "panic on the bad item" }
func (panicTask) Execute(_ context.Context, in tasks.Input) (any, error) {
	args := in.Scope["args"].(map[string]any)
	if args["item"] == "bad" {
		panic("unhandled item")
	}
	return args["item"], nil
}

func batchRegistry(t *testing.T) *tasks.Registry {
	t.Helper()
	reg := tasks.NewRegistry()
	require.NoError(t, reg.Register(doubleTask{}))
	require.NoError(t, reg.Register(divTask{}))
	require.NoError(t, reg.Register(panicTask{}))
	require.NoError(t, tasks.RegisterBuiltins(reg, tasks.BuiltinConfig{}))
	return reg
}

func runBatch(t *testing.T, reg *tasks.Registry, params map[string]any) map[string]any {
	t.Helper()
	batch := NewBatchTask(reg, BatchOptions{})
	out, err := batch.Execute(context.Background(), tasks.Input{
		Step:   "fanout",
		Params: params,
		Scope:  map[string]any{"args": map[string]any{}},
	})
	require.NoError(t, err)
	result, ok := out.(map[string]any)
	require.True(t, ok)
	return result
}

func TestBatch_ResultsKeepSubmissionOrder(t *testing.T) {
	reg := batchRegistry(t)
	result := runBatch(t, reg, map[string]any{
		"items":       []any{1, 2, 3},
		"task":        "double",
		"chunk_size":  2,
		"max_workers": 2,
	})

	assert.Equal(t, []any{2, 4, 6}, result["results"])
	assert.Equal(t, []any{1, 2, 3}, result["processed"])
	stats := result["stats"].(map[string]any)
	assert.Equal(t, 100.0, stats["success_rate"])
	assert.Equal(t, 3, stats["total"])
}

func TestBatch_OrderStableUnderManyWorkers(t *testing.T) {
	reg := batchRegistry(t)

	items := make([]any, 50)
	want := make([]any, 50)
	for i := range items {
		items[i] = i
		want[i] = i * 2
	}

	result := runBatch(t, reg, map[string]any{
		"items":       items,
		"task":        "double",
		"chunk_size":  7,
		"max_workers": 8,
	})
	assert.Equal(t, want, result["results"])
}

func TestBatch_PartialFailure(t *testing.T) {
	reg := batchRegistry(t)
	result := runBatch(t, reg, map[string]any{
		"items": []any{2, 0, 1},
		"task":  "div",
	})

	assert.Equal(t, []any{2, 1}, result["processed"])
	assert.Equal(t, []any{5, 10}, result["results"])

	failed := result["failed"].([]any)
	require.Len(t, failed, 1)
	failure := failed[0].(map[string]any)
	assert.Equal(t, 0, failure["item"])
	assert.Contains(t, failure["error"], "division by zero")

	stats := result["stats"].(map[string]any)
	assert.InDelta(t, 66.67, stats["success_rate"].(float64), 0.01)
	assert.Equal(t, 1, stats["failed"])
}

func TestBatch_PanickingItemIsAFailedItem(t *testing.T) {
	reg := batchRegistry(t)
	result := runBatch(t, reg, map[string]any{
		"items": []any{"ok", "bad", "fine"},
		"task":  "panicky",
	})

	// The panic is contained to its item: siblings finish and every item is
	// accounted for.
	assert.Equal(t, []any{"ok", "fine"}, result["processed"])

	failed := result["failed"].([]any)
	require.Len(t, failed, 1)
	failure := failed[0].(map[string]any)
	assert.Equal(t, "bad", failure["item"])
	assert.Contains(t, failure["error"], "panicked")

	stats := result["stats"].(map[string]any)
	assert.Equal(t, 3, stats["total"])
	assert.Equal(t, 1, stats["failed"])
}

func TestBatch_EmptyItemsIsZeroStatsSuccess(t *testing.T) {
	reg := batchRegistry(t)
	result := runBatch(t, reg, map[string]any{
		"items": []any{},
		"task":  "double",
	})

	assert.Empty(t, result["results"])
	assert.Empty(t, result["failed"])
	stats := result["stats"].(map[string]any)
	assert.Equal(t, 0, stats["total"])
	assert.Equal(t, 0.0, stats["success_rate"])
}

func TestBatch_UnknownSubtaskAborts(t *testing.T) {
	reg := batchRegistry(t)
	batch := NewBatchTask(reg, BatchOptions{})

	_, err := batch.Execute(context.Background(), tasks.Input{
		Step:   "fanout",
		Params: map[string]any{"items": []any{1}, "task": "ghost"},
		Scope:  map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestBatch_InvalidChunkSizeAborts(t *testing.T) {
	reg := batchRegistry(t)
	batch := NewBatchTask(reg, BatchOptions{})

	_, err := batch.Execute(context.Background(), tasks.Input{
		Step:   "fanout",
		Params: map[string]any{"items": []any{1}, "task": "double", "chunk_size": -1},
		Scope:  map[string]any{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestBatch_PerItemInputTemplates(t *testing.T) {
	reg := batchRegistry(t)
	result := runBatch(t, reg, map[string]any{
		"items": []any{10, 20},
		"task":  "echo",
		"inputs": map[string]any{
			"value": "{{ batch.index }}:{{ batch.item }}",
		},
	})

	assert.Equal(t, []any{"0:10", "1:20"}, result["results"])
}

func TestBatch_ItemArgBinding(t *testing.T) {
	reg := batchRegistry(t)
	result := runBatch(t, reg, map[string]any{
		"items":    []any{"x"},
		"task":     "echo",
		"item_arg": "payload",
		"inputs": map[string]any{
			"value": "{{ args.payload }}",
		},
	})

	assert.Equal(t, []any{"x"}, result["results"])
}
