package engine

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/orieg/yaml-workflow-sub000/internal/tasks"
	"github.com/orieg/yaml-workflow-sub000/internal/template"
	"github.com/orieg/yaml-workflow-sub000/internal/vars"
	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

const defaultChunkSize = 10

// BatchOptions configures the batch task.
type BatchOptions struct {
	// ChunkSize is the default number of items per chunk.
	ChunkSize int
}

// NewBatchTask creates the batch fan-out task. It dispatches a registered
// subtask once per item through a bounded worker pool, one pool per chunk.
// Per-chunk pools mean max_workers bounds concurrency within a chunk, not
// across the whole batch; draining the pool between chunks is what keeps
// cross-chunk side effects in chunk order.
func NewBatchTask(registry *tasks.Registry, opts BatchOptions) tasks.Task {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	return &batchTask{
		registry: registry,
		resolver: template.NewResolver(),
		opts:     opts,
	}
}

type batchTask struct {
	registry *tasks.Registry
	resolver *template.Resolver
	opts     BatchOptions
}

func (t *batchTask) Name() string { return "batch" }

func (t *batchTask) Description() string {
	return "Run a registered subtask once per item with bounded parallelism"
}

// RawInputKeys marks the subtask inputs as not-to-be-rendered by the engine:
// their templates reference batch.* and are resolved here, per item.
func (t *batchTask) RawInputKeys() []string { return []string{"inputs"} }

// itemResult is one item's outcome tagged with its original global index so
// results can be reassembled in submission order.
type itemResult struct {
	index  int
	item   any
	result any
	err    error
}

func (t *batchTask) Execute(ctx context.Context, in tasks.Input) (any, error) {
	params := in.Params
	if params == nil {
		params = map[string]any{}
	}

	rawItems, ok := params["items"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "batch: missing required input 'items'").WithStep(in.Step)
	}
	items, ok := rawItems.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "batch: 'items' must be a list, got %T", rawItems).WithStep(in.Step)
	}

	subtaskName, _ := params["task"].(string)
	if subtaskName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "batch: missing required input 'task'").WithStep(in.Step)
	}
	subtask, err := t.registry.Get(subtaskName)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "batch: %v", err).WithStep(in.Step).WithCause(err)
	}

	chunkSize := paramInt(params, "chunk_size", t.opts.ChunkSize)
	if chunkSize <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "batch: 'chunk_size' must be positive").WithStep(in.Step)
	}
	maxWorkers := paramInt(params, "max_workers", min(chunkSize, runtime.NumCPU()))
	if maxWorkers <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "batch: 'max_workers' must be positive").WithStep(in.Step)
	}
	itemArg := "item"
	if v, ok := params["item_arg"].(string); ok && v != "" {
		itemArg = v
	}
	rawInputs := params["inputs"]

	start := time.Now().UTC()

	// Empty item lists are a zero-stats success, not an error.
	if len(items) == 0 {
		return batchResult(nil, 0, start, time.Now().UTC()), nil
	}

	base := vars.FromSnapshot(in.Scope)
	total := len(items)

	results := make([]itemResult, 0, total)
	var mu sync.Mutex

	for chunkIdx := 0; chunkIdx*chunkSize < total; chunkIdx++ {
		chunkStart := chunkIdx * chunkSize
		chunkEnd := chunkStart + chunkSize
		if chunkEnd > total {
			chunkEnd = total
		}
		chunk := items[chunkStart:chunkEnd]

		pool := NewWorkerPool(maxWorkers)
		for i, item := range chunk {
			globalIdx := chunkStart + i
			item := item
			chunkIdx := chunkIdx

			err := pool.Submit(ctx, func(ctx context.Context) {
				res := t.runItem(ctx, in, subtask, rawInputs, base, itemArg, item, vars.BatchScope{
					Item:       item,
					Index:      globalIdx,
					Total:      total,
					ChunkIndex: chunkIdx,
					ChunkSize:  chunkSize,
				})
				res.index = globalIdx
				res.item = item

				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			})
			if err != nil {
				// Submission fails only on cancellation.
				mu.Lock()
				results = append(results, itemResult{index: globalIdx, item: item, err: err})
				mu.Unlock()
			}
		}
		pool.Wait()
	}

	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })
	return batchResult(results, total, start, time.Now().UTC()), nil
}

// runItem executes the subtask for one item against an isolated sub-context.
// A handler error, or a panic, is captured into the result and never
// propagated to siblings.
func (t *batchTask) runItem(ctx context.Context, in tasks.Input, subtask tasks.Task,
	rawInputs any, base *vars.Context, itemArg string, item any, scope vars.BatchScope) (res itemResult) {

	defer func() {
		if r := recover(); r != nil {
			res = itemResult{err: schema.NewErrorf(schema.ErrCodeTaskFailed,
				"batch: item handler panicked: %v", r)}
		}
	}()

	sub := base.ForBatchItem(itemArg, item, scope)

	var subParams map[string]any
	if rawInputs != nil {
		rendered, err := t.resolver.RenderDeep(rawInputs, sub)
		if err != nil {
			return itemResult{err: err}
		}
		m, ok := rendered.(map[string]any)
		if !ok {
			return itemResult{err: schema.NewErrorf(schema.ErrCodeValidation,
				"batch: subtask inputs must be a mapping, got %T", rendered)}
		}
		subParams = m
	}

	out, err := subtask.Execute(ctx, tasks.Input{
		Step:      in.Step,
		Params:    subParams,
		Scope:     sub.Snapshot(),
		Workspace: in.Workspace,
	})
	if err != nil {
		return itemResult{err: err}
	}
	return itemResult{result: out}
}

// batchResult assembles the ordered processed/results/failed lists and stats.
func batchResult(results []itemResult, total int, start, end time.Time) map[string]any {
	processed := make([]any, 0, len(results))
	values := make([]any, 0, len(results))
	failed := make([]any, 0)

	for _, r := range results {
		if r.err != nil {
			failed = append(failed, map[string]any{
				"item":  r.item,
				"index": r.index,
				"error": r.err.Error(),
			})
			continue
		}
		processed = append(processed, r.item)
		values = append(values, vars.Unwrap(vars.Normalize(r.result)))
	}

	successRate := 0.0
	if total > 0 {
		successRate = float64(len(processed)) / float64(total) * 100
	}

	return map[string]any{
		"processed": processed,
		"results":   values,
		"failed":    failed,
		"stats": map[string]any{
			"total":        total,
			"processed":    len(processed),
			"failed":       len(failed),
			"start_time":   start.Format(time.RFC3339Nano),
			"end_time":     end.Format(time.RFC3339Nano),
			"success_rate": successRate,
		},
	}
}

func paramInt(m map[string]any, key string, def int) int {
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
