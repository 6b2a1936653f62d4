// Package vars holds the namespaced variable context a workflow run
// executes against.
package vars

import (
	"os"
	"strings"
)

// Namespace names exposed to templates and expressions.
const (
	NamespaceArgs  = "args"
	NamespaceEnv   = "env"
	NamespaceSteps = "steps"
	NamespaceBatch = "batch"
)

// BatchScope holds the per-item variables present only while a batch
// sub-task executes.
type BatchScope struct {
	Item       any `json:"item"`
	Index      int `json:"index"`
	Total      int `json:"total"`
	ChunkIndex int `json:"chunk_index"`
	ChunkSize  int `json:"chunk_size"`
}

// Context is the shared variable store for a run. Namespaces are explicit
// struct fields; ad-hoc root-level keys (output mappings, the transient
// "error" record) live in Extra so they cannot collide with a namespace.
//
// The engine mutates a Context only between steps; batch workers receive
// isolated copies via ForBatchItem.
type Context struct {
	Args  map[string]any
	Env   map[string]any
	Steps map[string]any
	Extra map[string]any
	Batch *BatchScope
}

// New creates an empty Context.
func New() *Context {
	return &Context{
		Args:  make(map[string]any),
		Env:   make(map[string]any),
		Steps: make(map[string]any),
		Extra: make(map[string]any),
	}
}

// NewWithEnv creates a Context whose env namespace snapshots the process
// environment at construction time.
func NewWithEnv() *Context {
	c := New()
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			c.Env[k] = v
		}
	}
	return c
}

// FromSnapshot rebuilds a Context from a flat evaluation scope, the inverse
// of Snapshot minus the batch namespace. Used by tasks that need to spawn
// per-item sub-contexts from the scope they were handed.
func FromSnapshot(scope map[string]any) *Context {
	c := New()
	for k, v := range scope {
		switch k {
		case NamespaceArgs, NamespaceEnv, NamespaceSteps:
			if m, ok := v.(map[string]any); ok {
				switch k {
				case NamespaceArgs:
					c.Args = m
				case NamespaceEnv:
					c.Env = m
				case NamespaceSteps:
					c.Steps = m
				}
			}
		case NamespaceBatch:
			// Dropped: a sub-context gets its own batch scope.
		default:
			c.Extra[k] = v
		}
	}
	return c
}

// Snapshot returns the flat evaluation scope: namespaces as top-level keys
// and extras at root. Extra keys never shadow a namespace.
func (c *Context) Snapshot() map[string]any {
	scope := make(map[string]any, len(c.Extra)+4)
	for k, v := range c.Extra {
		scope[k] = v
	}
	scope[NamespaceArgs] = c.Args
	scope[NamespaceEnv] = c.Env
	scope[NamespaceSteps] = c.Steps
	if c.Batch != nil {
		scope[NamespaceBatch] = map[string]any{
			"item":        c.Batch.Item,
			"index":       c.Batch.Index,
			"total":       c.Batch.Total,
			"chunk_index": c.Batch.ChunkIndex,
			"chunk_size":  c.Batch.ChunkSize,
		}
	}
	return scope
}

// SetStepOutput records a step's normalized output under the steps namespace.
func (c *Context) SetStepOutput(name string, output map[string]any) {
	c.Steps[name] = output
}

// ForBatchItem returns an isolated copy of the context for one batch item:
// namespace maps are re-created (deep-copied) so concurrent workers never
// share mutable state, args gains argName -> item, and the batch scope is set.
func (c *Context) ForBatchItem(argName string, item any, scope BatchScope) *Context {
	child := &Context{
		Args:  deepCopyMap(c.Args),
		Env:   deepCopyMap(c.Env),
		Steps: deepCopyMap(c.Steps),
		Extra: deepCopyMap(c.Extra),
		Batch: &scope,
	}
	if argName != "" {
		child.Args[argName] = deepCopyAny(item)
	}
	return child
}

// Normalize wraps a task result into the mapping shape stored under steps.
// Bare values become {"result": value}; nil becomes an empty mapping.
func Normalize(v any) map[string]any {
	switch out := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return out
	default:
		return map[string]any{"result": v}
	}
}

// Unwrap reverses Normalize for single-value results: a mapping whose sole
// key is "result" yields the inner value, anything else is returned as is.
func Unwrap(m map[string]any) any {
	if len(m) == 1 {
		if v, ok := m["result"]; ok {
			return v
		}
	}
	return m
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
