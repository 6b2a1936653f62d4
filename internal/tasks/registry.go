package tasks

import (
	"sort"
	"sync"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// TaskInfo is a summary of a registered task for listing.
type TaskInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe task registry. Engines receive a Registry
// explicitly; there is no process-global instance.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]Task),
	}
}

// Register adds a task to the registry. Returns error on duplicate name.
func (r *Registry) Register(task Task) error {
	if task == nil {
		return schema.NewError(schema.ErrCodeValidation, "task is nil")
	}
	name := task.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "task name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already registered", name)
	}

	r.tasks[name] = task
	return nil
}

// Get retrieves a task by name.
func (r *Registry) Get(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %q not registered", name)
	}
	return task, nil
}

// Has checks if a task is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// List returns info for all registered tasks, sorted by name.
func (r *Registry) List() []TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		infos = append(infos, TaskInfo{
			Name:        t.Name(),
			Description: t.Description(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Count returns the number of registered tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
