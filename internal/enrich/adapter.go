// Package enrich fans a contact record out to the configured enrichment
// tasks, each protected by a per-provider circuit breaker.
package enrich

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/lead-enrich/internal/model"
)

// Result is a provider adapter's answer for one record. Expected failures
// (no match, missing credentials) are Success=false results, not errors.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Adapter calls one external data provider.
type Adapter interface {
	// Name returns the provider identifier used for circuit breaking and
	// rate limiting.
	Name() string
	// Enrich looks the record up at the provider.
	Enrich(ctx context.Context, rec *model.Record) (*Result, error)
}

// ProviderRegistry resolves the adapter for a task type.
type ProviderRegistry interface {
	Adapter(task model.TaskType) (Adapter, bool)
}

// Registry is a ProviderRegistry safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.TaskType]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[model.TaskType]Adapter),
	}
}

// Register sets the adapter for a task type, replacing any previous one.
func (r *Registry) Register(task model.TaskType, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[task] = a
}

// Adapter returns the adapter registered for task.
func (r *Registry) Adapter(task model.TaskType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[task]
	return a, ok
}

// List returns the task types that have an adapter, sorted.
func (r *Registry) List() []model.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]model.TaskType, 0, len(r.adapters))
	for t := range r.adapters {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i] < tasks[j] })
	return tasks
}
