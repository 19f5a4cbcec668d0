package executor

import (
	"fmt"
	"sync"
)

// Registry maps task types to their executors. A fallback executor,
// when set, handles types with no dedicated registration; without one,
// unknown types fail permanently.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]Executor
	fallback Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Executor)}
}

// Register binds an executor to a task type. Registering the same type
// twice is a programming error.
func (r *Registry) Register(taskType string, ex Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byType[taskType]; exists {
		return fmt.Errorf("executor for %q already registered", taskType)
	}
	r.byType[taskType] = ex
	return nil
}

// SetFallback installs the executor used for types with no dedicated
// registration.
func (r *Registry) SetFallback(ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ex
}

// Lookup resolves the executor for a task type.
func (r *Registry) Lookup(taskType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ex, ok := r.byType[taskType]; ok {
		return ex, true
	}
	if r.fallback != nil {
		return r.fallback, true
	}
	return nil, false
}

// Types returns the registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	return types
}
