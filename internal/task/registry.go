package task

import (
	"fmt"
	"sync"
)

// Registry resolves a task's ImplementingClass string to a concrete Task
// capability, the way a production deployment resolves "deploy.bake" or
// "webhook" to its Java/Go class. Unknown classes are the engine's
// InvalidTaskType condition.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register binds class to t. Re-registering a class overwrites the prior
// binding, which tests use to stub out a class mid-run.
func (r *Registry) Register(class string, t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[class] = t
}

// Resolve returns the Task bound to class, or an error if none is
// registered.
func (r *Registry) Resolve(class string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[class]
	if !ok {
		return nil, fmt.Errorf("unknown task class %q", class)
	}
	return t, nil
}
