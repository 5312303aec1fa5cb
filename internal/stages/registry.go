package stages

import (
	"fmt"
	"sort"
	"sync"

	"github.com/YourDaypilot/orchestration/internal/agents"
)

// Registry maps stage names to implementations.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]agents.StageFunc
}

// NewRegistry creates a new empty stage registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]agents.StageFunc)}
}

// Register adds a stage under name. Names are unique.
func (r *Registry) Register(name string, fn agents.StageFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("stage name and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[name]; ok {
		return fmt.Errorf("duplicate stage %s", name)
	}
	r.stages[name] = fn
	return nil
}

// Replace registers fn under name, overwriting any existing stage.
func (r *Registry) Replace(name string, fn agents.StageFunc) {
	r.mu.Lock()
	r.stages[name] = fn
	r.mu.Unlock()
}

// Get retrieves a stage by name.
func (r *Registry) Get(name string) (agents.StageFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.stages[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered stages.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stages)
}
