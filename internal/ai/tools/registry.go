package tools

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Registry maps tool names to client-side executors. Tools the registry does
// not know about are considered server-managed and are never executed locally.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(name string, exec Executor) error {
	if r == nil {
		return errors.New("nil tool registry")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if exec == nil {
		return errors.New("tool " + name + " missing executor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = exec
	return nil
}

func (r *Registry) Unregister(name string) {
	if r == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, name)
}

func (r *Registry) Resolve(name string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[name]
	return exec, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// Names returns the registered tool names sorted for stable diagnostics output.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for name := range r.executors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
