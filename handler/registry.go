package handler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Deps is what every handler factory receives at construction time.
type Deps struct {
	WorkerID  string
	Publisher *Publisher
	Logger    *slog.Logger
}

// Factory builds one handler instance for its queue.
type Factory func(deps Deps) (Handler, error)

// Registry maps queue names to handler factories. Registration happens at
// startup; Create is called once per queue when the consumer framework
// boots.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a queue. Registering a queue twice is a
// programming error and fails loudly.
func (r *Registry) Register(queue string, f Factory) error {
	if queue == "" {
		return fmt.Errorf("handler registration needs a queue name")
	}
	if f == nil {
		return fmt.Errorf("handler registration for %s needs a factory", queue)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[queue]; exists {
		return fmt.Errorf("handler for queue %s already registered", queue)
	}
	r.factories[queue] = f
	return nil
}

// Has reports whether a queue has a registered handler.
func (r *Registry) Has(queue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[queue]
	return ok
}

// Queues lists all registered queues, sorted.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for q := range r.factories {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Create instantiates the handler for a queue.
func (r *Registry) Create(queue string, deps Deps) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[queue]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for queue %s", queue)
	}
	h, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("create handler for queue %s: %w", queue, err)
	}
	return h, nil
}
