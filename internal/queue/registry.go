package queue

import (
	"fmt"
	"sync"
)

// Registration binds a task type to its handler and, optionally, to a
// constructor for the concrete payload type carried in Message.Data. The
// dispatcher uses the same registry for handler lookup and payload decoding.
type Registration struct {
	Handler HandlerFunc

	// NewPayload, when non-nil, returns a fresh value the dispatcher decodes
	// Message.Data into before invoking the handler.
	NewPayload func() any
}

// Registry maps task types to their registrations. It is constructed
// explicitly at startup and passed to the dispatcher by reference;
// registration conflicts are a startup-time configuration error, not a
// runtime condition.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Registration),
	}
}

// Register binds a handler to a task type.
// Returns an error if the type is already registered.
func (r *Registry) Register(taskType string, reg Registration) error {
	if taskType == "" {
		return fmt.Errorf("task type cannot be empty")
	}
	if reg.Handler == nil {
		return fmt.Errorf("handler for type %q cannot be nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler for type %q is already registered", taskType)
	}
	r.handlers[taskType] = reg
	return nil
}

// Lookup returns the registration for the given task type.
func (r *Registry) Lookup(taskType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[taskType]
	return reg, ok
}

// Types returns the registered task types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
