package backends

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/upb/upgrade-pipeline/internal/observability"
	"github.com/upb/upgrade-pipeline/services"
)

var (
	// ErrBackendNotFound is returned when a backend is not registered
	ErrBackendNotFound = errors.New("backend not found")

	// ErrBackendAlreadyRegistered is returned when trying to register a duplicate backend
	ErrBackendAlreadyRegistered = errors.New("backend already registered")
)

// Registry manages backend instances and dispatches tasks to them
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	metrics  *observability.Metrics
}

// NewRegistry creates a new backend registry
func NewRegistry(metrics *observability.Metrics) *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		metrics:  metrics,
	}
}

// Register registers a backend instance
func (r *Registry) Register(backend Backend) error {
	if backend == nil {
		return errors.New("backend cannot be nil")
	}

	name := backend.Name()
	if name == "" {
		return errors.New("backend name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return ErrBackendAlreadyRegistered
	}
	r.backends[name] = backend
	return nil
}

// Unregister removes a backend from the registry
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; !exists {
		return ErrBackendNotFound
	}
	delete(r.backends, name)
	return nil
}

// Get retrieves a backend by name
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	backend, exists := r.backends[name]
	if !exists {
		return nil, ErrBackendNotFound
	}
	return backend, nil
}

// List returns all registered backend names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered backends
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.backends)
}

// Dispatch submits a task to the named backend and waits for its result.
// It never retries.
func (r *Registry) Dispatch(ctx context.Context, task *ImplementationTask, backendID string) (*BackendResult, error) {
	backend, err := r.Get(backendID)
	if err != nil {
		r.metrics.ObserveDispatch(backendID, false)
		return nil, services.NewDomainError(services.ErrorTypeBackendUnavailable, "backend is not registered", err).
			WithDetail(services.DetailBackend, backendID)
	}

	handle, err := backend.SubmitTask(ctx, task)
	if err != nil {
		r.metrics.ObserveDispatch(backendID, false)
		return nil, services.NewDomainError(services.ErrorTypeBackendUnavailable, "failed to submit task", err).
			WithDetail(services.DetailBackend, backendID)
	}

	result, err := backend.AwaitResult(ctx, handle)
	if err != nil {
		r.metrics.ObserveDispatch(backendID, false)
		return nil, services.NewDomainError(services.ErrorTypeBackendExecution, "failed to await task result", err).
			WithDetail(services.DetailBackend, backendID)
	}
	if result == nil || !result.Success {
		r.metrics.ObserveDispatch(backendID, false)
		msg := "backend reported failure"
		if result != nil && result.Message != "" {
			msg = result.Message
		}
		return result, services.NewDomainError(services.ErrorTypeBackendExecution, msg, nil).
			WithDetail(services.DetailBackend, backendID)
	}

	r.metrics.ObserveDispatch(backendID, true)
	return result, nil
}
