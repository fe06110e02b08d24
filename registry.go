package bufmem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry maps backend names to their allocators. Each backend is
// registered once and its allocator lives until the registry is closed.
//
// Tests build isolated registries with NewRegistry; applications usually
// go through Init, Default and Shutdown.
type Registry struct {
	mu         sync.RWMutex
	allocators map[string]*Allocator
	// order keeps registration order for Names and Close.
	order  []string
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{allocators: make(map[string]*Allocator)}
}

// Register validates backend and creates its allocator under name.
//
// A backend that cannot serve as a device operation table is rejected here
// with ErrConfiguration, never at call time. Registering a name twice
// returns ErrAlreadyRegistered.
func (r *Registry) Register(name string, backend Backend) (*Allocator, error) {
	a, err := NewAllocator(name, backend)
	if err != nil {
		Logger().Error("bufmem: backend rejected",
			slog.String("name", name),
			slog.String("error", err.Error()))
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, dup := r.allocators[name]; dup {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	r.allocators[name] = a
	r.order = append(r.order, name)

	Logger().Info("bufmem: backend registered",
		slog.String("name", name),
		slog.String("backend", backend.Name()))
	return a, nil
}

// Lookup returns the allocator registered under name.
func (r *Registry) Lookup(name string) (*Allocator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.allocators[name]
	return a, ok
}

// MustLookup returns the allocator registered under name or panics.
func (r *Registry) MustLookup(name string) *Allocator {
	a, ok := r.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("bufmem: no allocator registered as %q", name))
	}
	return a
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Close closes every allocator concurrently and empties the registry.
// Close is idempotent; the first allocator error is returned.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	allocs := make([]*Allocator, 0, len(r.order))
	for _, name := range r.order {
		allocs = append(allocs, r.allocators[name])
	}
	r.allocators = make(map[string]*Allocator)
	r.order = nil
	r.mu.Unlock()

	var g errgroup.Group
	for _, a := range allocs {
		g.Go(func() error {
			return a.Close(ctx)
		})
	}
	return g.Wait()
}

// Process-wide registry.
var (
	processMu sync.Mutex
	process   *Registry
)

// Init creates the process-wide registry. It returns ErrAlreadyInitialized
// if Init was called without a matching Shutdown.
func Init() (*Registry, error) {
	processMu.Lock()
	defer processMu.Unlock()
	if process != nil {
		return nil, ErrAlreadyInitialized
	}
	process = NewRegistry()
	return process, nil
}

// Default returns the process-wide registry, or nil before Init.
func Default() *Registry {
	processMu.Lock()
	defer processMu.Unlock()
	return process
}

// Shutdown closes the process-wide registry. Init may be called again
// afterwards. Shutdown without Init is a no-op.
func Shutdown(ctx context.Context) error {
	processMu.Lock()
	r := process
	process = nil
	processMu.Unlock()
	if r == nil {
		return nil
	}
	return r.Close(ctx)
}
