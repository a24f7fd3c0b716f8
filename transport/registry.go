package transport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/drblury/msgbridge/internal/runtime/errors"
)

// Registry maintains a mapping of backend names to their builders and capabilities.
// There is no process-wide registry: build one, register the backends you need
// and pass it where clients are built.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a builder to the registry.
// The name should match the Backend config value (e.g., "kafka", "nats").
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// RegisterWithCapabilities adds a builder and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// GetCapabilities returns the capabilities for a registered backend.
// Returns a zero Capabilities struct if the backend is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Build creates a client using the builder registered for the config's backend.
func (r *Registry) Build(ctx context.Context, cfg Config, deps Deps) (Client, error) {
	if cfg == nil {
		return nil, errors.Wrap(errors.BadRequest, "transport.build", errors.ErrConfigRequired)
	}

	name := strings.ToLower(cfg.GetBackend())

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.Wrap(errors.NotFound, "transport.build",
			fmt.Errorf("unknown backend: %q (registered: %v)", name, r.Names()))
	}

	return builder(ctx, cfg, deps.WithDefaults())
}

// Names returns the sorted list of registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a backend is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}
