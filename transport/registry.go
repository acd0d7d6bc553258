package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps backend names to builders and capabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is the process-wide registry backends register into.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a backend under name, which matches the pubsub.system
// config value. Names are case-insensitive.
func (r *Registry) Register(name string, builder Builder, caps Capabilities) {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[key] = builder
	if caps.Name == "" {
		caps.Name = key
	}
	r.capabilities[key] = caps
}

// GetCapabilities returns the capabilities of name, or a zero value carrying
// only the name when it is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	key := strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[key]; ok {
		return caps
	}
	return Capabilities{Name: key}
}

// Build creates the backend selected by cfg.GetPubSubSystem().
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("config is required")
	}
	name := strings.ToLower(cfg.GetPubSubSystem())

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport %q (registered: %s)", name, strings.Join(r.Names(), ", "))
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	t, err := builder(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", name, err)
	}
	return t, nil
}

// Names lists registered backends in sorted order.
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

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[strings.ToLower(name)]
	return ok
}

// Register adds a backend to the default registry.
func Register(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.Register(name, builder, caps)
}

// Build creates a transport from the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
