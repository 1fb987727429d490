package algorithm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/smazurov/visionlink/internal/system"
)

// Plugin is the processing callback of an algorithm link. All methods are
// called on the link task goroutine.
type Plugin interface {
	// Name returns the name the plugin is registered under.
	Name() string

	// Create validates the input format and returns the output format.
	Create(in system.LinkInfo) (system.LinkInfo, error)

	// Process transforms one input buffer into out. Metadata of in has
	// already been copied to out.
	Process(in, out *system.Buffer) error

	// Delete releases what Create allocated.
	Delete() error
}

// PayloadSizer is implemented by plugins with a fixed output size.
type PayloadSizer interface {
	OutputPayloadSize() int
}

// Factory creates a plugin instance for one link.
type Factory func() Plugin

// PluginRegistry holds the plugins links can be configured with.
type PluginRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewPluginRegistry creates an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{factories: make(map[string]Factory)}
}

// DefaultPlugins returns a registry with the built-in plugins.
func DefaultPlugins() *PluginRegistry {
	r := NewPluginRegistry()
	r.Register(PluginCopy, func() Plugin { return &copyPlugin{} })
	r.Register(PluginCRC, func() Plugin { return &crcPlugin{} })
	return r
}

// Register adds a plugin factory. A later registration replaces an earlier one.
func (r *PluginRegistry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New creates an instance of plugin name.
func (r *PluginRegistry) New(name string) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q: %w", name, system.ErrInvalidParams)
	}
	return f(), nil
}

// Names returns the registered plugin names, sorted.
func (r *PluginRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
