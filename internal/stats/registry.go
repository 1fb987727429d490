package stats

import (
	"sort"
	"sync"
)

// Registry collects the statistics blocks of all live links so that
// diagnostics can enumerate them without knowing the link types.
type Registry struct {
	mu    sync.RWMutex
	links map[string]*Link
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{links: make(map[string]*Link)}
}

// Add registers a block under its link name, replacing any previous one.
func (r *Registry) Add(l *Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[l.Name()] = l
}

// Remove drops the block of link name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, name)
}

// Get returns the block of link name.
func (r *Registry) Get(name string) (*Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[name]
	return l, ok
}

// Snapshots returns a copy of every block, ordered by link name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Link < out[j].Link })
	return out
}
