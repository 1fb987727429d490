package system

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Entry is a registered link as seen by diagnostics.
type Entry struct {
	ID   LinkID
	Name string
	Type string
}

type registration struct {
	Entry
	link Link
	sink CommandSink
}

// Registry is the process-wide table of links. It is created at startup,
// passed explicitly to everything that needs to reach a neighbor, and closed
// at shutdown.
type Registry struct {
	mu       sync.RWMutex
	byID     map[LinkID]*registration
	byName   map[string]LinkID
	notifier *Notifier
	logger   *slog.Logger
}

// NewRegistry creates an empty registry with its own notifier.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:     make(map[LinkID]*registration),
		byName:   make(map[string]LinkID),
		notifier: NewNotifier(),
		logger:   logger,
	}
}

// Register adds a link. link may be nil for pure consumers that expose no
// output queues.
func (r *Registry) Register(e Entry, link Link, sink CommandSink) error {
	if e.ID == InvalidLinkID || e.Name == "" || sink == nil {
		return fmt.Errorf("register %q (%s): %w", e.Name, e.ID, ErrInvalidParams)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[e.ID]; exists {
		return fmt.Errorf("link id %s: %w", e.ID, ErrAlreadyRegistered)
	}
	if _, exists := r.byName[e.Name]; exists {
		return fmt.Errorf("link name %q: %w", e.Name, ErrAlreadyRegistered)
	}

	r.byID[e.ID] = &registration{Entry: e, link: link, sink: sink}
	r.byName[e.Name] = e.ID
	r.logger.Debug("Link registered", "link", e.Name, "link_id", e.ID.String(), "type", e.Type)
	return nil
}

// Unregister removes a link and its doorbell.
func (r *Registry) Unregister(id LinkID) {
	r.mu.Lock()
	reg, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byName, reg.Name)
	}
	r.mu.Unlock()

	r.notifier.Unregister(id)
	if ok {
		r.logger.Debug("Link unregistered", "link", reg.Name, "link_id", id.String())
	}
}

func (r *Registry) get(id LinkID) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("link %s: %w", id, ErrLinkNotFound)
	}
	return reg, nil
}

// Lookup returns the producer side of a link.
func (r *Registry) Lookup(id LinkID) (Link, error) {
	reg, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if reg.link == nil {
		return nil, fmt.Errorf("link %s has no output queues: %w", reg.Name, ErrQueueNotFound)
	}
	return reg.link, nil
}

// LookupName resolves a link name to its id.
func (r *Registry) LookupName(name string) (LinkID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Name returns the registered name of id, or its numeric form.
func (r *Registry) Name(id LinkID) string {
	if reg, err := r.get(id); err == nil {
		return reg.Name
	}
	return id.String()
}

// Links returns all registered links ordered by id.
func (r *Registry) Links() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.byID))
	for _, reg := range r.byID {
		out = append(out, reg.Entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetFullBuffers pulls ready buffers from queue queueID of link prev.
func (r *Registry) GetFullBuffers(prev LinkID, queueID uint16) BufferList {
	link, err := r.Lookup(prev)
	if err != nil {
		r.logger.Warn("Pull from unknown link", "link_id", prev.String(), "error", err)
		return nil
	}
	return link.GetFullBuffers(queueID)
}

// PutEmptyBuffers returns buffers to queue queueID of link prev.
func (r *Registry) PutEmptyBuffers(prev LinkID, queueID uint16, list BufferList) error {
	if len(list) == 0 {
		return nil
	}
	link, err := r.Lookup(prev)
	if err != nil {
		return err
	}
	return link.PutEmptyBuffers(queueID, list)
}

// GetLinkInfo returns the published format of link id.
func (r *Registry) GetLinkInfo(id LinkID) (LinkInfo, error) {
	link, err := r.Lookup(id)
	if err != nil {
		return LinkInfo{}, err
	}
	return link.LinkInfo()
}

// SendCommand posts cmd to link id without waiting.
func (r *Registry) SendCommand(id LinkID, cmd Cmd) error {
	reg, err := r.get(id)
	if err != nil {
		return err
	}
	return reg.sink.Post(cmd)
}

// Control sends cmd to link id and waits for its acknowledgement.
func (r *Registry) Control(ctx context.Context, id LinkID, cmd Cmd, params any) (any, error) {
	reg, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return reg.sink.Control(ctx, cmd, params)
}

// Notifier returns the doorbell shared by all links in the registry.
func (r *Registry) Notifier() *Notifier {
	return r.notifier
}

// Notify rings the doorbell of link id.
func (r *Registry) Notify(id LinkID) error {
	return r.notifier.Send(id)
}

// Close stops the notifier. Links must be deleted before.
func (r *Registry) Close() {
	r.notifier.Close()
}
