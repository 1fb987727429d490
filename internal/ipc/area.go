package ipc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/visionlink/internal/system"
)

// ErrNoChannel is returned when a consumer attaches before its producer created the channel.
var ErrNoChannel = errors.New("no ipc channel for link")

type areaSlot struct {
	region   *Region
	channel  *Channel
	attached int
	released bool
}

// Area hands out channels keyed by the producer link id, standing in for the
// fixed shared carve-out both cores know the address of.
type Area struct {
	mu     sync.Mutex
	slots  map[system.LinkID]*areaSlot
	shared bool
	logger *slog.Logger
}

// NewArea creates an area. With shared set, channels live in OS shared
// mappings instead of the Go heap.
func NewArea(shared bool, logger *slog.Logger) *Area {
	if logger == nil {
		logger = slog.Default()
	}
	return &Area{
		slots:  make(map[system.LinkID]*areaSlot),
		shared: shared,
		logger: logger,
	}
}

// Create allocates and formats the channel of producer id with n records.
func (a *Area) Create(id system.LinkID, n int) (*Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.slots[id]; exists {
		return nil, fmt.Errorf("ipc channel %s: %w", id, system.ErrAlreadyRegistered)
	}

	region, err := NewRegion(ChannelSize(n), a.shared)
	if err != nil {
		return nil, err
	}
	ch, err := NewChannel(region.Bytes(), n)
	if err != nil {
		_ = region.Close()
		return nil, err
	}

	a.slots[id] = &areaSlot{region: region, channel: ch}
	a.logger.Debug("IPC channel created", "link_id", id.String(), "records", n, "bytes", region.Size(), "shared", region.Shared())
	return ch, nil
}

// Attach maps the channel of producer id for a consumer.
func (a *Area) Attach(id system.LinkID) (*Channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.slots[id]
	if !ok || slot.released {
		return nil, fmt.Errorf("producer %s: %w", id, ErrNoChannel)
	}
	ch, err := AttachChannel(slot.region.Bytes())
	if err != nil {
		return nil, err
	}
	slot.attached++
	return ch, nil
}

// Detach drops a consumer mapping. The region is freed if the producer
// already released it.
func (a *Area) Detach(id system.LinkID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.slots[id]
	if !ok {
		return
	}
	if slot.attached > 0 {
		slot.attached--
	}
	if slot.released && slot.attached == 0 {
		a.free(id, slot)
	}
}

// Release is called by the producer once every index has been accounted
// for. Memory is freed now, or at the last Detach if a consumer is still
// attached.
func (a *Area) Release(id system.LinkID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.slots[id]
	if !ok {
		return
	}
	slot.released = true
	if slot.attached == 0 {
		a.free(id, slot)
		return
	}
	a.logger.Debug("IPC channel release deferred until consumer detaches", "link_id", id.String(), "attached", slot.attached)
}

// Channels returns the number of live channels.
func (a *Area) Channels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// free must be called with a.mu held.
func (a *Area) free(id system.LinkID, slot *areaSlot) {
	delete(a.slots, id)
	if err := slot.region.Close(); err != nil {
		a.logger.Warn("Failed to release IPC region", "link_id", id.String(), "error", err)
		return
	}
	a.logger.Debug("IPC channel freed", "link_id", id.String())
}

// Close frees every channel regardless of attachments. Only for shutdown.
func (a *Area) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, slot := range a.slots {
		a.free(id, slot)
	}
}
