package ipc

import (
	"sync"

	"github.com/smazurov/visionlink/internal/system"
)

// Handles maps opaque owner handles stored in shared records back to the
// origin-side buffers. Go pointers never enter shared memory.
type Handles struct {
	mu   sync.Mutex
	next uint64
	bufs map[uint64]*system.Buffer
}

// NewHandles creates an empty table.
func NewHandles() *Handles {
	return &Handles{bufs: make(map[uint64]*system.Buffer)}
}

// Put stores b and returns its handle. Handles are never zero.
func (h *Handles) Put(b *system.Buffer) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.bufs[h.next] = b
	return h.next
}

// Take removes and returns the buffer of handle.
func (h *Handles) Take(handle uint64) (*system.Buffer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bufs[handle]
	if ok {
		delete(h.bufs, handle)
	}
	return b, ok
}

// Len returns the number of outstanding handles.
func (h *Handles) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bufs)
}

// Drain removes and returns every outstanding buffer.
func (h *Handles) Drain() []*system.Buffer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*system.Buffer, 0, len(h.bufs))
	for k, b := range h.bufs {
		out = append(out, b)
		delete(h.bufs, k)
	}
	return out
}
