package link

import (
	"fmt"
	"sync"

	"github.com/smazurov/visionlink/internal/bufqueue"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// Origin is where a relayed buffer came from: the driver's input index and
// the channel number the upstream producer gave it.
type Origin struct {
	Input   int
	Channel uint32
}

type relayed struct {
	origin     Origin
	queue      uint16
	checkedOut bool
}

// ReleaseFunc hands buffers back to input i of the relaying driver.
type ReleaseFunc func(input int, list system.BufferList)

// Relay implements the producer side of system.Link for drivers that
// republish upstream buffers instead of filling their own. Buffers keep
// their upstream owner: the relay renumbers channels on the way out,
// restores them on the way back and routes each buffer to the input it
// came from. A zero Relay is closed.
type Relay struct {
	mu      sync.Mutex
	info    system.LinkInfo
	queues  []*bufqueue.Queue[*system.Buffer]
	owned   map[*system.Buffer]relayed
	st      *stats.Link
	release ReleaseFunc
}

// Open publishes info with one FIFO of depth entries per queue.
func (r *Relay) Open(info system.LinkInfo, depth int, st *stats.Link, release ReleaseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.info = info.Clone()
	r.queues = make([]*bufqueue.Queue[*system.Buffer], info.NumQueues())
	for i := range r.queues {
		r.queues[i] = bufqueue.NewQueue[*system.Buffer](depth)
	}
	r.owned = make(map[*system.Buffer]relayed)
	r.st = st
	r.release = release
}

// Put queues b on output queue q. The caller has already set b.Channel to
// the output channel. When q is full the channel is restored and Put
// reports false; the buffer then still belongs to the caller.
func (r *Relay) Put(q uint16, b *system.Buffer, from Origin) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queues == nil || int(q) >= len(r.queues) {
		b.Channel = from.Channel
		return false
	}
	if _, dup := r.owned[b]; dup {
		system.Violationf("buffer relayed twice on queue %d", q)
	}
	if !r.queues[q].Put(b) {
		b.Channel = from.Channel
		return false
	}
	r.owned[b] = relayed{origin: from, queue: q}
	return true
}

// GetFullBuffers implements system.Link.
func (r *Relay) GetFullBuffers(q uint16) system.BufferList {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(q) >= len(r.queues) {
		return nil
	}
	if r.st != nil {
		r.st.GetFullCalls.Add(1)
	}
	list := r.queues[q].Drain(system.MaxBuffersInList)
	for _, b := range list {
		e := r.owned[b]
		e.checkedOut = true
		r.owned[b] = e
	}
	return list
}

// PutEmptyBuffers implements system.Link. Every buffer must have been handed
// out on queue q; it goes back to its input with its upstream channel.
func (r *Relay) PutEmptyBuffers(q uint16, list system.BufferList) error {
	r.mu.Lock()
	if r.owned == nil {
		r.mu.Unlock()
		system.Violationf("%d buffers returned to a relay that was never opened", len(list))
	}
	if int(q) >= len(r.info.Queues) {
		r.mu.Unlock()
		return fmt.Errorf("queue %d: %w", q, system.ErrQueueNotFound)
	}
	if r.st != nil {
		r.st.PutEmptyCalls.Add(1)
	}

	byInput := make(map[int]system.BufferList)
	var order []int
	for _, b := range list {
		e, ok := r.owned[b]
		if !ok || !e.checkedOut || e.queue != q {
			r.mu.Unlock()
			system.Violationf("buffer returned on queue %d was not handed out there", q)
		}
		delete(r.owned, b)
		b.Channel = e.origin.Channel
		if _, seen := byInput[e.origin.Input]; !seen {
			order = append(order, e.origin.Input)
		}
		byInput[e.origin.Input] = append(byInput[e.origin.Input], b)
	}
	release := r.release
	r.mu.Unlock()

	for _, in := range order {
		release(in, byInput[in])
	}
	return nil
}

// LinkInfo implements system.Link.
func (r *Relay) LinkInfo() (system.LinkInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queues == nil {
		return system.LinkInfo{}, fmt.Errorf("link info before create: %w", system.ErrInvalidState)
	}
	return r.info.Clone(), nil
}

// Close stops publishing and returns the queued buffers to their inputs.
// Buffers a consumer still holds keep their routing so a late
// PutEmptyBuffers reaches upstream. It returns how many are still out.
func (r *Relay) Close() int {
	r.mu.Lock()
	byInput := make(map[int]system.BufferList)
	var order []int
	for _, q := range r.queues {
		for _, b := range q.Drain(0) {
			e := r.owned[b]
			delete(r.owned, b)
			b.Channel = e.origin.Channel
			if _, seen := byInput[e.origin.Input]; !seen {
				order = append(order, e.origin.Input)
			}
			byInput[e.origin.Input] = append(byInput[e.origin.Input], b)
		}
	}
	r.queues = nil
	out := len(r.owned)
	release := r.release
	r.mu.Unlock()

	for _, in := range order {
		release(in, byInput[in])
	}
	return out
}

// Queued returns how many buffers wait on queue q.
func (r *Relay) Queued(q uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(q) >= len(r.queues) {
		return 0
	}
	return r.queues[q].Len()
}

// Outstanding returns how many upstream buffers the relay holds, queued or
// checked out downstream.
func (r *Relay) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owned)
}
