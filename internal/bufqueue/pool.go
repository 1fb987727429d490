package bufqueue

import (
	"sync"

	"github.com/smazurov/visionlink/internal/system"
)

type slotState uint8

const (
	slotEmpty     slotState = iota // in the empty queue
	slotProducing                  // taken by the producer, not yet full
	slotFull                       // in the full queue
	slotCheckedOut                 // pulled by a consumer
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotProducing:
		return "producing"
	case slotFull:
		return "full"
	default:
		return "checked-out"
	}
}

// Counts is a consistent snapshot of where the buffers of a pool are.
// Empty+Producing+Full+CheckedOut always equals Total.
type Counts struct {
	Empty      int `json:"empty"`
	Producing  int `json:"producing"`
	Full       int `json:"full"`
	CheckedOut int `json:"checked_out"`
	Total      int `json:"total"`
}

// Pool is the fixed set of buffers behind one output queue of a link,
// together with its empty and full queues. Every buffer is tracked so that
// returning a handle the pool never handed out is caught immediately.
type Pool struct {
	name    string
	mu      sync.Mutex
	buffers []*system.Buffer
	state   map[*system.Buffer]slotState
	empty   *Queue[*system.Buffer]
	full    *Queue[*system.Buffer]
}

// NewPool takes ownership of bufs and seeds the empty queue with all of them.
func NewPool(name string, bufs []*system.Buffer) *Pool {
	p := &Pool{
		name:    name,
		buffers: bufs,
		state:   make(map[*system.Buffer]slotState, len(bufs)),
		empty:   NewQueue[*system.Buffer](len(bufs)),
		full:    NewQueue[*system.Buffer](len(bufs)),
	}
	for _, b := range bufs {
		if _, dup := p.state[b]; dup {
			system.Violationf("pool %s: buffer seeded twice", name)
		}
		p.state[b] = slotEmpty
		p.empty.Put(b)
	}
	return p
}

// Allocate creates n buffers with payloadSize bytes of storage each, carved
// from a single backing slice.
func Allocate(n, payloadSize int, kind system.BufferKind) []*system.Buffer {
	backing := make([]byte, n*payloadSize)
	bufs := make([]*system.Buffer, n)
	for i := range bufs {
		bufs[i] = &system.Buffer{
			Kind:    kind,
			Payload: backing[i*payloadSize : (i+1)*payloadSize : (i+1)*payloadSize],
		}
	}
	return bufs
}

// Name returns the pool name used in diagnostics.
func (p *Pool) Name() string {
	return p.name
}

// Size returns the number of buffers owned by the pool.
func (p *Pool) Size() int {
	return len(p.buffers)
}

// Buffers returns the buffers owned by the pool.
func (p *Pool) Buffers() []*system.Buffer {
	return p.buffers
}

// Owns reports whether b belongs to this pool.
func (p *Pool) Owns(b *system.Buffer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.state[b]
	return ok
}

// GetEmpty takes one buffer for the producer. It returns false when the pool
// is exhausted; callers count that as backpressure.
func (p *Pool) GetEmpty() (*system.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.empty.Get()
	if !ok {
		return nil, false
	}
	p.state[b] = slotProducing
	return b, true
}

// PutFull publishes a buffer obtained from GetEmpty.
func (p *Pool) PutFull(b *system.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transition(b, slotProducing, slotFull)
	p.full.Put(b)
}

// ReturnEmpty gives back a buffer obtained from GetEmpty without publishing it.
func (p *Pool) ReturnEmpty(b *system.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.transition(b, slotProducing, slotEmpty)
	p.empty.Put(b)
}

// GetFull hands up to max ready buffers to a consumer in FIFO order.
// max <= 0 means system.MaxBuffersInList.
func (p *Pool) GetFull(max int) system.BufferList {
	if max <= 0 || max > system.MaxBuffersInList {
		max = system.MaxBuffersInList
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.full.Drain(max)
	for _, b := range list {
		p.state[b] = slotCheckedOut
	}
	return list
}

// PutEmpty returns buffers previously handed out by GetFull.
func (p *Pool) PutEmpty(list system.BufferList) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range list {
		p.transition(b, slotCheckedOut, slotEmpty)
		p.empty.Put(b)
	}
}

// Counts returns where the buffers of the pool currently are.
func (p *Pool) Counts() Counts {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := Counts{Total: len(p.buffers)}
	for _, s := range p.state {
		switch s {
		case slotEmpty:
			c.Empty++
		case slotProducing:
			c.Producing++
		case slotFull:
			c.Full++
		case slotCheckedOut:
			c.CheckedOut++
		}
	}
	return c
}

// FullLen returns the number of buffers waiting for a consumer.
func (p *Pool) FullLen() int {
	return p.full.Len()
}

// EmptyLen returns the number of buffers available to the producer.
func (p *Pool) EmptyLen() int {
	return p.empty.Len()
}

// Reclaim moves full buffers back to the empty queue. Used at stop or delete
// time when nobody will pull them anymore.
func (p *Pool) Reclaim() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.full.Drain(0)
	for _, b := range list {
		p.state[b] = slotEmpty
		p.empty.Put(b)
	}
	return len(list)
}

// transition must be called with p.mu held.
func (p *Pool) transition(b *system.Buffer, from, to slotState) {
	cur, ok := p.state[b]
	if !ok {
		system.Violationf("pool %s: buffer %p does not belong to this pool", p.name, b)
	}
	if cur != from {
		system.Violationf("pool %s: buffer %p is %s, expected %s", p.name, b, cur, from)
	}
	p.state[b] = to
}
