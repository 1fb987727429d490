package system

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Notifier is the doorbell between link tasks, including tasks that stand
// in for different cores. A notification carries only the destination id.
// Notifications to the same destination coalesce while one is pending, so
// a receiver must drain all of its input on every wake-up.
type Notifier struct {
	mu      sync.RWMutex
	targets map[LinkID]*doorbell
	wg      sync.WaitGroup
	closed  bool

	sent      atomic.Uint64
	coalesced atomic.Uint64
}

type doorbell struct {
	bell    chan struct{}
	done    chan struct{}
	handler func()
	rung    atomic.Uint64
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{targets: make(map[LinkID]*doorbell)}
}

// Register installs handler as the doorbell of id. The handler runs on a
// goroutine owned by the notifier and must not block for long.
func (n *Notifier) Register(id LinkID, handler func()) error {
	if handler == nil {
		return fmt.Errorf("notify handler for %s: %w", id, ErrInvalidParams)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrStopped
	}
	if _, exists := n.targets[id]; exists {
		return fmt.Errorf("notify target %s: %w", id, ErrAlreadyRegistered)
	}

	d := &doorbell{
		bell:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		handler: handler,
	}
	n.targets[id] = d

	n.wg.Add(1)
	go n.serve(d)
	return nil
}

// Unregister removes the doorbell of id. Pending notifications are discarded.
func (n *Notifier) Unregister(id LinkID) {
	n.mu.Lock()
	d, ok := n.targets[id]
	if ok {
		delete(n.targets, id)
	}
	n.mu.Unlock()

	if ok {
		close(d.done)
	}
}

// Send rings the doorbell of id. It never blocks.
func (n *Notifier) Send(id LinkID) error {
	n.mu.RLock()
	d, ok := n.targets[id]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notify %s: %w", id, ErrLinkNotFound)
	}

	n.sent.Add(1)
	select {
	case d.bell <- struct{}{}:
	default:
		n.coalesced.Add(1)
	}
	return nil
}

// Delivered returns how many times the handler of id has run.
func (n *Notifier) Delivered(id LinkID) uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if d, ok := n.targets[id]; ok {
		return d.rung.Load()
	}
	return 0
}

// Sent returns the total number of notifications sent and how many of those
// were absorbed by an already pending one.
func (n *Notifier) Sent() (sent, coalesced uint64) {
	return n.sent.Load(), n.coalesced.Load()
}

// Close stops all doorbells and waits for running handlers to return.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	for id, d := range n.targets {
		close(d.done)
		delete(n.targets, id)
	}
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *Notifier) serve(d *doorbell) {
	defer n.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case <-d.bell:
			d.rung.Add(1)
			d.handler()
		}
	}
}
