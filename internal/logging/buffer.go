package logging

import (
	"sync"
	"time"
)

// LogEntry represents a single log line stored in the ring buffer.
type LogEntry struct {
	// Seq numbers entries from 1 in write order.
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Link       string         `json:"link,omitempty"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer keeps the newest entries up to a fixed capacity and is safe
// for concurrent use.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	seq     uint64
}

// NewRingBuffer creates a ring buffer holding at most size entries.
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{entries: make([]LogEntry, size)}
}

// Write stores entry, replacing the oldest one when full, and returns it
// with its sequence number set.
func (rb *RingBuffer) Write(entry LogEntry) LogEntry {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.seq++
	entry.Seq = rb.seq
	rb.entries[rb.slot(rb.seq)] = entry
	return entry
}

func (rb *RingBuffer) slot(seq uint64) int {
	return int((seq - 1) % uint64(len(rb.entries)))
}

// Count returns the number of entries held.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(min(rb.seq, uint64(len(rb.entries))))
}

// ReadAll returns every entry held, oldest first.
func (rb *RingBuffer) ReadAll() []LogEntry {
	return rb.Since(0)
}

// Since returns the held entries with a sequence number above seq, oldest
// first. Entries already overwritten are skipped.
func (rb *RingBuffer) Since(seq uint64) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	first := uint64(1)
	if n := uint64(len(rb.entries)); rb.seq > n {
		first = rb.seq - n + 1
	}
	if seq >= first {
		first = seq + 1
	}
	if first > rb.seq {
		return nil
	}

	out := make([]LogEntry, 0, rb.seq-first+1)
	for s := first; s <= rb.seq; s++ {
		out = append(out, rb.entries[rb.slot(s)])
	}
	return out
}

// Tail returns at most the n newest entries, oldest first.
func (rb *RingBuffer) Tail(n int) []LogEntry {
	all := rb.ReadAll()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
