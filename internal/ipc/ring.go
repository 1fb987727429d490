package ipc

import (
	"errors"
	"fmt"
)

const (
	ringMagic = 0x49505152 // "IPQR"

	ringOffMagic    = 0
	ringOffCapacity = 4
	ringOffState    = 8
	// Producer and consumer counters sit on separate cache lines.
	ringOffWrite  = 64
	ringOffRead   = 128
	ringHeaderLen = 192
)

// Ring states stored in the header.
const (
	RingOpen    uint32 = 1
	RingClosing uint32 = 2
)

// ErrBadRing is returned when attaching to memory that holds no ring.
var ErrBadRing = errors.New("no index ring at offset")

// IndexRing is a single-producer single-consumer queue of uint32 indices in
// shared memory. Read and write positions are free-running counters, so a
// ring of capacity N holds exactly N entries. The slot array is rounded up to
// a power of two so positions stay contiguous across counter wrap-around.
type IndexRing struct {
	m        mem
	capacity uint32
	mask     uint32
}

func slotCount(capacity int) int {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return n
}

// RingSize returns the bytes needed for a ring of capacity entries.
func RingSize(capacity int) int {
	return ringHeaderLen + alignUp(slotCount(capacity)*4)
}

// NewIndexRing formats a ring of capacity entries at the start of m.
func NewIndexRing(m []byte, capacity int) (*IndexRing, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity %d: must be positive", capacity)
	}
	view, err := mem(m).sub(0, RingSize(capacity))
	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}
	r := &IndexRing{m: view, capacity: uint32(capacity), mask: uint32(slotCount(capacity) - 1)}
	r.m.store32(ringOffCapacity, uint32(capacity))
	r.m.store32(ringOffWrite, 0)
	r.m.store32(ringOffRead, 0)
	r.m.store32(ringOffState, RingOpen)
	r.m.store32(ringOffMagic, ringMagic)
	return r, nil
}

// AttachIndexRing maps a ring previously formatted by NewIndexRing.
func AttachIndexRing(m []byte) (*IndexRing, error) {
	hdr, err := mem(m).sub(0, ringHeaderLen)
	if err != nil {
		return nil, fmt.Errorf("ring header: %w", err)
	}
	if hdr.load32(ringOffMagic) != ringMagic {
		return nil, ErrBadRing
	}
	capacity := int(hdr.load32(ringOffCapacity))
	if capacity <= 0 {
		return nil, ErrBadRing
	}
	view, err := mem(m).sub(0, RingSize(capacity))
	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}
	return &IndexRing{m: view, capacity: uint32(capacity), mask: uint32(slotCount(capacity) - 1)}, nil
}

// Write appends idx. It returns false when the ring is full; the caller
// treats that as backpressure.
func (r *IndexRing) Write(idx uint32) bool {
	wr := r.m.load32(ringOffWrite)
	rd := r.m.load32(ringOffRead)
	if wr-rd >= r.capacity {
		return false
	}
	r.m.store32(ringHeaderLen+int(wr&r.mask)*4, idx)
	r.m.store32(ringOffWrite, wr+1)
	return true
}

// Read removes the oldest index.
func (r *IndexRing) Read() (uint32, bool) {
	rd := r.m.load32(ringOffRead)
	wr := r.m.load32(ringOffWrite)
	if rd == wr {
		return 0, false
	}
	idx := r.m.load32(ringHeaderLen + int(rd&r.mask)*4)
	r.m.store32(ringOffRead, rd+1)
	return idx, true
}

// Len returns the number of queued indices.
func (r *IndexRing) Len() int {
	return int(r.m.load32(ringOffWrite) - r.m.load32(ringOffRead))
}

// Cap returns the ring capacity.
func (r *IndexRing) Cap() int {
	return int(r.capacity)
}

// Empty reports whether there is nothing to read.
func (r *IndexRing) Empty() bool {
	return r.Len() == 0
}

// State returns the ring state word.
func (r *IndexRing) State() uint32 {
	return r.m.load32(ringOffState)
}

// SetState updates the ring state word.
func (r *IndexRing) SetState(s uint32) {
	r.m.store32(ringOffState, s)
}

// Positions returns the raw read and write counters.
func (r *IndexRing) Positions() (rd, wr uint32) {
	return r.m.load32(ringOffRead), r.m.load32(ringOffWrite)
}
