package ipc

import (
	"fmt"
)

// Channel is the shared state of one producer/consumer link pair.
type Channel struct {
	// Forward carries indices from the producer (A) to the consumer (B).
	Forward *IndexRing
	// Return carries released indices from B back to A.
	Return  *IndexRing
	Records *RecordTable
	n       int
}

type channelLayout struct {
	forward, ret, records, size int
}

func layoutFor(n int) channelLayout {
	l := channelLayout{forward: 0}
	l.ret = l.forward + RingSize(n)
	l.records = l.ret + RingSize(n)
	l.size = l.records + RecordTableSize(n)
	return l
}

// ChannelSize returns the bytes needed for a channel of n records.
func ChannelSize(n int) int {
	return layoutFor(n).size
}

// NewChannel formats a channel of n records in m. Both rings get capacity n,
// so the forward ring cannot overflow while the producer only sends indices
// taken from its free list.
func NewChannel(m []byte, n int) (*Channel, error) {
	l := layoutFor(n)
	if len(m) < l.size {
		return nil, fmt.Errorf("channel of %d records needs %d bytes, have %d", n, l.size, len(m))
	}
	fwd, err := NewIndexRing(m[l.forward:], n)
	if err != nil {
		return nil, err
	}
	ret, err := NewIndexRing(m[l.ret:], n)
	if err != nil {
		return nil, err
	}
	recs, err := newRecordTable(m[l.records:], n)
	if err != nil {
		return nil, err
	}
	return &Channel{Forward: fwd, Return: ret, Records: recs, n: n}, nil
}

// AttachChannel maps a channel formatted by NewChannel.
func AttachChannel(m []byte) (*Channel, error) {
	fwd, err := AttachIndexRing(m)
	if err != nil {
		return nil, fmt.Errorf("forward ring: %w", err)
	}
	n := fwd.Cap()
	l := layoutFor(n)
	ret, err := AttachIndexRing(m[l.ret:])
	if err != nil {
		return nil, fmt.Errorf("return ring: %w", err)
	}
	recs, err := newRecordTable(m[l.records:], n)
	if err != nil {
		return nil, err
	}
	return &Channel{Forward: fwd, Return: ret, Records: recs, n: n}, nil
}

// Len returns the number of records.
func (c *Channel) Len() int {
	return c.n
}

// Closing reports whether the producer has started tearing the channel down.
func (c *Channel) Closing() bool {
	return c.Forward.State() == RingClosing
}

// MarkClosing tells the consumer to stop expecting new indices.
func (c *Channel) MarkClosing() {
	c.Forward.SetState(RingClosing)
	c.Return.SetState(RingClosing)
}
