// Package stats keeps the counters every link exposes for diagnostics.
//
// Counters are updated by the owning link task and read concurrently by the
// printer, the HTTP API and the Prometheus collector, so they are atomics.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/visionlink/internal/system"
)

// Channel holds the per-channel counters of a link.
type Channel struct {
	InRecv             atomic.Uint64
	InDropBackpressure atomic.Uint64
	InDropRateGate     atomic.Uint64
	InProcessed        atomic.Uint64
	OutCount           atomic.Uint64
	OutDrop            atomic.Uint64
}

func (c *Channel) reset() {
	c.InRecv.Store(0)
	c.InDropBackpressure.Store(0)
	c.InDropRateGate.Store(0)
	c.InProcessed.Store(0)
	c.OutCount.Store(0)
	c.OutDrop.Store(0)
}

// Latency tracks min/avg/max of a span in microseconds.
type Latency struct {
	mu    sync.Mutex
	count uint64
	total uint64
	min   uint64
	max   uint64
}

// Update records one sample.
func (l *Latency) Update(us uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 || us < l.min {
		l.min = us
	}
	if us > l.max {
		l.max = us
	}
	l.count++
	l.total += us
}

// Reset clears all samples.
func (l *Latency) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count, l.total, l.min, l.max = 0, 0, 0, 0
}

// Snapshot returns the current aggregate.
func (l *Latency) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := LatencySnapshot{Count: l.count, Min: l.min, Max: l.max}
	if l.count > 0 {
		s.Avg = l.total / l.count
	}
	return s
}

// Link is the statistics block of one link.
type Link struct {
	name     string
	channels []Channel
	// overflow absorbs updates for channel numbers the link does not know.
	overflow Channel

	NewDataCmds    atomic.Uint64
	ReleaseCmds    atomic.Uint64
	GetFullCalls   atomic.Uint64
	PutEmptyCalls  atomic.Uint64
	NotifyEvents   atomic.Uint64
	InBufErrors    atomic.Uint64
	ForcedReclaims atomic.Uint64

	LocalLatency     Latency
	SrcToLinkLatency Latency
	IPCLatency       Latency

	armed     atomic.Bool
	resetTime atomic.Int64
}

// NewLink creates a statistics block for numCh channels.
func NewLink(name string, numCh int) *Link {
	l := &Link{
		name:     name,
		channels: make([]Channel, numCh),
	}
	l.resetTime.Store(time.Now().UnixNano())
	return l
}

// Name returns the link name the block belongs to.
func (l *Link) Name() string {
	return l.name
}

// NumChannels returns the number of channels tracked.
func (l *Link) NumChannels() int {
	return len(l.channels)
}

// Channel returns the counters of channel ch.
func (l *Link) Channel(ch uint32) *Channel {
	if int(ch) < len(l.channels) {
		return &l.channels[ch]
	}
	return &l.overflow
}

// Arm makes the next observed buffer reset the latency and channel counters.
// Links arm on CREATE and START.
func (l *Link) Arm() {
	l.armed.Store(true)
}

// Observe accounts one received buffer: latency spans are measured against
// now, and a pending reset is applied first.
func (l *Link) Observe(b *system.Buffer, now uint64) {
	l.disarm()

	if now >= b.LocalTimestamp && b.LocalTimestamp != 0 {
		l.LocalLatency.Update(now - b.LocalTimestamp)
	}
	if now >= b.SrcTimestamp && b.SrcTimestamp != 0 {
		l.SrcToLinkLatency.Update(now - b.SrcTimestamp)
	}
	l.Channel(b.Channel).InRecv.Add(1)
}

// ObserveIPC accounts one buffer that crossed from another core. Its local
// timestamp was set on the sending side, so the span feeds IPCLatency.
func (l *Link) ObserveIPC(b *system.Buffer, now uint64) {
	l.disarm()

	if now >= b.LocalTimestamp && b.LocalTimestamp != 0 {
		l.IPCLatency.Update(now - b.LocalTimestamp)
	}
	if now >= b.SrcTimestamp && b.SrcTimestamp != 0 {
		l.SrcToLinkLatency.Update(now - b.SrcTimestamp)
	}
	l.Channel(b.Channel).InRecv.Add(1)
}

// Receive accounts one buffer a link made itself, such as a source.
func (l *Link) Receive(ch uint32) *Channel {
	l.disarm()
	c := l.Channel(ch)
	c.InRecv.Add(1)
	return c
}

// disarm applies a pending reset of the channel and latency counters.
// Command counters keep running across START.
func (l *Link) disarm() {
	if !l.armed.CompareAndSwap(true, false) {
		return
	}
	l.resetChannels()
	l.LocalLatency.Reset()
	l.SrcToLinkLatency.Reset()
	l.IPCLatency.Reset()
	l.resetTime.Store(time.Now().UnixNano())
}

func (l *Link) resetChannels() {
	for i := range l.channels {
		l.channels[i].reset()
	}
	l.overflow.reset()
}

// Reset clears every counter.
func (l *Link) Reset() {
	l.resetChannels()
	l.NewDataCmds.Store(0)
	l.ReleaseCmds.Store(0)
	l.GetFullCalls.Store(0)
	l.PutEmptyCalls.Store(0)
	l.NotifyEvents.Store(0)
	l.InBufErrors.Store(0)
	l.ForcedReclaims.Store(0)
	l.LocalLatency.Reset()
	l.SrcToLinkLatency.Reset()
	l.IPCLatency.Reset()
	l.resetTime.Store(time.Now().UnixNano())
}

// Snapshot copies the counters.
func (l *Link) Snapshot() Snapshot {
	elapsed := time.Since(time.Unix(0, l.resetTime.Load()))
	s := Snapshot{
		Link:           l.name,
		Elapsed:        elapsed,
		NewDataCmds:    l.NewDataCmds.Load(),
		ReleaseCmds:    l.ReleaseCmds.Load(),
		GetFullCalls:   l.GetFullCalls.Load(),
		PutEmptyCalls:  l.PutEmptyCalls.Load(),
		NotifyEvents:   l.NotifyEvents.Load(),
		InBufErrors:    l.InBufErrors.Load(),
		ForcedReclaims: l.ForcedReclaims.Load(),
		LocalLatency:   l.LocalLatency.Snapshot(),
		SrcToLink:      l.SrcToLinkLatency.Snapshot(),
		IPCLatency:     l.IPCLatency.Snapshot(),
		Channels:       make([]ChannelSnapshot, len(l.channels)),
	}
	for i := range l.channels {
		c := &l.channels[i]
		s.Channels[i] = ChannelSnapshot{
			Channel:            uint32(i),
			InRecv:             c.InRecv.Load(),
			InDropBackpressure: c.InDropBackpressure.Load(),
			InDropRateGate:     c.InDropRateGate.Load(),
			InProcessed:        c.InProcessed.Load(),
			OutCount:           c.OutCount.Load(),
			OutDrop:            c.OutDrop.Load(),
		}
		if secs := elapsed.Seconds(); secs > 0 {
			s.Channels[i].InFPS = float64(s.Channels[i].InRecv) / secs
			s.Channels[i].OutFPS = float64(s.Channels[i].OutCount) / secs
		}
	}
	return s
}
