// Package ipcout is the producer half of a cross-core link pair. It pulls
// full buffers from its upstream link, writes them into shared records and
// passes the record indices to the consumer half over the forward ring.
// Released indices come back on the return ring and the original buffers are
// then released upstream.
package ipcout

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/smazurov/visionlink/internal/bufqueue"
	"github.com/smazurov/visionlink/internal/ipc"
	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/rategate"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// Defaults.
const (
	DefaultRecords      = 10
	DefaultDrainTimeout = 500 * time.Millisecond

	drainPoll = time.Millisecond
)

// Params configures the producer half.
type Params struct {
	Input system.InQueueParams
	// Next is the consumer half that is notified when indices are sent.
	Next    system.LinkID
	Area    *ipc.Area
	Records int
	// DrainTimeout bounds how long DELETE waits for in-flight indices.
	DrainTimeout time.Duration
}

// Link is the ipcout driver.
type Link struct {
	params Params
	ctx    *link.Context
	in     link.Input
	info   atomic.Pointer[system.LinkInfo]

	ch         *ipc.Channel
	localQueue *bufqueue.Queue[uint32]
	inFlight   []bool
	handles    *ipc.Handles
	gates      *rategate.Set
	st         *stats.Link
}

// New creates an ipcout driver.
func New(p Params) *Link {
	if p.Records <= 0 {
		p.Records = DefaultRecords
	}
	if p.DrainTimeout <= 0 {
		p.DrainTimeout = DefaultDrainTimeout
	}
	return &Link{params: p}
}

// Create allocates the shared channel and seeds the free list with every index.
func (l *Link) Create(ctx *link.Context) error {
	if l.params.Area == nil {
		return fmt.Errorf("no ipc area: %w", system.ErrInvalidParams)
	}
	in, err := link.ResolveInput(ctx, l.params.Input)
	if err != nil {
		return err
	}
	numCh := in.Info.NumChannels()
	if numCh > ipc.MaxChannel+1 {
		return fmt.Errorf("%d channels: %w", numCh, ipc.ErrChannelRange)
	}

	ch, err := l.params.Area.Create(ctx.ID, l.params.Records)
	if err != nil {
		return err
	}

	n := l.params.Records
	l.ctx = ctx
	l.in = in
	l.ch = ch
	l.localQueue = bufqueue.NewQueue[uint32](n)
	for idx := range uint32(n) {
		l.localQueue.Put(idx)
	}
	l.inFlight = make([]bool, n)
	l.handles = ipc.NewHandles()
	l.gates = rategate.NewSet(numCh)
	l.st = stats.NewLink(ctx.Name, numCh)

	info := system.LinkInfo{Queues: []system.QueueInfo{in.Info}}
	l.info.Store(&info)

	ctx.Logger.Debug("IPC out created", "records", n, "channels", numCh, "next", l.params.Next.String())
	return nil
}

// Start implements link.Driver.
func (l *Link) Start() error { return nil }

// Stop implements link.Driver. In-flight indices keep coming back.
func (l *Link) Stop() error { return nil }

// Delete fences the channel: the consumer is told to stop, the return ring
// is drained until every index came back or DrainTimeout passes, and what is
// still outstanding after that is reclaimed by force.
func (l *Link) Delete() error {
	l.info.Store(nil)
	l.ch.MarkClosing()
	if err := l.ctx.Registry.Notify(l.params.Next); err != nil {
		l.ctx.Logger.Debug("Failed to notify consumer of close", "next", l.params.Next.String(), "error", err)
	}

	deadline := time.Now().Add(l.params.DrainTimeout)
	for {
		l.drainReturn()
		if l.outstanding() == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(drainPoll)
	}

	if n := l.outstanding(); n > 0 {
		l.ctx.Logger.Warn("Reclaiming in-flight IPC indices", "count", n, "timeout", l.params.DrainTimeout)
		var release system.BufferList
		for idx, busy := range l.inFlight {
			if !busy {
				continue
			}
			if b := l.reclaim(uint32(idx)); b != nil {
				release = append(release, b)
			}
			l.st.ForcedReclaims.Add(1)
		}
		l.in.Release(l.ctx, release)
	}
	if left := l.handles.Drain(); len(left) > 0 {
		l.ctx.Logger.Error("IPC owner handles left after reclaim", "count", len(left))
		l.in.Release(l.ctx, left)
	}

	l.params.Area.Release(l.ctx.ID)
	l.ch = nil
	l.localQueue = nil
	l.inFlight = nil
	return nil
}

func (l *Link) outstanding() int {
	n := 0
	for _, busy := range l.inFlight {
		if busy {
			n++
		}
	}
	return n
}

// ProcessData sends every admitted upstream buffer across. Buffers that
// cannot be sent are released upstream right away.
func (l *Link) ProcessData() error {
	sent := 0
	l.in.Drain(l.ctx, func(list system.BufferList) {
		sent += l.send(list)
	})
	if sent > 0 {
		if err := l.ctx.Registry.Notify(l.params.Next); err != nil {
			l.ctx.Logger.Debug("Failed to notify consumer", "next", l.params.Next.String(), "error", err)
		}
	}
	return nil
}

func (l *Link) send(list system.BufferList) int {
	now := system.Now()
	var release system.BufferList
	sent := 0
	for _, b := range list {
		l.st.Observe(b, now)
		ch := l.st.Channel(b.Channel)

		if !l.gates.Admit(b.Channel) {
			ch.InDropRateGate.Add(1)
			release = append(release, b)
			continue
		}

		idx, ok := l.localQueue.Get()
		if !ok {
			ch.InDropBackpressure.Add(1)
			l.ctx.Drops.Drop(b.Channel, link.DropNoFreeIndex)
			release = append(release, b)
			continue
		}

		owner := l.handles.Put(b)
		if err := l.ch.Records.Store(idx, b, owner, now); err != nil {
			l.handles.Take(owner)
			l.localQueue.Put(idx)
			ch.OutDrop.Add(1)
			l.ctx.Drops.Drop(b.Channel, link.DropEncode)
			l.ctx.Logger.Debug("Failed to encode IPC record", "index", idx, "error", err)
			release = append(release, b)
			continue
		}

		if !l.ch.Forward.Write(idx) {
			l.handles.Take(owner)
			l.ch.Records.ClearOwner(idx)
			l.localQueue.Put(idx)
			ch.OutDrop.Add(1)
			l.ctx.Drops.Drop(b.Channel, link.DropRingFull)
			release = append(release, b)
			continue
		}

		l.inFlight[idx] = true
		ch.InProcessed.Add(1)
		ch.OutCount.Add(1)
		sent++
	}

	l.in.Release(l.ctx, release)
	return sent
}

// ProcessRelease implements link.Releaser.
func (l *Link) ProcessRelease() error {
	l.drainReturn()
	return nil
}

// DoorbellCmd implements link.DoorbellHandler: the consumer only rings to
// announce released indices.
func (l *Link) DoorbellCmd() system.Cmd {
	return system.CmdRelease
}

// drainReturn empties the return ring and releases the owner buffers.
func (l *Link) drainReturn() {
	var release system.BufferList
	for {
		idx, ok := l.ch.Return.Read()
		if !ok {
			break
		}
		if int(idx) >= len(l.inFlight) {
			l.st.InBufErrors.Add(1)
			l.ctx.Logger.Error("Released IPC index out of range", "index", idx, "records", len(l.inFlight))
			continue
		}
		if !l.inFlight[idx] {
			system.Violationf("ipc %s: index %d released but not in flight", l.ctx.Name, idx)
		}
		if b := l.reclaim(idx); b != nil {
			release = append(release, b)
		}
	}
	l.in.Release(l.ctx, release)
}

// reclaim returns idx to the free list and recovers its owner buffer.
func (l *Link) reclaim(idx uint32) *system.Buffer {
	owner, err := l.ch.Records.Owner(idx)
	l.ch.Records.ClearOwner(idx)
	l.inFlight[idx] = false
	l.localQueue.Put(idx)
	if err != nil {
		l.st.InBufErrors.Add(1)
		return nil
	}

	b, ok := l.handles.Take(owner)
	if !ok {
		l.st.InBufErrors.Add(1)
		l.ctx.Logger.Error("No owner for released IPC index", "index", idx, "owner", owner)
		return nil
	}
	return b
}

// GetFullBuffers implements system.Link. Consumers read the forward ring,
// never this link's queues.
func (l *Link) GetFullBuffers(uint16) system.BufferList {
	return nil
}

// PutEmptyBuffers implements system.Link.
func (l *Link) PutEmptyBuffers(_ uint16, list system.BufferList) error {
	system.Violationf("%d buffers returned directly to an ipc producer", len(list))
	return nil
}

// LinkInfo implements system.Link: the consumer half publishes the format
// of this link's input.
func (l *Link) LinkInfo() (system.LinkInfo, error) {
	info := l.info.Load()
	if info == nil {
		return system.LinkInfo{}, fmt.Errorf("ipc out not created: %w", system.ErrInvalidState)
	}
	return info.Clone(), nil
}

// SetFrameRate implements link.RateShaper.
func (l *Link) SetFrameRate(p system.FrameRateParams) error {
	return l.gates.Apply(p)
}

// Statistics implements link.Driver.
func (l *Link) Statistics() *stats.Link {
	return l.st
}

// Free returns the number of indices on the free list.
func (l *Link) Free() int {
	if l.localQueue == nil {
		return 0
	}
	return l.localQueue.Len()
}

// Channel returns the shared channel, nil when the link is not created.
func (l *Link) Channel() *ipc.Channel {
	return l.ch
}
