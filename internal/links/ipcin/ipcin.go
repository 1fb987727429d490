// Package ipcin is the consumer half of a cross-core link pair. It reads
// record indices from the forward ring, exposes each record as a local
// buffer to its downstream link and sends the index back on the return ring
// once the buffer is released.
package ipcin

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/smazurov/visionlink/internal/bufqueue"
	"github.com/smazurov/visionlink/internal/ipc"
	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/rategate"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// Params configures the consumer half.
type Params struct {
	// Prev is the producer half.
	Prev system.LinkID
	Next system.LinkID
	Area *ipc.Area
}

// Link is the ipcin driver.
type Link struct {
	link.Output

	params Params
	ctx    *link.Context
	ch     atomic.Pointer[ipc.Channel]
	pool   *bufqueue.Pool
	gates  *rategate.Set
	st     *stats.Link

	// retMu serializes writers of the return ring: this task and the
	// downstream link releasing buffers.
	retMu   sync.Mutex
	scratch system.Buffer
}

// New creates an ipcin driver.
func New(p Params) *Link {
	return &Link{params: p}
}

// Create attaches to the producer's channel and allocates one local buffer
// per record.
func (l *Link) Create(ctx *link.Context) error {
	if l.params.Area == nil {
		return fmt.Errorf("no ipc area: %w", system.ErrInvalidParams)
	}
	in, err := link.ResolveInput(ctx, system.InQueueParams{PrevLinkID: l.params.Prev})
	if err != nil {
		return err
	}
	ch, err := l.params.Area.Attach(l.params.Prev)
	if err != nil {
		return err
	}

	numCh := in.Info.NumChannels()
	l.ctx = ctx
	l.pool = bufqueue.NewPool(ctx.Name, bufqueue.Allocate(ch.Len(), ipc.MaxInlinePayload, system.KindVideoFrame))
	l.gates = rategate.NewSet(numCh)
	l.st = stats.NewLink(ctx.Name, numCh)
	l.ch.Store(ch)
	l.Publish(system.LinkInfo{Queues: []system.QueueInfo{in.Info}}, []*bufqueue.Pool{l.pool}, l.st)

	ctx.Logger.Debug("IPC in attached", "prev", l.params.Prev.String(), "records", ch.Len(), "channels", numCh)
	return nil
}

// Start implements link.Driver.
func (l *Link) Start() error { return nil }

// Stop implements link.Driver.
func (l *Link) Stop() error { return nil }

// Delete hands every index this side still holds back to the producer and
// detaches from the channel.
func (l *Link) Delete() error {
	l.Withdraw()
	ch := l.ch.Load()

	var indices []uint32
	for {
		list := l.pool.GetFull(0)
		if len(list) == 0 {
			break
		}
		for _, b := range list {
			indices = append(indices, b.OriginIndex)
		}
		l.pool.PutEmpty(list)
	}
	for {
		idx, ok := ch.Forward.Read()
		if !ok {
			break
		}
		indices = append(indices, idx)
	}
	if c := l.pool.Counts(); c.CheckedOut > 0 {
		l.ctx.Logger.Error("IPC in deleted with buffers still checked out", "checked_out", c.CheckedOut)
	}

	l.returnIndices(ch, indices)
	if len(indices) > 0 {
		l.notifyPrev()
	}

	l.ch.Store(nil)
	l.params.Area.Detach(l.params.Prev)
	l.pool = nil
	return nil
}

// ProcessData drains the whole forward ring. Once the producer closes the
// channel, indices are sent straight back instead of being delivered.
func (l *Link) ProcessData() error {
	ch := l.ch.Load()
	if ch.Closing() {
		l.bounce(ch)
		return nil
	}

	now := system.Now()
	produced := 0
	var returned []uint32

	for {
		idx, ok := ch.Forward.Read()
		if !ok {
			break
		}

		b, ok := l.pool.GetEmpty()
		if !ok {
			if _, err := ch.Records.Load(idx, &l.scratch); err == nil {
				l.st.Channel(l.scratch.Channel).InDropBackpressure.Add(1)
				l.ctx.Drops.Drop(l.scratch.Channel, link.DropNoEmptyBuffer)
			}
			returned = append(returned, idx)
			continue
		}

		if _, err := ch.Records.Load(idx, b); err != nil {
			l.pool.ReturnEmpty(b)
			l.st.InBufErrors.Add(1)
			l.ctx.Logger.Error("Failed to decode IPC record", "index", idx, "error", err)
			returned = append(returned, idx)
			continue
		}

		l.st.ObserveIPC(b, now)
		b.LocalTimestamp = now
		chStats := l.st.Channel(b.Channel)

		if !l.gates.Admit(b.Channel) {
			chStats.InDropRateGate.Add(1)
			l.pool.ReturnEmpty(b)
			returned = append(returned, idx)
			continue
		}

		// Local span: from reading the ring to publishing on this core.
		l.st.LocalLatency.Update(system.Now() - now)
		l.pool.PutFull(b)
		chStats.InProcessed.Add(1)
		chStats.OutCount.Add(1)
		produced++
	}

	if len(returned) > 0 {
		l.returnIndices(ch, returned)
		l.notifyPrev()
	}
	if produced > 0 {
		l.ctx.NotifyNext(l.params.Next)
	}
	return nil
}

func (l *Link) bounce(ch *ipc.Channel) {
	var indices []uint32
	for {
		idx, ok := ch.Forward.Read()
		if !ok {
			break
		}
		indices = append(indices, idx)
	}
	if len(indices) > 0 {
		l.returnIndices(ch, indices)
		l.notifyPrev()
	}
}

// PutEmptyBuffers implements system.Link. The record index of every
// released buffer goes back to the producer.
func (l *Link) PutEmptyBuffers(q uint16, list system.BufferList) error {
	indices := make([]uint32, len(list))
	for i, b := range list {
		indices[i] = b.OriginIndex
	}
	if err := l.Output.PutEmptyBuffers(q, list); err != nil {
		return err
	}
	l.returnIndices(l.ch.Load(), indices)
	l.notifyPrev()
	return nil
}

func (l *Link) returnIndices(ch *ipc.Channel, indices []uint32) {
	l.retMu.Lock()
	defer l.retMu.Unlock()
	for _, idx := range indices {
		if !ch.Return.Write(idx) {
			// Only N indices exist, so a full return ring means one was duplicated.
			system.Violationf("ipc %s: return ring full writing index %d", l.ctx.Name, idx)
		}
	}
}

func (l *Link) notifyPrev() {
	if err := l.ctx.Registry.Notify(l.params.Prev); err != nil {
		l.ctx.Logger.Debug("Failed to notify producer", "prev", l.params.Prev.String(), "error", err)
	}
}

// SetFrameRate implements link.RateShaper.
func (l *Link) SetFrameRate(p system.FrameRateParams) error {
	return l.gates.Apply(p)
}

// Statistics implements link.Driver.
func (l *Link) Statistics() *stats.Link {
	return l.st
}

// Counts returns where the local buffers are.
func (l *Link) Counts() bufqueue.Counts {
	if p := l.Pool(0); p != nil {
		return p.Counts()
	}
	return bufqueue.Counts{}
}
