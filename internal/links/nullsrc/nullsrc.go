// Package nullsrc is a timer driven source link. On every tick it fills one
// buffer per channel with a sequence number and hands it downstream.
package nullsrc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/visionlink/internal/bufqueue"
	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/rategate"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// Params configures a source.
type Params struct {
	Channels          int
	BuffersPerChannel int
	PayloadSize       int
	Interval          time.Duration
	Kind              system.BufferKind
	Format            system.ChannelInfo
	Next              system.LinkID
}

// Link is the null source driver.
type Link struct {
	link.Output

	params Params
	ctx    *link.Context
	pool   *bufqueue.Pool
	gates  *rategate.Set
	st     *stats.Link
	seq    []uint64

	mu     sync.Mutex
	ticker *time.Ticker
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New creates a source driver.
func New(p Params) *Link {
	if p.Channels <= 0 {
		p.Channels = 1
	}
	if p.BuffersPerChannel <= 0 {
		p.BuffersPerChannel = 4
	}
	if p.Interval <= 0 {
		p.Interval = 33 * time.Millisecond
	}
	if p.PayloadSize <= 0 {
		p.PayloadSize = 64
	}
	return &Link{params: p}
}

// Create implements link.Driver.
func (l *Link) Create(ctx *link.Context) error {
	if l.params.Channels > system.MaxBuffersInList {
		return fmt.Errorf("%d channels: %w", l.params.Channels, system.ErrInvalidParams)
	}

	l.ctx = ctx
	n := l.params.Channels * l.params.BuffersPerChannel
	l.pool = bufqueue.NewPool(ctx.Name, bufqueue.Allocate(n, l.params.PayloadSize, l.params.Kind))
	l.gates = rategate.NewSet(l.params.Channels)
	l.st = stats.NewLink(ctx.Name, l.params.Channels)
	l.seq = make([]uint64, l.params.Channels)

	info := system.LinkInfo{Queues: []system.QueueInfo{{Channels: make([]system.ChannelInfo, l.params.Channels)}}}
	for i := range info.Queues[0].Channels {
		info.Queues[0].Channels[i] = l.params.Format
	}
	l.Publish(info, []*bufqueue.Pool{l.pool}, l.st)

	ctx.Logger.Debug("Source created", "channels", l.params.Channels, "buffers", n, "interval", l.params.Interval)
	return nil
}

// Start implements link.Driver.
func (l *Link) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ticker = time.NewTicker(l.params.Interval)
	l.quit = make(chan struct{})
	l.wg.Add(1)
	go l.tick(l.ticker, l.quit)
	return nil
}

func (l *Link) tick(t *time.Ticker, quit chan struct{}) {
	defer l.wg.Done()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			// Production runs on the task goroutine.
			_ = l.ctx.Registry.SendCommand(l.ctx.ID, system.CmdNewData)
		}
	}
}

// Stop implements link.Driver.
func (l *Link) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ticker != nil {
		l.ticker.Stop()
		close(l.quit)
		l.wg.Wait()
		l.ticker = nil
	}
	return nil
}

// Delete implements link.Driver.
func (l *Link) Delete() error {
	l.Withdraw()
	l.pool.Reclaim()
	if c := l.pool.Counts(); c.CheckedOut > 0 {
		l.ctx.Logger.Error("Source deleted with buffers still checked out", "checked_out", c.CheckedOut)
	}
	l.pool = nil
	return nil
}

// ProcessData produces one buffer per channel.
func (l *Link) ProcessData() error {
	now := system.Now()
	produced := 0

	for ch := range l.params.Channels {
		chStats := l.st.Receive(uint32(ch))

		if !l.gates.Admit(uint32(ch)) {
			chStats.InDropRateGate.Add(1)
			continue
		}

		b, ok := l.pool.GetEmpty()
		if !ok {
			chStats.InDropBackpressure.Add(1)
			l.ctx.Drops.Drop(uint32(ch), link.DropNoEmptyBuffer)
			continue
		}

		l.seq[ch]++
		b.Kind = l.params.Kind
		b.Channel = uint32(ch)
		b.Addr = 0
		b.SrcTimestamp = now
		b.LocalTimestamp = now
		b.PayloadSize = uint32(len(b.Payload))
		if len(b.Payload) >= 8 {
			binary.LittleEndian.PutUint64(b.Payload, l.seq[ch])
		}

		l.pool.PutFull(b)
		chStats.InProcessed.Add(1)
		chStats.OutCount.Add(1)
		produced++
	}

	if produced > 0 {
		l.ctx.NotifyNext(l.params.Next)
	}
	return nil
}

// SetFrameRate implements link.RateShaper.
func (l *Link) SetFrameRate(p system.FrameRateParams) error {
	return l.gates.Apply(p)
}

// Statistics implements link.Driver.
func (l *Link) Statistics() *stats.Link {
	return l.st
}

// Counts returns where the source buffers are.
func (l *Link) Counts() bufqueue.Counts {
	if p := l.Pool(0); p != nil {
		return p.Counts()
	}
	return bufqueue.Counts{}
}

// Sequence decodes the sequence number written into b.
func Sequence(b *system.Buffer) uint64 {
	if len(b.Data()) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b.Data())
}
