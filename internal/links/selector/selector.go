// Package selector is a link that splits one upstream queue into several
// output queues by channel. Each output queue lists the input channels it
// carries; its output channel n is the n-th listed input channel. Buffers on
// channels no queue lists go straight back upstream.
package selector

import (
	"errors"
	"fmt"
	"slices"

	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// Selector specific commands.
const (
	CmdSetOutputChannels system.Cmd = system.CmdCustomBase + iota
	CmdGetOutputChannels
)

// DefaultDepth bounds each output queue.
const DefaultDepth = 256

// MaxOutputs bounds the number of output queues.
const MaxOutputs = 8

// Output configures one output queue.
type Output struct {
	Next     system.LinkID
	Channels []uint32
}

// OutputChannels is the parameter of CmdSetOutputChannels.
type OutputChannels struct {
	Queue    uint16
	Channels []uint32
}

// Params configures a selector.
type Params struct {
	Input   system.InQueueParams
	Outputs []Output
	Depth   int
}

type route struct {
	mapped  bool
	queue   uint16
	channel uint32
}

// Link is the selector driver.
type Link struct {
	link.Relay

	params  Params
	ctx     *link.Context
	in      link.Input
	routes  []route
	current [][]uint32
	st      *stats.Link
}

// New creates a selector driver.
func New(p Params) *Link {
	if p.Depth <= 0 {
		p.Depth = DefaultDepth
	}
	return &Link{params: p}
}

// Create implements link.Driver.
func (l *Link) Create(ctx *link.Context) error {
	if n := len(l.params.Outputs); n == 0 || n > MaxOutputs {
		return fmt.Errorf("selector with %d outputs: %w", n, system.ErrInvalidParams)
	}
	in, err := link.ResolveInput(ctx, l.params.Input)
	if err != nil {
		return err
	}

	l.in = in
	l.routes = make([]route, in.Info.NumChannels())
	l.current = make([][]uint32, len(l.params.Outputs))

	info := system.LinkInfo{Queues: make([]system.QueueInfo, len(l.params.Outputs))}
	for q, out := range l.params.Outputs {
		if err := l.remap(uint16(q), out.Channels); err != nil {
			return err
		}
		for _, inCh := range out.Channels {
			info.Queues[q].Channels = append(info.Queues[q].Channels, in.Info.Channels[inCh])
		}
	}

	l.ctx = ctx
	l.st = stats.NewLink(ctx.Name, in.Info.NumChannels())
	l.Open(info, l.params.Depth, l.st, l.release)

	ctx.Logger.Debug("Selector created", "outputs", len(l.params.Outputs), "channels", in.Info.NumChannels())
	return nil
}

// remap points the channels of queue q at chans, unmapping what q carried.
func (l *Link) remap(q uint16, chans []uint32) error {
	seen := make(map[uint32]bool, len(chans))
	for _, inCh := range chans {
		if int(inCh) >= len(l.routes) {
			return fmt.Errorf("queue %d: input channel %d of %d: %w", q, inCh, len(l.routes), system.ErrInvalidParams)
		}
		if seen[inCh] {
			return fmt.Errorf("queue %d lists channel %d twice: %w", q, inCh, system.ErrInvalidParams)
		}
		seen[inCh] = true
		if r := l.routes[inCh]; r.mapped && r.queue != q {
			return fmt.Errorf("channel %d already goes to queue %d: %w", inCh, r.queue, system.ErrInvalidParams)
		}
	}

	for _, inCh := range l.current[q] {
		l.routes[inCh] = route{}
	}
	for outCh, inCh := range chans {
		l.routes[inCh] = route{mapped: true, queue: q, channel: uint32(outCh)}
	}
	l.current[q] = slices.Clone(chans)
	return nil
}

func (l *Link) release(_ int, list system.BufferList) {
	l.in.Release(l.ctx, list)
}

// Start implements link.Driver.
func (l *Link) Start() error { return nil }

// Stop implements link.Driver.
func (l *Link) Stop() error { return nil }

// Delete implements link.Driver.
func (l *Link) Delete() error {
	if out := l.Close(); out > 0 {
		l.ctx.Logger.Error("Selector deleted with buffers still checked out", "checked_out", out)
	}
	return nil
}

// ProcessData routes everything upstream has ready and notifies every
// output that received data.
func (l *Link) ProcessData() error {
	notify := make([]bool, len(l.params.Outputs))
	l.in.Drain(l.ctx, func(list system.BufferList) {
		l.route(list, notify)
	})
	for q, ok := range notify {
		if ok {
			l.ctx.NotifyNext(l.params.Outputs[q].Next)
		}
	}
	return nil
}

func (l *Link) route(list system.BufferList, notify []bool) {
	now := system.Now()
	var back system.BufferList

	for _, b := range list {
		l.st.Observe(b, now)
		ch := l.st.Channel(b.Channel)
		if int(b.Channel) >= len(l.routes) {
			l.st.InBufErrors.Add(1)
			back = append(back, b)
			continue
		}

		r := l.routes[b.Channel]
		if !r.mapped {
			ch.InProcessed.Add(1)
			back = append(back, b)
			continue
		}

		from := link.Origin{Channel: b.Channel}
		b.Channel = r.channel
		if !l.Put(r.queue, b, from) {
			ch.OutDrop.Add(1)
			l.ctx.Drops.Drop(from.Channel, link.DropQueueFull)
			back = append(back, b)
			continue
		}
		ch.InProcessed.Add(1)
		ch.OutCount.Add(1)
		notify[r.queue] = true
	}

	l.in.Release(l.ctx, back)
}

// Control implements link.Controller.
func (l *Link) Control(cmd system.Cmd, params any) (any, error) {
	switch cmd {
	case CmdSetOutputChannels:
		p, ok := params.(OutputChannels)
		if !ok {
			return nil, errors.New("selector output channels expect OutputChannels")
		}
		if int(p.Queue) >= len(l.current) {
			return nil, fmt.Errorf("queue %d: %w", p.Queue, system.ErrQueueNotFound)
		}
		// Downstream resolved the queue format at its CREATE.
		if len(p.Channels) != len(l.current[p.Queue]) {
			return nil, fmt.Errorf("queue %d carries %d channels, got %d: %w", p.Queue, len(l.current[p.Queue]), len(p.Channels), system.ErrInvalidParams)
		}
		if err := l.remap(p.Queue, p.Channels); err != nil {
			return nil, err
		}
		l.ctx.Logger.Info("Selector output remapped", "queue", p.Queue, "channels", p.Channels)
		return nil, nil
	case CmdGetOutputChannels:
		q, ok := params.(uint16)
		if !ok {
			return nil, errors.New("selector output query expects a queue id")
		}
		if int(q) >= len(l.current) {
			return nil, fmt.Errorf("queue %d: %w", q, system.ErrQueueNotFound)
		}
		return slices.Clone(l.current[q]), nil
	}
	return nil, system.ErrUnsupported
}

// Statistics implements link.Driver.
func (l *Link) Statistics() *stats.Link {
	return l.st
}
