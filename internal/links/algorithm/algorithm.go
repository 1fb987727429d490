// Package algorithm is a processing link that runs a Plugin on every
// admitted input buffer and publishes the results on its own output queue.
package algorithm

import (
	"fmt"

	"github.com/smazurov/visionlink/internal/bufqueue"
	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/rategate"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// DefaultPayloadSize is the output buffer size for plugins without a fixed size.
const DefaultPayloadSize = 512

// Params configures an algorithm link.
type Params struct {
	Input             system.InQueueParams
	Next              system.LinkID
	Plugin            string
	Plugins           *PluginRegistry
	BuffersPerChannel int
	PayloadSize       int
}

// Link is the algorithm driver.
type Link struct {
	link.Output

	params Params
	ctx    *link.Context
	in     link.Input
	plugin Plugin
	pool   *bufqueue.Pool
	gates  *rategate.Set
	st     *stats.Link
}

// New creates an algorithm driver.
func New(p Params) *Link {
	if p.Plugins == nil {
		p.Plugins = DefaultPlugins()
	}
	if p.BuffersPerChannel <= 0 {
		p.BuffersPerChannel = 4
	}
	if p.PayloadSize <= 0 {
		p.PayloadSize = DefaultPayloadSize
	}
	return &Link{params: p}
}

// Create implements link.Driver.
func (l *Link) Create(ctx *link.Context) error {
	in, err := link.ResolveInput(ctx, l.params.Input)
	if err != nil {
		return err
	}
	plugin, err := l.params.Plugins.New(l.params.Plugin)
	if err != nil {
		return err
	}
	outInfo, err := plugin.Create(system.LinkInfo{Queues: []system.QueueInfo{in.Info}})
	if err != nil {
		return fmt.Errorf("plugin %s: %w", plugin.Name(), err)
	}
	if outInfo.NumQueues() != 1 {
		_ = plugin.Delete()
		return fmt.Errorf("plugin %s publishes %d queues: %w", plugin.Name(), outInfo.NumQueues(), system.ErrInvalidParams)
	}

	size := l.params.PayloadSize
	if s, ok := plugin.(PayloadSizer); ok {
		size = s.OutputPayloadSize()
	}
	numCh := in.Info.NumChannels()

	l.ctx = ctx
	l.in = in
	l.plugin = plugin
	l.pool = bufqueue.NewPool(ctx.Name, bufqueue.Allocate(numCh*l.params.BuffersPerChannel, size, system.KindVideoFrame))
	l.gates = rategate.NewSet(numCh)
	l.st = stats.NewLink(ctx.Name, numCh)
	l.Publish(outInfo, []*bufqueue.Pool{l.pool}, l.st)

	ctx.Logger.Debug("Algorithm created", "plugin", plugin.Name(), "channels", numCh, "payload_size", size)
	return nil
}

// Start implements link.Driver.
func (l *Link) Start() error { return nil }

// Stop implements link.Driver.
func (l *Link) Stop() error { return nil }

// Delete implements link.Driver.
func (l *Link) Delete() error {
	l.Withdraw()
	l.pool.Reclaim()
	if c := l.pool.Counts(); c.CheckedOut > 0 {
		l.ctx.Logger.Error("Algorithm deleted with buffers still checked out", "checked_out", c.CheckedOut)
	}
	l.pool = nil
	err := l.plugin.Delete()
	l.plugin = nil
	return err
}

// ProcessData runs the plugin over every admitted input buffer. Inputs are
// always released, whether they produced an output or not.
func (l *Link) ProcessData() error {
	produced := 0
	l.in.Drain(l.ctx, func(list system.BufferList) {
		produced += l.process(list)
		l.in.Release(l.ctx, list)
	})
	if produced > 0 {
		l.ctx.NotifyNext(l.params.Next)
	}
	return nil
}

func (l *Link) process(list system.BufferList) int {
	now := system.Now()
	produced := 0
	for _, b := range list {
		l.st.Observe(b, now)
		ch := l.st.Channel(b.Channel)

		if !l.gates.Admit(b.Channel) {
			ch.InDropRateGate.Add(1)
			continue
		}

		out, ok := l.pool.GetEmpty()
		if !ok {
			ch.InDropBackpressure.Add(1)
			l.ctx.Drops.Drop(b.Channel, link.DropNoEmptyBuffer)
			continue
		}

		out.CopyMeta(b)
		out.LocalTimestamp = now
		if err := l.plugin.Process(b, out); err != nil {
			l.pool.ReturnEmpty(out)
			ch.OutDrop.Add(1)
			l.ctx.Drops.Drop(b.Channel, link.DropProcess)
			continue
		}

		l.pool.PutFull(out)
		ch.InProcessed.Add(1)
		ch.OutCount.Add(1)
		produced++
	}
	return produced
}

// SetFrameRate implements link.RateShaper.
func (l *Link) SetFrameRate(p system.FrameRateParams) error {
	return l.gates.Apply(p)
}

// Statistics implements link.Driver.
func (l *Link) Statistics() *stats.Link {
	return l.st
}

// Counts returns where the output buffers are.
func (l *Link) Counts() bufqueue.Counts {
	if p := l.Pool(0); p != nil {
		return p.Counts()
	}
	return bufqueue.Counts{}
}
