// Package null is a sink link that consumes buffers and returns them.
package null

import (
	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// Params configures a sink.
type Params struct {
	Input system.InQueueParams
	// Hold keeps the newest Hold buffers checked out until later batches,
	// emulating a consumer that releases late.
	Hold int
	// OnBuffers sees every pulled batch before it is released.
	OnBuffers func(system.BufferList)
}

// Link is the sink driver.
type Link struct {
	params Params
	ctx    *link.Context
	in     link.Input
	st     *stats.Link
	held   system.BufferList
	lastTs map[uint32]uint64
}

// New creates a sink driver.
func New(p Params) *Link {
	return &Link{params: p}
}

// Create implements link.Driver.
func (l *Link) Create(ctx *link.Context) error {
	in, err := link.ResolveInput(ctx, l.params.Input)
	if err != nil {
		return err
	}
	l.ctx = ctx
	l.in = in
	l.st = stats.NewLink(ctx.Name, in.Info.NumChannels())
	l.lastTs = make(map[uint32]uint64)
	return nil
}

// Start implements link.Driver.
func (l *Link) Start() error { return nil }

// Stop returns every held buffer.
func (l *Link) Stop() error {
	l.in.Release(l.ctx, l.held)
	l.held = nil
	return nil
}

// Delete implements link.Driver.
func (l *Link) Delete() error {
	l.in.Release(l.ctx, l.held)
	l.held = nil
	l.lastTs = nil
	return nil
}

// ProcessData drains everything upstream has ready.
func (l *Link) ProcessData() error {
	l.in.Drain(l.ctx, l.consume)
	return nil
}

func (l *Link) consume(list system.BufferList) {
	now := system.Now()
	for _, b := range list {
		l.st.Observe(b, now)
		ch := l.st.Channel(b.Channel)
		if last, ok := l.lastTs[b.Channel]; ok && b.SrcTimestamp < last {
			l.st.InBufErrors.Add(1)
			l.ctx.Logger.Error("Out of order buffer", "channel", b.Channel, "src_ts", b.SrcTimestamp, "last_ts", last)
		}
		l.lastTs[b.Channel] = b.SrcTimestamp
		ch.InProcessed.Add(1)
	}

	if l.params.OnBuffers != nil {
		l.params.OnBuffers(list)
	}

	if l.params.Hold <= 0 {
		l.in.Release(l.ctx, list)
		return
	}

	l.held = append(l.held, list...)
	if excess := len(l.held) - l.params.Hold; excess > 0 {
		release := append(system.BufferList(nil), l.held[:excess]...)
		l.held = append(l.held[:0], l.held[excess:]...)
		l.in.Release(l.ctx, release)
	}
}

// Statistics implements link.Driver.
func (l *Link) Statistics() *stats.Link {
	return l.st
}

// Held returns how many buffers the sink keeps checked out.
func (l *Link) Held() int {
	return len(l.held)
}
