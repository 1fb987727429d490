// Package merge is a link that joins several upstream queues into one
// output queue. Buffers are forwarded without copying. Output channels are
// numbered input by input: the channels of input 0 first, then those of
// input 1, and so on.
package merge

import (
	"fmt"

	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// DefaultDepth bounds the output queue.
const DefaultDepth = 256

// MaxInputs bounds the number of merged queues.
const MaxInputs = 8

// Params configures a merge link.
type Params struct {
	Inputs []system.InQueueParams
	Next   system.LinkID
	Depth  int
}

// Link is the merge driver.
type Link struct {
	link.Relay

	params  Params
	ctx     *link.Context
	inputs  []link.Input
	offsets []uint32
	st      *stats.Link
}

// New creates a merge driver.
func New(p Params) *Link {
	if p.Depth <= 0 {
		p.Depth = DefaultDepth
	}
	return &Link{params: p}
}

// Create implements link.Driver.
func (l *Link) Create(ctx *link.Context) error {
	if n := len(l.params.Inputs); n == 0 || n > MaxInputs {
		return fmt.Errorf("merge of %d inputs: %w", n, system.ErrInvalidParams)
	}

	inputs := make([]link.Input, 0, len(l.params.Inputs))
	offsets := make([]uint32, 0, len(l.params.Inputs))
	var out system.QueueInfo
	for _, p := range l.params.Inputs {
		in, err := link.ResolveInput(ctx, p)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
		offsets = append(offsets, uint32(len(out.Channels)))
		out.Channels = append(out.Channels, in.Info.Channels...)
	}

	l.ctx = ctx
	l.inputs = inputs
	l.offsets = offsets
	l.st = stats.NewLink(ctx.Name, len(out.Channels))
	l.Open(system.LinkInfo{Queues: []system.QueueInfo{out}}, l.params.Depth, l.st, l.release)

	ctx.Logger.Debug("Merge created", "inputs", len(inputs), "channels", len(out.Channels))
	return nil
}

func (l *Link) release(input int, list system.BufferList) {
	l.inputs[input].Release(l.ctx, list)
}

// Start implements link.Driver.
func (l *Link) Start() error { return nil }

// Stop implements link.Driver.
func (l *Link) Stop() error { return nil }

// Delete implements link.Driver.
func (l *Link) Delete() error {
	if out := l.Close(); out > 0 {
		l.ctx.Logger.Error("Merge deleted with buffers still checked out", "checked_out", out)
	}
	return nil
}

// ProcessData drains every input in order and forwards the buffers.
func (l *Link) ProcessData() error {
	forwarded := 0
	for i, in := range l.inputs {
		in.Drain(l.ctx, func(list system.BufferList) {
			forwarded += l.forward(i, list)
		})
	}
	if forwarded > 0 {
		l.ctx.NotifyNext(l.params.Next)
	}
	return nil
}

func (l *Link) forward(i int, list system.BufferList) int {
	in := l.inputs[i]
	now := system.Now()
	var reject system.BufferList
	forwarded := 0

	for _, b := range list {
		from := link.Origin{Input: i, Channel: b.Channel}
		if int(b.Channel) >= in.Info.NumChannels() {
			l.st.InBufErrors.Add(1)
			l.ctx.Logger.Error("Buffer on unknown input channel", "input", i, "channel", b.Channel)
			reject = append(reject, b)
			continue
		}

		b.Channel += l.offsets[i]
		l.st.Observe(b, now)
		ch := l.st.Channel(b.Channel)
		outCh := b.Channel
		if !l.Put(0, b, from) {
			ch.OutDrop.Add(1)
			l.ctx.Drops.Drop(outCh, link.DropQueueFull)
			reject = append(reject, b)
			continue
		}
		ch.InProcessed.Add(1)
		ch.OutCount.Add(1)
		forwarded++
	}

	in.Release(l.ctx, reject)
	return forwarded
}

// Statistics implements link.Driver.
func (l *Link) Statistics() *stats.Link {
	return l.st
}
