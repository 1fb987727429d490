// Package gate is a pass-through link that can be switched off at runtime.
// While on, downstream pulls reach straight through to the upstream queue.
// While off, new buffers are returned upstream as soon as they arrive.
package gate

import (
	"errors"
	"sync/atomic"

	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

// Gate specific commands.
const (
	CmdSetMode system.Cmd = system.CmdCustomBase + iota
	CmdGetForwardCount
)

// Params configures a gate.
type Params struct {
	Input   system.InQueueParams
	Next    system.LinkID
	Enabled bool
}

// Link is the gate driver.
type Link struct {
	params    Params
	ctx       *link.Context
	in        atomic.Pointer[link.Input]
	st        atomic.Pointer[stats.Link]
	enabled   atomic.Bool
	forwarded atomic.Uint64
}

// New creates a gate driver.
func New(p Params) *Link {
	l := &Link{params: p}
	l.enabled.Store(p.Enabled)
	return l
}

// Create implements link.Driver.
func (l *Link) Create(ctx *link.Context) error {
	in, err := link.ResolveInput(ctx, l.params.Input)
	if err != nil {
		return err
	}
	l.ctx = ctx
	l.st.Store(stats.NewLink(ctx.Name, in.Info.NumChannels()))
	l.forwarded.Store(0)
	l.in.Store(&in)
	return nil
}

// Start implements link.Driver.
func (l *Link) Start() error { return nil }

// Stop implements link.Driver.
func (l *Link) Stop() error { return nil }

// Delete implements link.Driver.
func (l *Link) Delete() error {
	l.in.Store(nil)
	return nil
}

// ProcessData forwards the notification or flushes upstream when off.
func (l *Link) ProcessData() error {
	in := l.in.Load()
	if in == nil {
		return nil
	}
	if l.enabled.Load() {
		l.ctx.NotifyNext(l.params.Next)
		return nil
	}

	st := l.st.Load()
	in.Drain(l.ctx, func(list system.BufferList) {
		for _, b := range list {
			st.Channel(b.Channel).InRecv.Add(1)
			st.Channel(b.Channel).OutDrop.Add(1)
		}
		in.Release(l.ctx, list)
	})
	return nil
}

// GetFullBuffers implements system.Link by pulling through to upstream.
func (l *Link) GetFullBuffers(q uint16) system.BufferList {
	in := l.in.Load()
	if in == nil || q != 0 || !l.enabled.Load() {
		return nil
	}
	list := in.Pull(l.ctx)
	st := l.st.Load()
	st.GetFullCalls.Add(1)
	for _, b := range list {
		ch := st.Channel(b.Channel)
		ch.InRecv.Add(1)
		ch.OutCount.Add(1)
	}
	l.forwarded.Add(uint64(len(list)))
	return list
}

// PutEmptyBuffers implements system.Link by returning to upstream.
func (l *Link) PutEmptyBuffers(q uint16, list system.BufferList) error {
	in := l.in.Load()
	if in == nil {
		system.Violationf("%d buffers returned to gate of %s that has no input", len(list), l.params.Input.PrevLinkID)
	}
	if q != 0 {
		return system.ErrQueueNotFound
	}
	l.st.Load().PutEmptyCalls.Add(1)
	return l.ctx.Registry.PutEmptyBuffers(in.Params.PrevLinkID, in.Params.PrevQueueID, list)
}

// LinkInfo implements system.Link with the upstream format.
func (l *Link) LinkInfo() (system.LinkInfo, error) {
	in := l.in.Load()
	if in == nil {
		return system.LinkInfo{}, system.ErrInvalidState
	}
	return system.LinkInfo{Queues: []system.QueueInfo{in.Info}}, nil
}

// Control implements link.Controller.
func (l *Link) Control(cmd system.Cmd, params any) (any, error) {
	switch cmd {
	case CmdSetMode:
		on, ok := params.(bool)
		if !ok {
			return nil, errors.New("gate mode expects a bool")
		}
		l.enabled.Store(on)
		l.ctx.Logger.Info("Gate mode changed", "enabled", on)
		return nil, nil
	case CmdGetForwardCount:
		return l.forwarded.Load(), nil
	}
	return nil, system.ErrUnsupported
}

// Statistics implements link.Driver.
func (l *Link) Statistics() *stats.Link {
	return l.st.Load()
}

// Enabled reports the gate mode.
func (l *Link) Enabled() bool {
	return l.enabled.Load()
}
