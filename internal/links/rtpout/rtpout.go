// Package rtpout is a sink link that sends every buffer it receives as RTP
// over UDP, one SSRC per channel.
package rtpout

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
)

const (
	// DefaultPayloadType is the first dynamic RTP payload type.
	DefaultPayloadType = 96
	// DefaultMTU bounds the payload of one packet.
	DefaultMTU = 1200
	// ClockRate is the RTP timestamp rate, the usual video clock.
	ClockRate = 90000

	dropSendFailed = "send_failed"
)

// Params configures the link.
type Params struct {
	Input system.InQueueParams
	// Addr is the host:port packets are sent to.
	Addr        string
	PayloadType uint8
	MTU         int
	// SSRC of channel 0; channel n uses SSRC+n.
	SSRC uint32
}

type stream struct {
	ssrc uint32
	seq  rtp.Sequencer
}

// Link is the RTP sender driver.
type Link struct {
	params  Params
	ctx     *link.Context
	in      link.Input
	st      *stats.Link
	conn    net.Conn
	streams map[uint32]*stream
	packets atomic.Uint64
}

// New creates an RTP sender driver.
func New(p Params) *Link {
	if p.PayloadType == 0 {
		p.PayloadType = DefaultPayloadType
	}
	if p.MTU <= 0 {
		p.MTU = DefaultMTU
	}
	return &Link{params: p}
}

// Create implements link.Driver.
func (l *Link) Create(ctx *link.Context) error {
	if l.params.Addr == "" {
		return fmt.Errorf("rtpout needs a destination address: %w", system.ErrInvalidParams)
	}
	in, err := link.ResolveInput(ctx, l.params.Input)
	if err != nil {
		return err
	}
	conn, err := net.Dial("udp", l.params.Addr)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", l.params.Addr, err)
	}

	l.ctx = ctx
	l.in = in
	l.conn = conn
	l.st = stats.NewLink(ctx.Name, in.Info.NumChannels())
	l.streams = make(map[uint32]*stream)
	l.packets.Store(0)
	ctx.Logger.Info("Sending RTP", "addr", l.params.Addr, "payload_type", l.params.PayloadType)
	return nil
}

// Start implements link.Driver.
func (l *Link) Start() error { return nil }

// Stop implements link.Driver.
func (l *Link) Stop() error { return nil }

// Delete closes the socket.
func (l *Link) Delete() error {
	err := l.conn.Close()
	l.conn = nil
	l.streams = nil
	return err
}

func (l *Link) stream(ch uint32) *stream {
	s, ok := l.streams[ch]
	if !ok {
		s = &stream{ssrc: l.params.SSRC + ch, seq: rtp.NewRandomSequencer()}
		l.streams[ch] = s
	}
	return s
}

// packetize splits b into packets of at most MTU payload bytes. The last
// packet of a buffer carries the marker bit.
func (l *Link) packetize(b *system.Buffer) []*rtp.Packet {
	s := l.stream(b.Channel)
	payload := b.Data()
	ts := uint32(b.SrcTimestamp * ClockRate / 1_000_000)

	var pkts []*rtp.Packet
	for {
		n := min(len(payload), l.params.MTU)
		pkts = append(pkts, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    l.params.PayloadType,
				SequenceNumber: s.seq.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: payload[:n],
		})
		payload = payload[n:]
		if len(payload) == 0 {
			break
		}
	}
	pkts[len(pkts)-1].Marker = true
	return pkts
}

func (l *Link) send(b *system.Buffer) error {
	for _, pkt := range l.packetize(b) {
		raw, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if _, err := l.conn.Write(raw); err != nil {
			return err
		}
		l.packets.Add(1)
	}
	return nil
}

// ProcessData sends and releases everything upstream has ready.
func (l *Link) ProcessData() error {
	l.in.Drain(l.ctx, func(list system.BufferList) {
		now := system.Now()
		for _, b := range list {
			l.st.Observe(b, now)
			ch := l.st.Channel(b.Channel)
			ch.InProcessed.Add(1)
			if err := l.send(b); err != nil {
				ch.OutDrop.Add(1)
				l.ctx.Drops.Drop(b.Channel, dropSendFailed)
				continue
			}
			ch.OutCount.Add(1)
		}
		l.in.Release(l.ctx, list)
	})
	return nil
}

// Statistics implements link.Driver.
func (l *Link) Statistics() *stats.Link {
	return l.st
}

// Packets returns how many RTP packets were sent since CREATE.
func (l *Link) Packets() uint64 {
	return l.packets.Load()
}
