package rtpout

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/visionlink/internal/links/linktest"
	"github.com/smazurov/visionlink/internal/links/nullsrc"
	"github.com/smazurov/visionlink/internal/system"
)

type receiver struct {
	mu   sync.Mutex
	pkts []rtp.Packet
}

func listen(t *testing.T) (*net.UDPConn, *receiver) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	r := &receiver{}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			var pkt rtp.Packet
			if pkt.Unmarshal(append([]byte(nil), buf[:n]...)) != nil {
				continue
			}
			r.mu.Lock()
			r.pkts = append(r.pkts, pkt)
			r.mu.Unlock()
		}
	}()
	return conn, r
}

func (r *receiver) snapshot() []rtp.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rtp.Packet(nil), r.pkts...)
}

func TestSendsFragmentedFrames(t *testing.T) {
	conn, recv := listen(t)
	h := linktest.New(t)

	srcID := h.NextID()
	src := nullsrc.New(nullsrc.Params{
		Channels:          2,
		BuffersPerChannel: 4,
		PayloadSize:       3000,
		Interval:          2 * time.Millisecond,
		Next:              system.MakeLinkID(0, srcID.Instance()+1),
	})
	srcTask := h.Add("src", src)
	out := New(Params{
		Input: system.InQueueParams{PrevLinkID: srcID},
		Addr:  conn.LocalAddr().String(),
		SSRC:  1000,
	})
	outTask := h.Add("rtp", out)

	h.Must(system.CmdCreate, srcTask, outTask)
	h.Must(system.CmdStart, outTask, srcTask)

	h.Eventually(func() bool { return len(recv.snapshot()) >= 30 }, "no RTP packets received")
	h.Must(system.CmdStop, srcTask, outTask)

	pkts := recv.snapshot()
	bySSRC := map[uint32][]rtp.Packet{}
	for _, p := range pkts {
		assert.Equal(t, uint8(DefaultPayloadType), p.PayloadType)
		assert.LessOrEqual(t, len(p.Payload), DefaultMTU)
		bySSRC[p.SSRC] = append(bySSRC[p.SSRC], p)
	}
	require.Len(t, bySSRC, 2)
	assert.ElementsMatch(t, []uint32{1000, 1001}, keys(bySSRC))

	// 3000 bytes over a 1200 byte MTU: the third packet of each frame is marked.
	for ssrc, list := range bySSRC {
		for i := 1; i < len(list); i++ {
			assert.Equal(t, list[i-1].SequenceNumber+1, list[i].SequenceNumber, "ssrc %d gap at %d", ssrc, i)
		}
		first := list[0]
		require.GreaterOrEqual(t, len(list), 3)
		if binary.LittleEndian.Uint64(first.Payload) == 1 {
			assert.False(t, list[0].Marker)
			assert.False(t, list[1].Marker)
			assert.True(t, list[2].Marker)
			assert.Len(t, list[2].Payload, 600)
			assert.Equal(t, list[0].Timestamp, list[2].Timestamp)
		}
	}

	c := src.Counts()
	assert.Zero(t, c.CheckedOut)
	st := out.Statistics().Snapshot().Totals()
	assert.Equal(t, st.InProcessed, st.OutCount)
	assert.Positive(t, out.Packets())
}

func keys(m map[uint32][]rtp.Packet) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestCreateNeedsAddress(t *testing.T) {
	h := linktest.New(t)

	srcID := h.NextID()
	srcTask := h.Add("src", nullsrc.New(nullsrc.Params{Channels: 1}))
	outTask := h.Add("rtp", New(Params{Input: system.InQueueParams{PrevLinkID: srcID}}))

	h.Must(system.CmdCreate, srcTask)
	_, err := h.Control(outTask, system.CmdCreate, nil)
	assert.ErrorIs(t, err, system.ErrInvalidParams)
}

func TestPacketizeSmallBuffer(t *testing.T) {
	l := New(Params{SSRC: 7})
	l.streams = map[uint32]*stream{}

	b := &system.Buffer{Channel: 2, Payload: make([]byte, 64), PayloadSize: 10, SrcTimestamp: 1_000_000}
	pkts := l.packetize(b)
	require.Len(t, pkts, 1)
	assert.True(t, pkts[0].Marker)
	assert.Equal(t, uint32(9), pkts[0].SSRC)
	assert.Len(t, pkts[0].Payload, 10)
	assert.Equal(t, uint32(ClockRate), pkts[0].Timestamp)
}
