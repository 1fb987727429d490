package ipcin

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/visionlink/internal/ipc"
	"github.com/smazurov/visionlink/internal/links/ipcout"
	"github.com/smazurov/visionlink/internal/links/linktest"
	"github.com/smazurov/visionlink/internal/links/null"
	"github.com/smazurov/visionlink/internal/links/nullsrc"
	"github.com/smazurov/visionlink/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seen struct {
	mu    sync.Mutex
	seq   map[uint32][]uint64
	index map[uint32]int
}

func newSeen() *seen {
	return &seen{seq: map[uint32][]uint64{}, index: map[uint32]int{}}
}

func (s *seen) record(list system.BufferList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range list {
		s.seq[b.Channel] = append(s.seq[b.Channel], nullsrc.Sequence(b))
		s.index[b.OriginIndex]++
	}
}

func (s *seen) min() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := -1
	for _, seq := range s.seq {
		if n < 0 || len(seq) < n {
			n = len(seq)
		}
	}
	return n
}

func TestEndToEndAcrossCores(t *testing.T) {
	area := ipc.NewArea(true, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(area.Close)
	h := linktest.New(t)

	srcID := h.NextID()
	outID := system.MakeLinkID(0, srcID.Instance()+1)
	inID := system.MakeLinkID(1, srcID.Instance()+2)
	sinkID := system.MakeLinkID(1, srcID.Instance()+3)

	rec := newSeen()
	src := nullsrc.New(nullsrc.Params{Channels: 2, BuffersPerChannel: 4, Interval: time.Millisecond, Next: outID})
	out := ipcout.New(ipcout.Params{Input: system.InQueueParams{PrevLinkID: srcID}, Next: inID, Area: area, Records: 6})
	in := New(Params{Prev: outID, Next: sinkID, Area: area})
	sink := null.New(null.Params{Input: system.InQueueParams{PrevLinkID: inID}, OnBuffers: rec.record})

	srcTask := h.AddOn(0, "src", src)
	outTask := h.AddOn(0, "ipc_out", out)
	inTask := h.AddOn(1, "ipc_in", in)
	sinkTask := h.AddOn(1, "sink", sink)

	h.Must(system.CmdCreate, srcTask, outTask, inTask, sinkTask)

	info, err := h.Registry.GetLinkInfo(inID)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Queues[0].NumChannels())

	h.Must(system.CmdStart, sinkTask, inTask, outTask, srcTask)
	h.Eventually(func() bool { return rec.min() >= 40 }, "consumer did not receive both channels")
	h.Must(system.CmdStop, srcTask, outTask, inTask, sinkTask)

	rec.mu.Lock()
	for ch, seq := range rec.seq {
		for i := 1; i < len(seq); i++ {
			require.Greater(t, seq[i], seq[i-1], "channel %d reordered at %d", ch, i)
		}
	}
	for idx := range rec.index {
		assert.Less(t, idx, uint32(6))
	}
	rec.mu.Unlock()

	ipcLat := in.Statistics().IPCLatency.Snapshot()
	assert.Positive(t, ipcLat.Count)
	assert.Equal(t, ipcLat.Count, in.Statistics().LocalLatency.Snapshot().Count, "one local span per published buffer")
	assert.Zero(t, in.Statistics().InBufErrors.Load())

	outStats := out.Statistics()
	h.Must(system.CmdDelete, sinkTask, inTask, outTask)
	assert.Zero(t, outStats.ForcedReclaims.Load())
	assert.Zero(t, outStats.InBufErrors.Load())
	assert.Zero(t, src.Counts().CheckedOut)
	assert.Zero(t, area.Channels())
}

func TestRateGateReturnsIndex(t *testing.T) {
	area := ipc.NewArea(false, nil)
	t.Cleanup(area.Close)
	h := linktest.New(t)

	srcID := h.NextID()
	outID := system.MakeLinkID(0, srcID.Instance()+1)
	inID := system.MakeLinkID(1, srcID.Instance()+2)
	sinkID := system.MakeLinkID(1, srcID.Instance()+3)

	src := nullsrc.New(nullsrc.Params{Channels: 1, BuffersPerChannel: 4, Interval: time.Millisecond, Next: outID})
	out := ipcout.New(ipcout.Params{Input: system.InQueueParams{PrevLinkID: srcID}, Next: inID, Area: area, Records: 4})
	in := New(Params{Prev: outID, Next: sinkID, Area: area})
	sink := null.New(null.Params{Input: system.InQueueParams{PrevLinkID: inID}})

	srcTask := h.AddOn(0, "src", src)
	outTask := h.AddOn(0, "ipc_out", out)
	inTask := h.AddOn(1, "ipc_in", in)
	sinkTask := h.AddOn(1, "sink", sink)

	h.Must(system.CmdCreate, srcTask, outTask, inTask, sinkTask)
	_, err := h.Control(inTask, system.CmdSetFrameRate, system.FrameRateParams{Channel: system.AllChannels, InRate: 2, OutRate: 1})
	require.NoError(t, err)

	h.Must(system.CmdStart, sinkTask, inTask, outTask, srcTask)
	h.Eventually(func() bool { return in.Statistics().Channel(0).InDropRateGate.Load() >= 20 }, "gate did not drop")
	h.Must(system.CmdStop, srcTask, outTask, inTask, sinkTask)

	c := in.Statistics().Channel(0)
	recv, gated := c.InRecv.Load(), c.InDropRateGate.Load()
	assert.InDelta(t, float64(recv)/2, float64(gated), 1)
	assert.Equal(t, recv-gated, c.OutCount.Load())

	// Gated indices went back too, so nothing is stuck in transit.
	h.Must(system.CmdDelete, sinkTask, inTask)
	h.Eventually(func() bool { return out.Free() == 4 }, "indices not returned")
	assert.Zero(t, src.Counts().CheckedOut)
}

func TestAttachWithoutProducer(t *testing.T) {
	area := ipc.NewArea(false, nil)
	h := linktest.New(t)

	srcID := h.NextID()
	srcTask := h.Add("src", nullsrc.New(nullsrc.Params{Interval: time.Hour, Next: system.InvalidLinkID}))
	inTask := h.Add("ipc_in", New(Params{Prev: srcID, Next: system.InvalidLinkID, Area: area}))

	h.Must(system.CmdCreate, srcTask)
	_, err := h.Control(inTask, system.CmdCreate, nil)
	assert.ErrorIs(t, err, ipc.ErrNoChannel)
}
