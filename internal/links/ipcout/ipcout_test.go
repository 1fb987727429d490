package ipcout

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/smazurov/visionlink/internal/ipc"
	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/links/ipcin"
	"github.com/smazurov/visionlink/internal/links/linktest"
	"github.com/smazurov/visionlink/internal/links/null"
	"github.com/smazurov/visionlink/internal/links/nullsrc"
	"github.com/smazurov/visionlink/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct {
	h                            *linktest.Harness
	area                         *ipc.Area
	src                          *nullsrc.Link
	out                          *Link
	in                           *ipcin.Link
	sink                         *null.Link
	srcTask, outTask, inTask, sk *link.Task
}

// newPair builds src -> ipcout (core 0) -> ipcin (core 1) -> sink.
func newPair(t *testing.T, records, buffers int, drain time.Duration) *pair {
	area := ipc.NewArea(false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(area.Close)
	h := linktest.New(t)

	srcID := h.NextID()
	outID := system.MakeLinkID(0, srcID.Instance()+1)
	inID := system.MakeLinkID(1, srcID.Instance()+2)
	sinkID := system.MakeLinkID(1, srcID.Instance()+3)

	p := &pair{h: h, area: area}
	p.src = nullsrc.New(nullsrc.Params{Channels: 1, BuffersPerChannel: buffers, Interval: time.Hour, Next: outID})
	p.out = New(Params{Input: system.InQueueParams{PrevLinkID: srcID}, Next: inID, Area: area, Records: records, DrainTimeout: drain})
	p.in = ipcin.New(ipcin.Params{Prev: outID, Next: sinkID, Area: area})
	p.sink = null.New(null.Params{Input: system.InQueueParams{PrevLinkID: inID}})

	p.srcTask = h.AddOn(0, "src", p.src)
	p.outTask = h.AddOn(0, "ipc_out", p.out)
	p.inTask = h.AddOn(1, "ipc_in", p.in)
	p.sk = h.AddOn(1, "sink", p.sink)

	h.Must(system.CmdCreate, p.srcTask, p.outTask, p.inTask, p.sk)
	return p
}

// produce makes the source emit n more buffers and waits until ipcout saw them.
func (p *pair) produce(t *testing.T, n int) {
	t.Helper()
	for range n {
		want := p.out.Statistics().Channel(0).InRecv.Load() + 1
		require.NoError(t, p.h.Registry.SendCommand(p.srcTask.ID(), system.CmdNewData))
		p.h.Eventually(func() bool { return p.out.Statistics().Channel(0).InRecv.Load() >= want }, "ipc out did not receive")
	}
}

func TestRingFullReturnsSourceBuffer(t *testing.T) {
	p := newPair(t, 8, 16, 0)

	// Only the producer half runs, so nothing comes back.
	p.h.Must(system.CmdStart, p.outTask, p.srcTask)
	p.h.Eventually(func() bool { return p.out.Statistics().Channel(0).InRecv.Load() == 1 }, "start batch")
	p.produce(t, 8)

	c := p.out.Statistics().Channel(0)
	assert.Equal(t, uint64(9), c.InRecv.Load())
	assert.Equal(t, uint64(8), c.InProcessed.Load())
	assert.Equal(t, uint64(1), c.InDropBackpressure.Load())
	assert.Equal(t, 8, p.out.Channel().Forward.Len())
	assert.Zero(t, p.out.Free())

	counts := p.src.Counts()
	assert.Equal(t, 8, counts.CheckedOut, "eight buffers in transit")
	assert.Equal(t, 8, counts.Empty, "the ninth buffer went back to the source")

	p.h.Must(system.CmdStart, p.sk, p.inTask)
	p.h.Eventually(func() bool { return p.src.Counts().CheckedOut == 0 && p.out.Free() == 8 }, "indices were not returned")
	assert.Equal(t, uint64(8), p.sink.Statistics().Channel(0).InProcessed.Load())
	assert.Positive(t, p.out.Statistics().ReleaseCmds.Load())
}

func TestForwardRingFullReturnsSourceBuffer(t *testing.T) {
	p := newPair(t, 8, 4, 0)

	// Stale entries the consumer never read leave the ring full while every
	// index is still free.
	fwd := p.out.Channel().Forward
	stale := 0
	for fwd.Write(uint32(stale)) {
		stale++
	}
	require.Equal(t, fwd.Cap(), stale)
	require.Equal(t, 8, p.out.Free())

	p.h.Must(system.CmdStart, p.outTask, p.srcTask)
	c := p.out.Statistics().Channel(0)
	p.h.Eventually(func() bool { return c.OutDrop.Load() == 1 && p.src.Counts().CheckedOut == 0 }, "ring full drop")

	assert.Equal(t, uint64(1), c.InRecv.Load())
	assert.Zero(t, c.InProcessed.Load())
	assert.Zero(t, c.InDropBackpressure.Load())
	assert.Equal(t, 1, p.h.Drops("ipc_out", link.DropRingFull))
	assert.Equal(t, 8, p.out.Free(), "the index goes back to the free list")
	assert.Equal(t, stale, fwd.Len())

	p.h.Must(system.CmdStop, p.srcTask, p.outTask)
	for range stale {
		_, ok := fwd.Read()
		require.True(t, ok)
	}
}

func TestDeleteReclaimsInFlight(t *testing.T) {
	p := newPair(t, 4, 8, 20*time.Millisecond)

	p.h.Must(system.CmdStart, p.outTask, p.srcTask)
	p.h.Eventually(func() bool { return p.out.Statistics().Channel(0).InRecv.Load() == 1 }, "start batch")
	p.produce(t, 3)
	require.Equal(t, 4, p.src.Counts().CheckedOut)

	st := p.out.Statistics()
	p.h.Must(system.CmdStop, p.srcTask)
	p.h.Must(system.CmdDelete, p.outTask)

	assert.Equal(t, uint64(4), st.ForcedReclaims.Load())
	assert.Zero(t, p.src.Counts().CheckedOut)
	assert.Equal(t, 1, p.area.Channels(), "region stays mapped while the consumer is attached")

	// The consumer bounces whatever it finds once the channel is closing.
	p.h.Must(system.CmdStart, p.sk, p.inTask)
	p.h.Must(system.CmdDelete, p.sk, p.inTask)
	assert.Zero(t, p.area.Channels())
	assert.Zero(t, p.sink.Statistics().Channel(0).InRecv.Load())
}

func TestDeleteDrainsReturnedIndices(t *testing.T) {
	p := newPair(t, 4, 8, time.Second)

	p.h.Must(system.CmdStart, p.sk, p.inTask, p.outTask, p.srcTask)
	p.produce(t, 5)
	p.h.Must(system.CmdStop, p.srcTask, p.outTask, p.inTask, p.sk)

	st := p.out.Statistics()
	p.h.Must(system.CmdDelete, p.sk, p.inTask, p.outTask)
	assert.Zero(t, st.ForcedReclaims.Load())
	assert.Zero(t, p.src.Counts().CheckedOut)
	assert.Zero(t, p.area.Channels())
}

func TestReleaseOfFreeIndexPanics(t *testing.T) {
	p := newPair(t, 4, 4, 0)

	require.True(t, p.out.Channel().Return.Write(2))
	assert.PanicsWithError(t, "protocol violation: ipc ipc_out: index 2 released but not in flight", func() {
		_ = p.out.ProcessRelease()
	})
}

func TestCreateWithoutArea(t *testing.T) {
	h := linktest.New(t)
	srcID := h.NextID()
	srcTask := h.Add("src", nullsrc.New(nullsrc.Params{Interval: time.Hour, Next: system.InvalidLinkID}))
	outTask := h.Add("ipc_out", New(Params{Input: system.InQueueParams{PrevLinkID: srcID}}))

	h.Must(system.CmdCreate, srcTask)
	_, err := h.Control(outTask, system.CmdCreate, nil)
	assert.ErrorIs(t, err, system.ErrInvalidParams)
}
