package null

import (
	"sync"
	"testing"
	"time"

	"github.com/smazurov/visionlink/internal/links/linktest"
	"github.com/smazurov/visionlink/internal/links/nullsrc"
	"github.com/smazurov/visionlink/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	seq map[uint32][]uint64
}

func (r *recorder) record(list system.BufferList) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range list {
		r.seq[b.Channel] = append(r.seq[b.Channel], nullsrc.Sequence(b))
	}
}

func (r *recorder) count(ch uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seq[ch])
}

func TestSinkOrderAndConservation(t *testing.T) {
	h := linktest.New(t)
	rec := &recorder{seq: map[uint32][]uint64{}}

	srcID := h.NextID()
	src := nullsrc.New(nullsrc.Params{
		Channels:          2,
		BuffersPerChannel: 4,
		Interval:          time.Millisecond,
		Next:              system.MakeLinkID(0, srcID.Instance()+1),
	})
	srcTask := h.Add("src", src)
	sink := New(Params{Input: system.InQueueParams{PrevLinkID: srcID}, OnBuffers: rec.record})
	sinkTask := h.Add("sink", sink)

	h.Must(system.CmdCreate, srcTask, sinkTask)
	h.Must(system.CmdStart, sinkTask, srcTask)

	h.Eventually(func() bool { return rec.count(0) >= 50 && rec.count(1) >= 50 }, "sink did not receive enough buffers")

	h.Must(system.CmdStop, srcTask, sinkTask)

	rec.mu.Lock()
	for ch, seq := range rec.seq {
		for i, v := range seq {
			require.Equal(t, uint64(i+1), v, "channel %d out of order at %d", ch, i)
		}
	}
	rec.mu.Unlock()

	c := src.Counts()
	assert.Equal(t, 8, c.Total)
	assert.Zero(t, c.CheckedOut)
	assert.Equal(t, c.Total, c.Empty+c.Full)
	assert.Zero(t, sink.Statistics().InBufErrors.Load())
	assert.Positive(t, sink.Statistics().NewDataCmds.Load())
}

func TestSinkDrainsBacklogLargerThanOneList(t *testing.T) {
	h := linktest.New(t)

	srcID := h.NextID()
	src := nullsrc.New(nullsrc.Params{
		Channels:          40,
		BuffersPerChannel: 4,
		Interval:          time.Hour,
		Next:              system.MakeLinkID(0, srcID.Instance()+1),
	})
	srcTask := h.Add("src", src)
	sink := New(Params{Input: system.InQueueParams{PrevLinkID: srcID}})
	sinkTask := h.Add("sink", sink)
	h.Must(system.CmdCreate, srcTask, sinkTask)

	// Two batches pile up while the sink is not running.
	h.Must(system.CmdStart, srcTask)
	h.Eventually(func() bool { return src.Counts().Full == 40 }, "start batch")
	require.NoError(t, h.Registry.SendCommand(srcID, system.CmdNewData))
	h.Eventually(func() bool { return src.Counts().Full == 80 }, "second batch")
	h.Must(system.CmdStop, srcTask)
	require.Greater(t, src.Counts().Full, system.MaxBuffersInList)

	// A single START notification has to deliver all of it.
	h.Must(system.CmdStart, sinkTask)
	h.Eventually(func() bool {
		c := src.Counts()
		return c.Full == 0 && c.CheckedOut == 0
	}, "backlog left in the source")
	assert.Equal(t, uint64(80), sink.Statistics().Snapshot().Totals().InProcessed)
	assert.Equal(t, 160, src.Counts().Empty)
}

func TestSinkHold(t *testing.T) {
	h := linktest.New(t)

	srcID := h.NextID()
	src := nullsrc.New(nullsrc.Params{
		Channels:          1,
		BuffersPerChannel: 4,
		Interval:          time.Millisecond,
		Next:              system.MakeLinkID(0, srcID.Instance()+1),
	})
	srcTask := h.Add("src", src)
	sink := New(Params{Input: system.InQueueParams{PrevLinkID: srcID}, Hold: 2})
	sinkTask := h.Add("sink", sink)

	h.Must(system.CmdCreate, srcTask, sinkTask)
	h.Must(system.CmdStart, sinkTask, srcTask)

	h.Eventually(func() bool {
		return sink.Statistics().Channel(0).InProcessed.Load() >= 10
	}, "sink did not process")
	h.Must(system.CmdStop, srcTask)
	h.Eventually(func() bool { return src.Counts().CheckedOut == 2 }, "sink should hold two buffers")

	h.Must(system.CmdStop, sinkTask)
	assert.Zero(t, src.Counts().CheckedOut)
	assert.Zero(t, sink.Held())
}

func TestSinkCreateWithoutUpstream(t *testing.T) {
	h := linktest.New(t)
	sink := New(Params{Input: system.InQueueParams{PrevLinkID: system.MakeLinkID(0, 42)}})
	task := h.Add("sink", sink)

	_, err := h.Control(task, system.CmdCreate, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, system.ErrLinkNotFound)

	var lerr *system.LinkError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, system.ErrCodeCreateFailed, lerr.Code)
	assert.Equal(t, "idle", string(task.State()))
}
