package stats

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/smazurov/visionlink/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyAggregates(t *testing.T) {
	var l Latency
	for _, v := range []uint64{30, 10, 20} {
		l.Update(v)
	}
	s := l.Snapshot()
	assert.Equal(t, LatencySnapshot{Count: 3, Min: 10, Avg: 20, Max: 30}, s)

	l.Reset()
	assert.Equal(t, LatencySnapshot{}, l.Snapshot())
}

func TestObserveResetsOnFirstBufferAfterArm(t *testing.T) {
	l := NewLink("cap", 2)
	l.Channel(1).InDropBackpressure.Add(5)
	l.Observe(&system.Buffer{Channel: 1, SrcTimestamp: 100, LocalTimestamp: 150}, 200)

	s := l.Snapshot()
	assert.Equal(t, uint64(1), s.Channels[1].InRecv)
	assert.Equal(t, uint64(5), s.Channels[1].InDropBackpressure)
	assert.Equal(t, uint64(50), s.LocalLatency.Max)
	assert.Equal(t, uint64(100), s.SrcToLink.Max)

	l.Arm()
	l.Observe(&system.Buffer{Channel: 0, SrcTimestamp: 190, LocalTimestamp: 195}, 200)

	s = l.Snapshot()
	assert.Equal(t, uint64(0), s.Channels[1].InRecv)
	assert.Equal(t, uint64(0), s.Channels[1].InDropBackpressure)
	assert.Equal(t, uint64(1), s.Channels[0].InRecv)
	assert.Equal(t, LatencySnapshot{Count: 1, Min: 5, Avg: 5, Max: 5}, s.LocalLatency)
}

func TestObserveIPCFeedsOnlyIPCLatency(t *testing.T) {
	l := NewLink("ipc_in", 1)
	l.ObserveIPC(&system.Buffer{Channel: 0, SrcTimestamp: 100, LocalTimestamp: 160}, 200)

	s := l.Snapshot()
	assert.Equal(t, uint64(1), s.Channels[0].InRecv)
	assert.Equal(t, LatencySnapshot{Count: 1, Min: 40, Avg: 40, Max: 40}, s.IPCLatency)
	assert.Equal(t, uint64(100), s.SrcToLink.Max)
	assert.Zero(t, s.LocalLatency.Count)
}

func TestReceiveConsumesArm(t *testing.T) {
	l := NewLink("src", 2)
	l.Receive(0)
	l.Receive(1).InDropBackpressure.Add(1)
	l.NewDataCmds.Add(3)

	l.Arm()
	c := l.Receive(0)
	assert.Equal(t, uint64(1), c.InRecv.Load())

	s := l.Snapshot()
	assert.Zero(t, s.Channels[1].InRecv)
	assert.Zero(t, s.Channels[1].InDropBackpressure)
	assert.Equal(t, uint64(3), s.NewDataCmds, "command counters survive START")

	l.Receive(0)
	assert.Equal(t, uint64(2), l.Channel(0).InRecv.Load(), "arm is consumed once")
}

func TestUnknownChannelDoesNotPanic(t *testing.T) {
	l := NewLink("x", 1)
	l.Channel(42).InRecv.Add(1)
	assert.Equal(t, uint64(0), l.Snapshot().Channels[0].InRecv)
}

func TestTotalsAndPrint(t *testing.T) {
	l := NewLink("alg", 2)
	l.Channel(0).OutCount.Add(3)
	l.Channel(1).OutCount.Add(4)
	l.Channel(1).InRecv.Add(4)
	l.NewDataCmds.Add(2)

	s := l.Snapshot()
	assert.Equal(t, uint64(7), s.Totals().OutCount)

	var buf bytes.Buffer
	Print(slog.New(slog.NewTextHandler(&buf, nil)), s)
	out := buf.String()
	assert.Contains(t, out, "link=alg")
	assert.Contains(t, out, "new_data_cmds=2")
	assert.Contains(t, out, "channel=1")
}

func TestRegistrySnapshotsSorted(t *testing.T) {
	r := NewRegistry()
	r.Add(NewLink("b", 1))
	r.Add(NewLink("a", 1))

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Link)

	_, ok := r.Get("b")
	assert.True(t, ok)
	r.Remove("b")
	_, ok = r.Get("b")
	assert.False(t, ok)
}
