package link

import (
	"testing"

	"github.com/smazurov/visionlink/internal/stats"
	"github.com/smazurov/visionlink/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type returns struct {
	byInput map[int]system.BufferList
}

func (r *returns) release(input int, list system.BufferList) {
	r.byInput[input] = append(r.byInput[input], list...)
}

func twoQueues() system.LinkInfo {
	return system.LinkInfo{Queues: []system.QueueInfo{
		{Channels: make([]system.ChannelInfo, 2)},
		{Channels: make([]system.ChannelInfo, 1)},
	}}
}

func putRelayed(r *Relay, q uint16, input int, inCh, outCh uint32) *system.Buffer {
	b := &system.Buffer{Channel: outCh}
	if !r.Put(q, b, Origin{Input: input, Channel: inCh}) {
		return nil
	}
	return b
}

func TestRelayRoutesByQueueAndOrigin(t *testing.T) {
	var r Relay
	ret := &returns{byInput: map[int]system.BufferList{}}
	st := stats.NewLink("relay", 2)
	r.Open(twoQueues(), 8, st, ret.release)

	a := putRelayed(&r, 0, 0, 5, 0)
	b := putRelayed(&r, 0, 1, 3, 1)
	c := putRelayed(&r, 1, 1, 4, 0)
	d := putRelayed(&r, 0, 0, 5, 0)
	require.NotNil(t, a)
	require.NotNil(t, d)
	assert.Equal(t, 3, r.Queued(0))
	assert.Equal(t, 1, r.Queued(1))
	assert.Equal(t, 4, r.Outstanding())

	q0 := r.GetFullBuffers(0)
	assert.Equal(t, system.BufferList{a, b, d}, q0, "queue 0 keeps FIFO order")
	q1 := r.GetFullBuffers(1)
	assert.Equal(t, system.BufferList{c}, q1)
	assert.Nil(t, r.GetFullBuffers(2))

	// Returning on the wrong queue is a protocol error.
	assert.Panics(t, func() { _ = r.PutEmptyBuffers(1, system.BufferList{a}) })

	require.NoError(t, r.PutEmptyBuffers(0, q0))
	assert.Equal(t, system.BufferList{a, d}, ret.byInput[0])
	assert.Equal(t, system.BufferList{b}, ret.byInput[1])
	assert.Equal(t, uint32(5), a.Channel, "upstream channel restored")
	assert.Equal(t, uint32(3), b.Channel)

	require.NoError(t, r.PutEmptyBuffers(1, q1))
	assert.Equal(t, system.BufferList{b, c}, ret.byInput[1])
	assert.Equal(t, uint32(4), c.Channel)
	assert.Zero(t, r.Outstanding())

	err := r.PutEmptyBuffers(3, nil)
	assert.ErrorIs(t, err, system.ErrQueueNotFound)
	assert.Equal(t, uint64(3), st.PutEmptyCalls.Load())
	assert.Equal(t, uint64(2), st.GetFullCalls.Load())
}

func TestRelayQueueFullKeepsCallerOwnership(t *testing.T) {
	var r Relay
	ret := &returns{byInput: map[int]system.BufferList{}}
	r.Open(twoQueues(), 1, nil, ret.release)

	require.NotNil(t, putRelayed(&r, 1, 0, 2, 0))
	b := &system.Buffer{Channel: 0}
	assert.False(t, r.Put(1, b, Origin{Channel: 2}))
	assert.Equal(t, uint32(2), b.Channel)
	assert.Equal(t, 1, r.Outstanding())
}

func TestRelayCloseReturnsQueuedBuffers(t *testing.T) {
	var r Relay
	ret := &returns{byInput: map[int]system.BufferList{}}
	r.Open(twoQueues(), 8, nil, ret.release)

	held := putRelayed(&r, 0, 0, 1, 0)
	queued := putRelayed(&r, 1, 1, 0, 0)
	list := r.GetFullBuffers(0)
	require.Equal(t, system.BufferList{held}, list)

	assert.Equal(t, 1, r.Close(), "one buffer is still checked out")
	assert.Equal(t, system.BufferList{queued}, ret.byInput[1])
	assert.Nil(t, r.GetFullBuffers(0))
	_, err := r.LinkInfo()
	assert.ErrorIs(t, err, system.ErrInvalidState)

	// A late return still reaches its input.
	require.NoError(t, r.PutEmptyBuffers(0, list))
	assert.Equal(t, system.BufferList{held}, ret.byInput[0])
	assert.Zero(t, r.Outstanding())
}

func TestRelayUnopenedPanics(t *testing.T) {
	var r Relay
	assert.PanicsWithError(t, "protocol violation: 1 buffers returned to a relay that was never opened", func() {
		_ = r.PutEmptyBuffers(0, system.BufferList{{}})
	})
}
