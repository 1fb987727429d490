package system

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSink struct {
	mu    sync.Mutex
	posts []Cmd
}

func (f *fakeSink) Post(cmd Cmd) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, cmd)
	return nil
}

func (f *fakeSink) Control(_ context.Context, cmd Cmd, params any) (any, error) {
	return params, nil
}

type fakeLink struct {
	full     BufferList
	returned BufferList
}

func (f *fakeLink) GetFullBuffers(uint16) BufferList {
	out := f.full
	f.full = nil
	return out
}

func (f *fakeLink) PutEmptyBuffers(_ uint16, list BufferList) error {
	f.returned = append(f.returned, list...)
	return nil
}

func (f *fakeLink) LinkInfo() (LinkInfo, error) {
	return LinkInfo{Queues: []QueueInfo{{Channels: []ChannelInfo{{Width: 64, Height: 48}}}}}, nil
}

func TestLinkIDEncoding(t *testing.T) {
	id := MakeLinkID(3, 17)
	assert.Equal(t, ProcID(3), id.Proc())
	assert.Equal(t, uint32(17), id.Instance())
	assert.Equal(t, "3/17", id.String())
	assert.Equal(t, "invalid", InvalidLinkID.String())
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	src := &fakeLink{}
	sink := &fakeSink{}
	id := MakeLinkID(0, 1)
	require.NoError(t, reg.Register(Entry{ID: id, Name: "src", Type: "nullsrc"}, src, sink))

	err := reg.Register(Entry{ID: id, Name: "other"}, src, sink)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	err = reg.Register(Entry{ID: MakeLinkID(0, 2), Name: "src"}, src, sink)
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	got, ok := reg.LookupName("src")
	require.True(t, ok)
	assert.Equal(t, id, got)
	assert.Equal(t, "src", reg.Name(id))

	info, err := reg.GetLinkInfo(id)
	require.NoError(t, err)
	assert.Equal(t, 1, info.NumQueues())

	_, err = reg.GetLinkInfo(MakeLinkID(1, 9))
	assert.ErrorIs(t, err, ErrLinkNotFound)
}

func TestRegistryPullAndRelease(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	b1, b2 := &Buffer{Channel: 0}, &Buffer{Channel: 1}
	src := &fakeLink{full: BufferList{b1, b2}}
	id := MakeLinkID(0, 1)
	require.NoError(t, reg.Register(Entry{ID: id, Name: "src"}, src, &fakeSink{}))

	list := reg.GetFullBuffers(id, 0)
	require.Len(t, list, 2)
	require.NoError(t, reg.PutEmptyBuffers(id, 0, list))
	assert.Equal(t, BufferList{b1, b2}, src.returned)

	assert.Nil(t, reg.GetFullBuffers(MakeLinkID(0, 5), 0))
}

func TestRegistryConsumerOnlyLink(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	id := MakeLinkID(0, 4)
	require.NoError(t, reg.Register(Entry{ID: id, Name: "sink"}, nil, &fakeSink{}))
	_, err := reg.Lookup(id)
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestRegistrySendCommandAndUnregister(t *testing.T) {
	reg := NewRegistry(testLogger())
	defer reg.Close()

	sink := &fakeSink{}
	id := MakeLinkID(2, 1)
	require.NoError(t, reg.Register(Entry{ID: id, Name: "ipc"}, nil, sink))
	require.NoError(t, reg.SendCommand(id, CmdNewData))

	out, err := reg.Control(context.Background(), id, CmdSetFrameRate, FrameRateParams{InRate: 30, OutRate: 15})
	require.NoError(t, err)
	assert.Equal(t, FrameRateParams{InRate: 30, OutRate: 15}, out)

	reg.Unregister(id)
	assert.ErrorIs(t, reg.SendCommand(id, CmdNewData), ErrLinkNotFound)
	assert.Equal(t, []Cmd{CmdNewData}, sink.posts)
	assert.Empty(t, reg.Links())
}

func TestNotifierDeliversAndCoalesces(t *testing.T) {
	n := NewNotifier()
	defer n.Close()

	id := MakeLinkID(1, 1)
	release := make(chan struct{})
	calls := make(chan struct{}, 16)
	require.NoError(t, n.Register(id, func() {
		calls <- struct{}{}
		<-release
	}))

	// First send wakes the handler, which then blocks; the rest coalesce into one pending ring.
	require.NoError(t, n.Send(id))
	<-calls
	for range 10 {
		require.NoError(t, n.Send(id))
	}
	close(release)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("pending notification was lost")
	}

	sent, coalesced := n.Sent()
	assert.Equal(t, uint64(11), sent)
	assert.Equal(t, uint64(9), coalesced)
	assert.ErrorIs(t, n.Send(MakeLinkID(1, 2)), ErrLinkNotFound)
}

func TestViolationfPanicsWithTypedValue(t *testing.T) {
	defer func() {
		r := recover()
		v, ok := r.(*ProtocolViolation)
		require.True(t, ok)
		assert.Contains(t, v.Error(), "buffer 7")
	}()
	Violationf("buffer %d returned twice", 7)
}

func TestBufferData(t *testing.T) {
	b := &Buffer{Payload: make([]byte, 4)}
	assert.Equal(t, 4, b.SetData([]byte{1, 2, 3, 4, 5}))
	assert.Equal(t, []byte{1, 2, 3, 4}, b.Data())
	b.PayloadSize = 2
	assert.Equal(t, []byte{1, 2}, b.Data())
}
