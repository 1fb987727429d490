package ipc

import (
	"testing"

	"github.com/smazurov/visionlink/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, n int) *Channel {
	t.Helper()
	ch, err := NewChannel(NewHeapRegion(ChannelSize(n)).Bytes(), n)
	require.NoError(t, err)
	return ch
}

func TestFlagsLayout(t *testing.T) {
	f := PackFlags(system.KindMetadata, 0x5A, 0x123, true)
	assert.Equal(t, uint32(system.KindMetadata), f&0xF)
	assert.Equal(t, uint32(0x5A), (f&0xFF0)>>4)
	assert.Equal(t, uint32(0x123), (f&0xFFF000)>>12)

	kind, ch, size, ext := UnpackFlags(f)
	assert.Equal(t, system.KindMetadata, kind)
	assert.Equal(t, uint32(0x5A), ch)
	assert.Equal(t, 0x123, size)
	assert.True(t, ext)
}

func TestRecordInlinePayload(t *testing.T) {
	ch := newTestChannel(t, 4)
	src := &system.Buffer{
		Kind:                system.KindBitstream,
		Channel:             3,
		Payload:             []byte("hello frame"),
		PayloadSize:         5,
		SrcTimestamp:        1000,
		ProfilingTimestamps: [2]uint64{1, 2},
	}
	require.NoError(t, ch.Records.Store(2, src, 99, 1500))

	dst := &system.Buffer{Payload: make([]byte, MaxInlinePayload)}
	owner, err := ch.Records.Load(2, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), owner)
	assert.Equal(t, []byte("hello"), dst.Data())
	assert.Equal(t, uint32(3), dst.Channel)
	assert.Equal(t, system.KindBitstream, dst.Kind)
	assert.Equal(t, uint64(1000), dst.SrcTimestamp)
	assert.Equal(t, uint64(1500), dst.LocalTimestamp)
	assert.Equal(t, [2]uint64{1, 2}, dst.ProfilingTimestamps)
	assert.Equal(t, uint32(2), dst.OriginIndex)
	assert.Zero(t, dst.Addr)
}

func TestRecordExternalPayload(t *testing.T) {
	ch := newTestChannel(t, 2)
	src := &system.Buffer{Kind: system.KindVideoFrame, Addr: 0xA0000000, PayloadSize: 1 << 20}
	require.NoError(t, ch.Records.Store(0, src, 1, 1))

	dst := &system.Buffer{Payload: make([]byte, 8)}
	_, err := ch.Records.Load(0, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xA0000000), dst.Addr)
	assert.Equal(t, uint32(1<<20), dst.PayloadSize)
}

func TestRecordRejectsUnencodableBuffers(t *testing.T) {
	ch := newTestChannel(t, 2)

	big := &system.Buffer{Payload: make([]byte, MaxInlinePayload+1), PayloadSize: MaxInlinePayload + 1}
	assert.ErrorIs(t, ch.Records.Store(0, big, 1, 1), ErrPayloadTooLarge)

	wide := &system.Buffer{Channel: MaxChannel + 1}
	assert.ErrorIs(t, ch.Records.Store(0, wide, 1, 1), ErrChannelRange)

	assert.ErrorIs(t, ch.Records.Store(2, &system.Buffer{}, 1, 1), ErrIndexRange)
	_, err := ch.Records.Owner(5)
	assert.ErrorIs(t, err, ErrIndexRange)
}

func TestChannelAttachSeesProducerState(t *testing.T) {
	region := NewHeapRegion(ChannelSize(4))
	a, err := NewChannel(region.Bytes(), 4)
	require.NoError(t, err)
	b, err := AttachChannel(region.Bytes())
	require.NoError(t, err)

	require.NoError(t, a.Records.Store(1, &system.Buffer{Channel: 1}, 42, 7))
	require.True(t, a.Forward.Write(1))

	idx, ok := b.Forward.Read()
	require.True(t, ok)
	owner, err := b.Records.Owner(idx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), owner)

	a.MarkClosing()
	assert.True(t, b.Closing())
	assert.Equal(t, 4, b.Len())
}
