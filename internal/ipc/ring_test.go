package ipc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T, capacity int) *IndexRing {
	t.Helper()
	r, err := NewIndexRing(NewHeapRegion(RingSize(capacity)).Bytes(), capacity)
	require.NoError(t, err)
	return r
}

func TestRingHoldsExactlyCapacity(t *testing.T) {
	r := newTestRing(t, 8)
	for i := range uint32(8) {
		require.True(t, r.Write(i), "write %d", i)
	}
	assert.False(t, r.Write(8), "ninth write must be rejected")
	assert.Equal(t, 8, r.Len())

	for i := range uint32(8) {
		v, ok := r.Read()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.Read()
	assert.False(t, ok)
	assert.True(t, r.Empty())
}

func TestRingCountersWrap(t *testing.T) {
	r := newTestRing(t, 3)
	// Push the free-running counters close to overflow.
	r.m.store32(ringOffWrite, ^uint32(0)-1)
	r.m.store32(ringOffRead, ^uint32(0)-1)

	for round := range uint32(10) {
		require.True(t, r.Write(round))
		require.True(t, r.Write(round+100))
		v, ok := r.Read()
		require.True(t, ok)
		assert.Equal(t, round, v)
		v, ok = r.Read()
		require.True(t, ok)
		assert.Equal(t, round+100, v)
	}
	assert.Equal(t, 0, r.Len())
}

func TestRingAttachSharesState(t *testing.T) {
	region := NewHeapRegion(RingSize(4))
	producer, err := NewIndexRing(region.Bytes(), 4)
	require.NoError(t, err)
	consumer, err := AttachIndexRing(region.Bytes())
	require.NoError(t, err)

	require.True(t, producer.Write(7))
	v, ok := consumer.Read()
	require.True(t, ok)
	assert.Equal(t, uint32(7), v)
	assert.Equal(t, 0, producer.Len())

	_, err = AttachIndexRing(NewHeapRegion(RingSize(4)).Bytes())
	assert.ErrorIs(t, err, ErrBadRing)
}

func TestRingConcurrentSPSCPreservesOrder(t *testing.T) {
	r := newTestRing(t, 8)
	const total = 20000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(0); i < total; {
			if r.Write(i) {
				i++
			}
		}
	}()

	next := uint32(0)
	for next < total {
		if v, ok := r.Read(); ok {
			require.Equal(t, next, v)
			next++
		}
	}
	wg.Wait()
}
