package bufqueue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/smazurov/visionlink/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(n int) *Pool {
	return NewPool("test", Allocate(n, 16, system.KindVideoFrame))
}

func assertConserved(t *testing.T, p *Pool) {
	t.Helper()
	c := p.Counts()
	assert.Equal(t, c.Total, c.Empty+c.Producing+c.Full+c.CheckedOut, "counts %+v", c)
}

func TestPoolFillPullPartialRelease(t *testing.T) {
	p := newTestPool(4)

	for range 4 {
		b, ok := p.GetEmpty()
		require.True(t, ok)
		p.PutFull(b)
	}
	_, ok := p.GetEmpty()
	assert.False(t, ok, "exhausted pool reports backpressure")

	list := p.GetFull(0)
	require.Len(t, list, 4)

	p.PutEmpty(list[:2])

	c := p.Counts()
	assert.Equal(t, 2, c.Empty)
	assert.Equal(t, 0, c.Full)
	assert.Equal(t, 2, c.CheckedOut)
	assertConserved(t, p)
}

func TestPoolFIFOOrder(t *testing.T) {
	p := newTestPool(6)
	for i := range 6 {
		b, ok := p.GetEmpty()
		require.True(t, ok)
		b.SrcTimestamp = uint64(i)
		p.PutFull(b)
	}

	var seen []uint64
	for _, b := range p.GetFull(4) {
		seen = append(seen, b.SrcTimestamp)
	}
	for _, b := range p.GetFull(0) {
		seen = append(seen, b.SrcTimestamp)
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, seen)
}

func TestPoolRejectsForeignBuffer(t *testing.T) {
	p := newTestPool(2)
	foreign := &system.Buffer{}

	assert.PanicsWithError(t, "protocol violation: pool test: buffer "+fmt.Sprintf("%p", foreign)+" does not belong to this pool", func() {
		p.PutEmpty(system.BufferList{foreign})
	})
}

func TestPoolRejectsDoubleRelease(t *testing.T) {
	p := newTestPool(2)
	b, _ := p.GetEmpty()
	p.PutFull(b)
	list := p.GetFull(0)
	p.PutEmpty(list)

	defer func() {
		r := recover()
		_, ok := r.(*system.ProtocolViolation)
		assert.True(t, ok, "expected protocol violation, got %v", r)
	}()
	p.PutEmpty(list)
}

func TestPoolRejectsPutFullOfUnownedHandle(t *testing.T) {
	p := newTestPool(2)
	b, _ := p.GetEmpty()
	p.PutFull(b)

	assert.Panics(t, func() { p.PutFull(b) }, "buffer already full")
}

func TestPoolReturnEmptyAndReclaim(t *testing.T) {
	p := newTestPool(3)
	b1, _ := p.GetEmpty()
	b2, _ := p.GetEmpty()
	p.ReturnEmpty(b1)
	p.PutFull(b2)

	assert.Equal(t, 1, p.Reclaim())
	c := p.Counts()
	assert.Equal(t, 3, c.Empty)
	assertConserved(t, p)
}

func TestPoolConservationUnderConcurrency(t *testing.T) {
	p := newTestPool(8)
	const rounds = 2000

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range rounds {
			if b, ok := p.GetEmpty(); ok {
				p.PutFull(b)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				p.PutEmpty(p.GetFull(0))
				return
			default:
				p.PutEmpty(p.GetFull(3))
			}
		}
	}()

	for range 200 {
		assertConserved(t, p)
	}
	close(stop)
	wg.Wait()

	assertConserved(t, p)
	assert.Equal(t, 0, p.Counts().CheckedOut)
}
