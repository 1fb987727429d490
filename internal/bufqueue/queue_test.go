package bufqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueBounded(t *testing.T) {
	q := NewQueue[int](3)
	for i := range 3 {
		require.True(t, q.Put(i))
	}
	assert.False(t, q.Put(99), "put beyond capacity must fail")
	assert.Equal(t, 3, q.Len())

	v, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, 0, v)
	assert.Equal(t, []int{1, 2}, q.Drain(0))

	_, ok = q.Get()
	assert.False(t, ok)
	assert.Nil(t, q.Drain(5))
}

func TestQueueDrainLimit(t *testing.T) {
	q := NewQueue[string](8)
	for _, s := range []string{"a", "b", "c", "d"} {
		q.Put(s)
	}
	assert.Equal(t, []string{"a", "b"}, q.Drain(2))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 8, q.Cap())
}
