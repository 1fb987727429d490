package rategate

import (
	"testing"

	"github.com/smazurov/visionlink/internal/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateThirtyToTenPattern(t *testing.T) {
	g := New(30, 10)

	var pattern []bool
	admitted := 0
	for range 30 {
		ok := g.Admit()
		pattern = append(pattern, ok)
		if ok {
			admitted++
		}
	}

	assert.Equal(t, 10, admitted)
	for i, ok := range pattern {
		assert.Equal(t, i%3 == 2, ok, "candidate %d", i)
	}
}

func TestGateWindowConvergence(t *testing.T) {
	cases := []struct{ in, out uint32 }{
		{30, 10}, {30, 15}, {30, 29}, {25, 7}, {60, 1}, {7, 3}, {30, 30}, {30, 0},
	}
	for _, tc := range cases {
		g := New(tc.in, tc.out)
		history := make([]bool, 0, 10*tc.in)
		for range 10 * tc.in {
			history = append(history, g.Admit())
		}
		for start := 0; start+int(tc.in) <= len(history); start++ {
			n := 0
			for _, ok := range history[start : start+int(tc.in)] {
				if ok {
					n++
				}
			}
			require.Equal(t, int(tc.out), n, "in=%d out=%d window at %d", tc.in, tc.out, start)
		}
	}
}

func TestGateNoBursts(t *testing.T) {
	g := New(30, 20)
	skips := 0
	for range 300 {
		if g.Admit() {
			skips = 0
			continue
		}
		skips++
		assert.LessOrEqual(t, skips, 1)
	}
}

func TestGateResetAdmitsEverything(t *testing.T) {
	g := New(30, 10)
	g.Admit()
	g.Reset(30, 30)
	for range 50 {
		assert.True(t, g.Admit())
	}

	g.Reset(0, 5)
	assert.True(t, g.PassThrough())
	g.Reset(10, 40)
	assert.True(t, g.Admit(), "out rate above in rate clamps to pass-through")
}

func TestSetApply(t *testing.T) {
	s := NewSet(2)
	assert.True(t, s.Admit(0))

	require.NoError(t, s.Apply(system.FrameRateParams{Channel: 1, InRate: 30, OutRate: 10}))
	in, out := s.Rates(1)
	assert.Equal(t, uint32(30), in)
	assert.Equal(t, uint32(10), out)

	assert.ErrorIs(t, s.Apply(system.FrameRateParams{Channel: 5, InRate: 1, OutRate: 1}), system.ErrInvalidParams)

	require.NoError(t, s.Apply(system.FrameRateParams{Channel: system.AllChannels, InRate: 60, OutRate: 30}))
	in, _ = s.Rates(0)
	assert.Equal(t, uint32(60), in)
	assert.True(t, s.Admit(9), "unknown channel passes")

	s.ResetAll()
	in, out = s.Rates(1)
	assert.Equal(t, uint32(DefaultRate), in)
	assert.Equal(t, uint32(DefaultRate), out)
}
