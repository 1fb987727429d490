// Package rategate shapes per-channel buffer rates.
//
// A Gate is a Bresenham-style accumulator: for every candidate buffer the
// phase advances by OutRate modulo InRate and the buffer is admitted when the
// phase falls below OutRate. Over any InRate consecutive candidates exactly
// OutRate are admitted, spread as evenly as possible.
package rategate

import "github.com/smazurov/visionlink/internal/system"

// DefaultRate is used for both rates until a link is told otherwise.
const DefaultRate = 30

// Gate is the rate state of one channel. It is not safe for concurrent use;
// each gate is owned by the link task that consults it.
type Gate struct {
	phase   int64
	inRate  uint32
	outRate uint32
}

// New returns a gate admitting outRate of every inRate candidates.
func New(inRate, outRate uint32) Gate {
	g := Gate{}
	g.Reset(inRate, outRate)
	return g
}

// Reset changes the rates and restarts the accumulator.
func (g *Gate) Reset(inRate, outRate uint32) {
	g.phase = 0
	g.inRate = inRate
	g.outRate = outRate
}

// Rates returns the configured input and output rates.
func (g *Gate) Rates() (inRate, outRate uint32) {
	return g.inRate, g.outRate
}

// PassThrough reports whether every candidate is admitted.
func (g *Gate) PassThrough() bool {
	return g.inRate == 0 || g.outRate >= g.inRate
}

// Admit advances the gate by one candidate and reports whether it passes.
func (g *Gate) Admit() bool {
	if g.PassThrough() {
		return true
	}
	g.phase = (g.phase + int64(g.outRate)) % int64(g.inRate)
	return g.phase < int64(g.outRate)
}

// Set holds one gate per channel.
type Set struct {
	gates []Gate
}

// NewSet creates numCh pass-through gates at DefaultRate.
func NewSet(numCh int) *Set {
	s := &Set{gates: make([]Gate, numCh)}
	s.ResetAll()
	return s
}

// ResetAll returns every channel to pass-through.
func (s *Set) ResetAll() {
	for i := range s.gates {
		s.gates[i].Reset(DefaultRate, DefaultRate)
	}
}

// Len returns the number of channels.
func (s *Set) Len() int {
	return len(s.gates)
}

// Admit consults the gate of channel ch. Unknown channels are admitted.
func (s *Set) Admit(ch uint32) bool {
	if int(ch) >= len(s.gates) {
		return true
	}
	return s.gates[ch].Admit()
}

// Apply installs new rates from a set-frame-rate control.
func (s *Set) Apply(p system.FrameRateParams) error {
	if p.Channel == system.AllChannels {
		for i := range s.gates {
			s.gates[i].Reset(p.InRate, p.OutRate)
		}
		return nil
	}
	if int(p.Channel) >= len(s.gates) {
		return system.ErrInvalidParams
	}
	s.gates[p.Channel].Reset(p.InRate, p.OutRate)
	return nil
}

// Rates returns the configured rates of channel ch.
func (s *Set) Rates(ch uint32) (inRate, outRate uint32) {
	if int(ch) >= len(s.gates) {
		return 0, 0
	}
	return s.gates[ch].Rates()
}
