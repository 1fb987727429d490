package pipeline

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/visionlink/internal/links/merge"
	"github.com/smazurov/visionlink/internal/links/selector"
	"github.com/smazurov/visionlink/internal/system"
)

// Link types understood by the factory.
const (
	TypeNullSrc   = "nullsrc"
	TypeNull      = "null"
	TypeAlgorithm = "algorithm"
	TypeGate      = "gate"
	TypeIPCOut    = "ipcout"
	TypeIPCIn     = "ipcin"
	TypeRTPOut    = "rtpout"
	TypeMerge     = "merge"
	TypeSelect    = "select"
)

// ErrInvalidDescription is returned for pipeline files that cannot be built.
var ErrInvalidDescription = errors.New("invalid pipeline description")

// FrameRate is a frame-rate setting applied after START and on reload.
// A nil Channel applies to every channel.
type FrameRate struct {
	Channel *uint32 `toml:"channel,omitempty" json:"channel,omitempty"`
	InRate  uint32  `toml:"in_rate" json:"in_rate"`
	OutRate uint32  `toml:"out_rate" json:"out_rate"`
}

// Params converts the entry to control parameters.
func (f FrameRate) Params() system.FrameRateParams {
	ch := system.AllChannels
	if f.Channel != nil {
		ch = *f.Channel
	}
	return system.FrameRateParams{Channel: ch, InRate: f.InRate, OutRate: f.OutRate}
}

// InputRef names one upstream queue.
type InputRef struct {
	Link  string `toml:"link" json:"link"`
	Queue uint16 `toml:"queue,omitempty" json:"queue,omitempty"`
}

// LinkSpec describes one link. Fields that do not apply to Type are ignored.
type LinkSpec struct {
	Name string `toml:"name" json:"name"`
	Type string `toml:"type" json:"type"`
	// Proc is the processor the link runs on; links on different processors
	// can only be joined through an ipcout/ipcin pair.
	Proc uint8 `toml:"proc" json:"proc"`
	// CPU pins the link task when set.
	CPU *int `toml:"cpu,omitempty" json:"cpu,omitempty"`
	// Input names the upstream link. Sources have none.
	Input      string `toml:"input,omitempty" json:"input,omitempty"`
	InputQueue uint16 `toml:"input_queue,omitempty" json:"input_queue,omitempty"`
	// Inputs lists the upstream queues of a merge link in channel order.
	Inputs []InputRef `toml:"inputs,omitempty" json:"inputs,omitempty"`
	// Outputs lists, per output queue of a select link, the input channels
	// the queue carries.
	Outputs [][]uint32 `toml:"outputs,omitempty" json:"outputs,omitempty"`

	Channels          int    `toml:"channels,omitempty" json:"channels,omitempty"`
	BuffersPerChannel int    `toml:"buffers_per_channel,omitempty" json:"buffers_per_channel,omitempty"`
	PayloadSize       int    `toml:"payload_size,omitempty" json:"payload_size,omitempty"`
	IntervalMs        int    `toml:"interval_ms,omitempty" json:"interval_ms,omitempty"`
	Hold              int    `toml:"hold,omitempty" json:"hold,omitempty"`
	Plugin            string `toml:"plugin,omitempty" json:"plugin,omitempty"`
	Enabled           *bool  `toml:"enabled,omitempty" json:"enabled,omitempty"`
	Records           int    `toml:"records,omitempty" json:"records,omitempty"`

	// Addr is the UDP destination of an rtpout link.
	Addr        string `toml:"addr,omitempty" json:"addr,omitempty"`
	PayloadType uint8  `toml:"payload_type,omitempty" json:"payload_type,omitempty"`
	MTU         int    `toml:"mtu,omitempty" json:"mtu,omitempty"`
	SSRC        uint32 `toml:"ssrc,omitempty" json:"ssrc,omitempty"`

	FrameRates []FrameRate `toml:"frame_rate,omitempty" json:"frame_rate,omitempty"`
}

// Sources returns the upstream queues the link reads.
func (s LinkSpec) Sources() []InputRef {
	if s.Type == TypeMerge {
		return s.Inputs
	}
	if s.Input == "" {
		return nil
	}
	return []InputRef{{Link: s.Input, Queue: s.InputQueue}}
}

// Upstream returns the names of the links s reads.
func (s LinkSpec) Upstream() []string {
	var names []string
	for _, ref := range s.Sources() {
		names = append(names, ref.Link)
	}
	return names
}

// NumQueues returns how many output queues the link publishes.
func (s LinkSpec) NumQueues() int {
	switch s.Type {
	case TypeSelect:
		return len(s.Outputs)
	case TypeNull, TypeRTPOut:
		return 0
	}
	return 1
}

// Interval returns the source tick interval.
func (s LinkSpec) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// Description is a parsed pipeline file. Links are listed upstream first.
type Description struct {
	Name  string     `toml:"name" json:"name"`
	Links []LinkSpec `toml:"links" json:"links"`
}

// LoadFile reads and validates a pipeline description.
func LoadFile(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a pipeline description.
func Parse(data []byte) (*Description, error) {
	var d Description
	if err := toml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDescription, fmt.Sprintf(format, args...))
}

// Validate checks names, types and wiring.
func (d *Description) Validate() error {
	if len(d.Links) == 0 {
		return invalid("no links")
	}

	index := make(map[string]int, len(d.Links))
	consumers := make(map[InputRef]string, len(d.Links))
	for i, s := range d.Links {
		if s.Name == "" {
			return invalid("link %d has no name", i)
		}
		if _, dup := index[s.Name]; dup {
			return invalid("duplicate link name %q", s.Name)
		}
		if !slices.Contains(Types(), s.Type) {
			return invalid("link %q has unknown type %q", s.Name, s.Type)
		}
		if system.ProcID(s.Proc) > system.MaxProcID {
			return invalid("link %q: proc %d out of range", s.Name, s.Proc)
		}
		if err := validateShape(s); err != nil {
			return err
		}

		for _, ref := range s.Sources() {
			up, ok := index[ref.Link]
			if !ok {
				return invalid("link %q: input %q must name an earlier link", s.Name, ref.Link)
			}
			if other, taken := consumers[ref]; taken {
				return invalid("link %q queue %d already feeds %q, cannot also feed %q", ref.Link, ref.Queue, other, s.Name)
			}
			consumers[ref] = s.Name

			upstream := d.Links[up]
			if (s.Type == TypeIPCIn) != (upstream.Type == TypeIPCOut) {
				return invalid("link %q: ipcout must feed exactly one ipcin", s.Name)
			}
			if s.Type != TypeIPCIn && upstream.Proc != s.Proc {
				return invalid("link %q on proc %d reads %q on proc %d without an ipc pair", s.Name, s.Proc, upstream.Name, upstream.Proc)
			}
			if int(ref.Queue) >= upstream.NumQueues() {
				return invalid("link %q: input queue %d of %q does not exist", s.Name, ref.Queue, ref.Link)
			}
		}

		if s.Type == TypeRTPOut && s.Addr == "" {
			return invalid("rtpout %q needs an addr", s.Name)
		}
		if len(s.FrameRates) > 0 && !supportsFrameRate(s.Type) {
			return invalid("link %q of type %s has no frame-rate gates", s.Name, s.Type)
		}
		for _, fr := range s.FrameRates {
			if fr.InRate == 0 || fr.OutRate == 0 {
				return invalid("link %q: frame rates must be positive", s.Name)
			}
		}
		index[s.Name] = i
	}

	for _, s := range d.Links {
		if s.Type == TypeIPCOut {
			if _, ok := consumers[InputRef{Link: s.Name}]; !ok {
				return invalid("ipcout %q has no ipcin", s.Name)
			}
		}
	}
	return nil
}

// validateShape checks the input and output fields that depend on the type.
func validateShape(s LinkSpec) error {
	switch s.Type {
	case TypeNullSrc:
		if s.Input != "" || len(s.Inputs) > 0 {
			return invalid("source %q cannot have an input", s.Name)
		}
	case TypeMerge:
		if s.Input != "" {
			return invalid("merge %q lists its upstream queues in inputs", s.Name)
		}
		if len(s.Inputs) == 0 || len(s.Inputs) > merge.MaxInputs {
			return invalid("merge %q needs 1 to %d inputs", s.Name, merge.MaxInputs)
		}
	default:
		if len(s.Inputs) > 0 {
			return invalid("link %q of type %s takes a single input", s.Name, s.Type)
		}
		if s.Input == "" {
			return invalid("link %q: input %q must name an earlier link", s.Name, s.Input)
		}
	}

	if s.Type != TypeSelect {
		if len(s.Outputs) > 0 {
			return invalid("link %q of type %s has a single output queue", s.Name, s.Type)
		}
		return nil
	}
	if len(s.Outputs) == 0 || len(s.Outputs) > selector.MaxOutputs {
		return invalid("select %q needs 1 to %d outputs", s.Name, selector.MaxOutputs)
	}
	for q, chans := range s.Outputs {
		if len(chans) == 0 {
			return invalid("select %q: output %d carries no channels", s.Name, q)
		}
	}
	return nil
}

// NextOn returns the name of the link consuming queue q of name, or "".
func (d *Description) NextOn(name string, q uint16) string {
	if name == "" {
		return ""
	}
	for _, s := range d.Links {
		for _, ref := range s.Sources() {
			if ref.Link == name && ref.Queue == q {
				return s.Name
			}
		}
	}
	return ""
}

// Next returns the name of the link consuming queue 0 of name, or "".
func (d *Description) Next(name string) string {
	return d.NextOn(name, 0)
}

// Consumers returns the links reading any queue of name, in queue order.
func (d *Description) Consumers(name string) []string {
	s, ok := d.Link(name)
	if !ok {
		return nil
	}
	var out []string
	for q := range s.NumQueues() {
		if next := d.NextOn(name, uint16(q)); next != "" && !slices.Contains(out, next) {
			out = append(out, next)
		}
	}
	return out
}

// Link returns the spec of the named link.
func (d *Description) Link(name string) (LinkSpec, bool) {
	for _, s := range d.Links {
		if s.Name == name {
			return s, true
		}
	}
	return LinkSpec{}, false
}

// SameTopology reports whether other has the same links wired the same way.
// Frame rates are ignored.
func (d *Description) SameTopology(other *Description) bool {
	if len(d.Links) != len(other.Links) {
		return false
	}
	for i := range d.Links {
		a, b := d.Links[i], other.Links[i]
		a.FrameRates, b.FrameRates = nil, nil
		if !sameSpec(a, b) {
			return false
		}
	}
	return true
}

func sameSpec(a, b LinkSpec) bool {
	return a.Name == b.Name && a.Type == b.Type && a.Proc == b.Proc &&
		a.Input == b.Input && a.InputQueue == b.InputQueue &&
		a.Channels == b.Channels && a.BuffersPerChannel == b.BuffersPerChannel &&
		a.PayloadSize == b.PayloadSize && a.IntervalMs == b.IntervalMs &&
		a.Hold == b.Hold && a.Plugin == b.Plugin && a.Records == b.Records &&
		a.Addr == b.Addr && a.PayloadType == b.PayloadType && a.MTU == b.MTU && a.SSRC == b.SSRC &&
		slices.Equal(a.Inputs, b.Inputs) &&
		slices.EqualFunc(a.Outputs, b.Outputs, func(x, y []uint32) bool { return slices.Equal(x, y) }) &&
		equalPtr(a.CPU, b.CPU) && equalPtr(a.Enabled, b.Enabled)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func supportsFrameRate(typ string) bool {
	switch typ {
	case TypeNullSrc, TypeAlgorithm, TypeIPCOut, TypeIPCIn:
		return true
	}
	return false
}
