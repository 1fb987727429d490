package pipeline

import (
	"fmt"
	"slices"
	"time"

	"github.com/smazurov/visionlink/internal/ipc"
	"github.com/smazurov/visionlink/internal/link"
	"github.com/smazurov/visionlink/internal/links/algorithm"
	"github.com/smazurov/visionlink/internal/links/gate"
	"github.com/smazurov/visionlink/internal/links/ipcin"
	"github.com/smazurov/visionlink/internal/links/ipcout"
	"github.com/smazurov/visionlink/internal/links/merge"
	"github.com/smazurov/visionlink/internal/links/null"
	"github.com/smazurov/visionlink/internal/links/nullsrc"
	"github.com/smazurov/visionlink/internal/links/rtpout"
	"github.com/smazurov/visionlink/internal/links/selector"
	"github.com/smazurov/visionlink/internal/system"
)

// Types returns the link types the factory can build.
func Types() []string {
	return []string{TypeNullSrc, TypeNull, TypeAlgorithm, TypeGate, TypeIPCOut, TypeIPCIn, TypeRTPOut, TypeMerge, TypeSelect}
}

// AssignIDs numbers links per processor in file order.
func AssignIDs(d *Description) map[string]system.LinkID {
	ids := make(map[string]system.LinkID, len(d.Links))
	next := make(map[uint8]uint32)
	for _, s := range d.Links {
		ids[s.Name] = system.MakeLinkID(system.ProcID(s.Proc), next[s.Proc])
		next[s.Proc]++
	}
	return ids
}

type factory struct {
	desc         *Description
	ids          map[string]system.LinkID
	area         *ipc.Area
	plugins      *algorithm.PluginRegistry
	drainTimeout time.Duration
}

func (f *factory) id(name string) system.LinkID {
	if id, ok := f.ids[name]; ok {
		return id
	}
	return system.InvalidLinkID
}

func (f *factory) input(s LinkSpec) system.InQueueParams {
	return system.InQueueParams{PrevLinkID: f.id(s.Input), PrevQueueID: s.InputQueue}
}

// driver builds the driver of s. Validate has run on the description.
func (f *factory) driver(s LinkSpec) (link.Driver, error) {
	next := f.id(f.desc.Next(s.Name))

	switch s.Type {
	case TypeNullSrc:
		return nullsrc.New(nullsrc.Params{
			Channels:          s.Channels,
			BuffersPerChannel: s.BuffersPerChannel,
			PayloadSize:       s.PayloadSize,
			Interval:          s.Interval(),
			Kind:              system.KindVideoFrame,
			Next:              next,
		}), nil

	case TypeNull:
		return null.New(null.Params{Input: f.input(s), Hold: s.Hold}), nil

	case TypeAlgorithm:
		if !slices.Contains(f.plugins.Names(), s.Plugin) {
			return nil, fmt.Errorf("%w: link %q: unknown plugin %q", ErrInvalidDescription, s.Name, s.Plugin)
		}
		return algorithm.New(algorithm.Params{
			Input:             f.input(s),
			Next:              next,
			Plugin:            s.Plugin,
			Plugins:           f.plugins,
			BuffersPerChannel: s.BuffersPerChannel,
			PayloadSize:       s.PayloadSize,
		}), nil

	case TypeGate:
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		return gate.New(gate.Params{Input: f.input(s), Next: next, Enabled: enabled}), nil

	case TypeIPCOut:
		return ipcout.New(ipcout.Params{
			Input:        f.input(s),
			Next:         next,
			Area:         f.area,
			Records:      s.Records,
			DrainTimeout: f.drainTimeout,
		}), nil

	case TypeIPCIn:
		return ipcin.New(ipcin.Params{
			Prev: f.id(s.Input),
			Next: next,
			Area: f.area,
		}), nil

	case TypeMerge:
		inputs := make([]system.InQueueParams, 0, len(s.Inputs))
		for _, ref := range s.Inputs {
			inputs = append(inputs, system.InQueueParams{PrevLinkID: f.id(ref.Link), PrevQueueID: ref.Queue})
		}
		return merge.New(merge.Params{Inputs: inputs, Next: next}), nil

	case TypeSelect:
		outputs := make([]selector.Output, 0, len(s.Outputs))
		for q, chans := range s.Outputs {
			outputs = append(outputs, selector.Output{
				Next:     f.id(f.desc.NextOn(s.Name, uint16(q))),
				Channels: chans,
			})
		}
		return selector.New(selector.Params{Input: f.input(s), Outputs: outputs}), nil

	case TypeRTPOut:
		return rtpout.New(rtpout.Params{
			Input:       f.input(s),
			Addr:        s.Addr,
			PayloadType: s.PayloadType,
			MTU:         s.MTU,
			SSRC:        s.SSRC,
		}), nil
	}
	return nil, fmt.Errorf("%w: unknown link type %q", ErrInvalidDescription, s.Type)
}
