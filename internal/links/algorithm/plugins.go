package algorithm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/smazurov/visionlink/internal/system"
)

// Built-in plugin names.
const (
	PluginCopy = "copy"
	PluginCRC  = "crc"
)

// ErrOutputTooSmall is returned when a result does not fit the output buffer.
var ErrOutputTooSmall = fmt.Errorf("output buffer too small: %w", system.ErrInvalidParams)

// copyPlugin forwards the input payload unchanged.
type copyPlugin struct{}

func (p *copyPlugin) Name() string { return PluginCopy }

func (p *copyPlugin) Create(in system.LinkInfo) (system.LinkInfo, error) {
	return in.Clone(), nil
}

func (p *copyPlugin) Process(in, out *system.Buffer) error {
	// Payloads held outside the record travel by descriptor only.
	if in.Addr != 0 {
		out.PayloadSize = in.PayloadSize
		return nil
	}
	data := in.Data()
	if out.SetData(data) < len(data) {
		return fmt.Errorf("%d of %d bytes: %w", len(out.Payload), len(data), ErrOutputTooSmall)
	}
	return nil
}

func (p *copyPlugin) Delete() error { return nil }

const crcSize = 4

// crcPlugin emits the CRC32 (IEEE) of every input payload as a metadata buffer.
type crcPlugin struct{}

func (p *crcPlugin) Name() string { return PluginCRC }

func (p *crcPlugin) Create(in system.LinkInfo) (system.LinkInfo, error) {
	out := system.LinkInfo{Queues: make([]system.QueueInfo, len(in.Queues))}
	for i, q := range in.Queues {
		out.Queues[i].Channels = make([]system.ChannelInfo, len(q.Channels))
		for ch := range q.Channels {
			out.Queues[i].Channels[ch] = system.ChannelInfo{Width: crcSize}
		}
	}
	return out, nil
}

func (p *crcPlugin) Process(in, out *system.Buffer) error {
	if len(out.Payload) < crcSize {
		return ErrOutputTooSmall
	}
	out.Kind = system.KindMetadata
	out.Addr = 0
	binary.LittleEndian.PutUint32(out.Payload, crc32.ChecksumIEEE(in.Data()))
	out.PayloadSize = crcSize
	return nil
}

func (p *crcPlugin) Delete() error { return nil }

func (p *crcPlugin) OutputPayloadSize() int { return crcSize }

// Checksum decodes the value written by the crc plugin.
func Checksum(b *system.Buffer) (uint32, bool) {
	if len(b.Data()) < crcSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b.Data()), true
}
