package ipc

import (
	"errors"
	"fmt"

	"github.com/smazurov/visionlink/internal/system"
)

// MaxInlinePayload is the largest payload copied into a record. Bigger
// payloads travel as an address descriptor.
const MaxInlinePayload = 512

// Record flag layout.
const (
	flagKindMask     = 0xF
	flagChannelShift = 4
	flagChannelMask  = 0xFF << flagChannelShift
	flagSizeShift    = 12
	flagSizeMask     = 0xFFF << flagSizeShift
	flagExternal     = 1 << 24

	// MaxChannel is the highest channel number a record can carry.
	MaxChannel = 0xFF
)

// Record field offsets.
const (
	recOffFlags      = 0
	recOffPayloadLen = 4
	recOffOwner      = 8
	recOffSrcTs      = 16
	recOffLocalTs    = 24
	recOffPrf0       = 32
	recOffPrf1       = 40
	recOffAddr       = 48
	recOffPayload    = 64

	// RecordSize is the size of one record slot.
	RecordSize = recOffPayload + MaxInlinePayload
)

// Errors reported when a buffer cannot be encoded into a record.
var (
	ErrPayloadTooLarge = errors.New("payload exceeds inline record capacity")
	ErrChannelRange    = errors.New("channel number exceeds record range")
	ErrIndexRange      = errors.New("record index out of range")
)

// PackFlags encodes kind, channel and inline payload size into a flags word.
func PackFlags(kind system.BufferKind, ch uint32, inlineSize int, external bool) uint32 {
	f := uint32(kind)&flagKindMask |
		ch<<flagChannelShift&flagChannelMask |
		uint32(inlineSize)<<flagSizeShift&flagSizeMask
	if external {
		f |= flagExternal
	}
	return f
}

// UnpackFlags decodes a flags word.
func UnpackFlags(f uint32) (kind system.BufferKind, ch uint32, inlineSize int, external bool) {
	return system.BufferKind(f & flagKindMask),
		(f & flagChannelMask) >> flagChannelShift,
		int((f & flagSizeMask) >> flagSizeShift),
		f&flagExternal != 0
}

// RecordTable is the arena of N buffer records of a channel.
type RecordTable struct {
	m mem
	n int
}

// RecordTableSize returns the bytes needed for n records.
func RecordTableSize(n int) int {
	return n * RecordSize
}

func newRecordTable(m []byte, n int) (*RecordTable, error) {
	view, err := mem(m).sub(0, RecordTableSize(n))
	if err != nil {
		return nil, fmt.Errorf("record table: %w", err)
	}
	return &RecordTable{m: view, n: n}, nil
}

// Len returns the number of records.
func (t *RecordTable) Len() int {
	return t.n
}

func (t *RecordTable) base(idx uint32) (int, error) {
	if int(idx) >= t.n {
		return 0, fmt.Errorf("index %d of %d: %w", idx, t.n, ErrIndexRange)
	}
	return int(idx) * RecordSize, nil
}

// Store encodes b into record idx. owner is an origin-side handle echoed back
// on release; localTs is the time the record is written.
func (t *RecordTable) Store(idx uint32, b *system.Buffer, owner, localTs uint64) error {
	base, err := t.base(idx)
	if err != nil {
		return err
	}
	if b.Channel > MaxChannel {
		return fmt.Errorf("channel %d: %w", b.Channel, ErrChannelRange)
	}

	external := b.Addr != 0
	inline := 0
	if !external {
		data := b.Data()
		if len(data) > MaxInlinePayload {
			return fmt.Errorf("%d bytes: %w", len(data), ErrPayloadTooLarge)
		}
		t.m.copyIn(base+recOffPayload, data)
		inline = len(data)
	}

	t.m.store32(base+recOffPayloadLen, b.PayloadSize)
	t.m.store64(base+recOffOwner, owner)
	t.m.store64(base+recOffSrcTs, b.SrcTimestamp)
	t.m.store64(base+recOffLocalTs, localTs)
	t.m.store64(base+recOffPrf0, b.ProfilingTimestamps[0])
	t.m.store64(base+recOffPrf1, b.ProfilingTimestamps[1])
	t.m.store64(base+recOffAddr, b.Addr)
	t.m.store32(base+recOffFlags, PackFlags(b.Kind, b.Channel, inline, external))
	return nil
}

// Load decodes record idx into dst. Inline payload bytes are copied into
// dst.Payload. It returns the owner handle stored with the record.
func (t *RecordTable) Load(idx uint32, dst *system.Buffer) (uint64, error) {
	base, err := t.base(idx)
	if err != nil {
		return 0, err
	}

	kind, ch, inline, external := UnpackFlags(t.m.load32(base + recOffFlags))
	dst.Kind = kind
	dst.Channel = ch
	dst.PayloadSize = t.m.load32(base + recOffPayloadLen)
	dst.SrcTimestamp = t.m.load64(base + recOffSrcTs)
	dst.LocalTimestamp = t.m.load64(base + recOffLocalTs)
	dst.ProfilingTimestamps[0] = t.m.load64(base + recOffPrf0)
	dst.ProfilingTimestamps[1] = t.m.load64(base + recOffPrf1)
	dst.OriginIndex = idx
	if external {
		dst.Addr = t.m.load64(base + recOffAddr)
	} else {
		dst.Addr = 0
		n := t.m.copyOut(base+recOffPayload, inline, dst.Payload)
		dst.PayloadSize = uint32(n)
	}
	return t.m.load64(base + recOffOwner), nil
}

// Owner returns the owner handle of record idx.
func (t *RecordTable) Owner(idx uint32) (uint64, error) {
	base, err := t.base(idx)
	if err != nil {
		return 0, err
	}
	return t.m.load64(base + recOffOwner), nil
}

// ClearOwner resets the owner handle of record idx so a stale echo of the
// index cannot release the same buffer twice.
func (t *RecordTable) ClearOwner(idx uint32) {
	if base, err := t.base(idx); err == nil {
		t.m.store64(base+recOffOwner, 0)
	}
}
