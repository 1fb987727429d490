package system

// BufferKind tags the content carried by a Buffer.
type BufferKind uint8

// Buffer kinds. Values fit in 4 bits so they can be packed into IPC record flags.
const (
	KindVideoFrame BufferKind = iota
	KindBitstream
	KindMetadata
	KindComposite
)

// MaxBuffersInList bounds a single get/put exchange between two links.
const MaxBuffersInList = 64

func (k BufferKind) String() string {
	switch k {
	case KindVideoFrame:
		return "video-frame"
	case KindBitstream:
		return "bitstream"
	case KindMetadata:
		return "metadata"
	case KindComposite:
		return "composite"
	default:
		return "unknown"
	}
}

// Buffer describes one unit of work exchanged between links.
//
// A Buffer never owns Payload: the slice is a window on storage that belongs
// to the pool slot the Buffer was allocated for. Buffers are created when a
// link is created and reused until it is deleted; the *Buffer pointer is the
// handle that moves between queues.
type Buffer struct {
	Kind    BufferKind
	Channel uint32

	// Payload is the inline view of the data. PayloadSize is the number of
	// valid bytes, which may be smaller than len(Payload).
	Payload     []byte
	PayloadSize uint32

	// Addr is an address descriptor for payloads stored outside the buffer
	// record (large frames in a shared carve-out). Zero when unused.
	Addr uint64

	SrcTimestamp        uint64
	LocalTimestamp      uint64
	ProfilingTimestamps [2]uint64

	// OriginIndex is the IPC record index a buffer was received through.
	// Only meaningful on the receiving side of an IPC link pair.
	OriginIndex uint32
}

// Data returns the valid part of the payload.
func (b *Buffer) Data() []byte {
	n := int(b.PayloadSize)
	if n > len(b.Payload) {
		n = len(b.Payload)
	}
	return b.Payload[:n]
}

// SetData copies p into the payload storage and records its size.
// It returns the number of bytes copied.
func (b *Buffer) SetData(p []byte) int {
	n := copy(b.Payload, p)
	b.PayloadSize = uint32(n)
	return n
}

// CopyMeta copies everything except the payload storage from src.
func (b *Buffer) CopyMeta(src *Buffer) {
	b.Kind = src.Kind
	b.Channel = src.Channel
	b.Addr = src.Addr
	b.SrcTimestamp = src.SrcTimestamp
	b.LocalTimestamp = src.LocalTimestamp
	b.ProfilingTimestamps = src.ProfilingTimestamps
}

// BufferList is a batch of buffer handles exchanged in one call.
type BufferList []*Buffer
