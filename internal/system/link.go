package system

import "fmt"

// ProcID identifies the core a link executes on.
type ProcID uint8

const (
	procShift = 28
	instMask  = 1<<procShift - 1
)

// MaxProcID is the highest processor id a LinkID can carry.
const MaxProcID ProcID = 0xF

// LinkID identifies a link. The top four bits carry the processor id,
// the remaining bits the instance number on that processor.
type LinkID uint32

// InvalidLinkID marks an unset link reference.
const InvalidLinkID LinkID = 0xFFFFFFFF

// MakeLinkID builds a link id from a processor id and an instance number.
func MakeLinkID(proc ProcID, inst uint32) LinkID {
	return LinkID(uint32(proc&0xF)<<procShift | inst&instMask)
}

// Proc returns the processor the link runs on.
func (id LinkID) Proc() ProcID {
	return ProcID(uint32(id) >> procShift)
}

// Instance returns the per-processor instance number.
func (id LinkID) Instance() uint32 {
	return uint32(id) & instMask
}

func (id LinkID) String() string {
	if id == InvalidLinkID {
		return "invalid"
	}
	return fmt.Sprintf("%d/%d", id.Proc(), id.Instance())
}

// ChannelInfo is the format published by a producer for one channel.
// The core never interprets it.
type ChannelInfo struct {
	Width      uint32    `json:"width" toml:"width"`
	Height     uint32    `json:"height" toml:"height"`
	Pitch      [3]uint32 `json:"pitch" toml:"pitch"`
	DataFormat uint32    `json:"data_format" toml:"data_format"`
	ScanFormat uint32    `json:"scan_format" toml:"scan_format"`
	Flags      uint32    `json:"flags" toml:"flags"`
}

// QueueInfo describes one output queue.
type QueueInfo struct {
	Channels []ChannelInfo `json:"channels"`
}

// NumChannels returns the number of channels multiplexed on the queue.
func (q QueueInfo) NumChannels() int {
	return len(q.Channels)
}

// LinkInfo describes all output queues of a link.
type LinkInfo struct {
	Queues []QueueInfo `json:"queues"`
}

// NumQueues returns the number of output queues.
func (l LinkInfo) NumQueues() int {
	return len(l.Queues)
}

// Queue returns the info for queue id, or an error if it does not exist.
func (l LinkInfo) Queue(id uint16) (QueueInfo, error) {
	if int(id) >= len(l.Queues) {
		return QueueInfo{}, fmt.Errorf("queue %d of %d: %w", id, len(l.Queues), ErrQueueNotFound)
	}
	return l.Queues[id], nil
}

// Clone returns a deep copy so callers can keep it past the producer's lifetime.
func (l LinkInfo) Clone() LinkInfo {
	out := LinkInfo{Queues: make([]QueueInfo, len(l.Queues))}
	for i, q := range l.Queues {
		out.Queues[i].Channels = append([]ChannelInfo(nil), q.Channels...)
	}
	return out
}

// InQueueParams binds a consumer input to a producer output.
type InQueueParams struct {
	PrevLinkID  LinkID `json:"prev_link_id"`
	PrevQueueID uint16 `json:"prev_queue_id"`
}

// Link is implemented by every stage that produces buffers for a neighbor.
// All methods are called from the consumer's goroutine and must not block.
type Link interface {
	// GetFullBuffers drains the ready buffers of queueID. An empty result
	// is not an error.
	GetFullBuffers(queueID uint16) BufferList
	// PutEmptyBuffers returns buffers previously obtained from GetFullBuffers.
	PutEmptyBuffers(queueID uint16, list BufferList) error
	// LinkInfo returns the static format published by the producer.
	LinkInfo() (LinkInfo, error)
}
