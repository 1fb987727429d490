package system

import "context"

// Cmd is a link command code.
type Cmd uint32

// Commands understood by every link task.
const (
	CmdCreate Cmd = iota + 1
	CmdStart
	CmdStop
	CmdDelete
	CmdNewData
	CmdPrintStatistics
	CmdSetFrameRate
	CmdResetStatistics
	// CmdRelease asks an IPC producer to drain its return ring.
	CmdRelease

	// CmdCustomBase is the first code available to individual link types.
	CmdCustomBase Cmd = 0x100
)

func (c Cmd) String() string {
	switch c {
	case CmdCreate:
		return "CREATE"
	case CmdStart:
		return "START"
	case CmdStop:
		return "STOP"
	case CmdDelete:
		return "DELETE"
	case CmdNewData:
		return "NEW_DATA"
	case CmdPrintStatistics:
		return "PRINT_STATISTICS"
	case CmdSetFrameRate:
		return "SET_FRAME_RATE"
	case CmdResetStatistics:
		return "RESET_STATISTICS"
	case CmdRelease:
		return "RELEASE"
	default:
		if c >= CmdCustomBase {
			return "CUSTOM"
		}
		return "UNKNOWN"
	}
}

// AllChannels applies a per-channel control to every channel of a link.
const AllChannels uint32 = 0xFFFFFFFF

// FrameRateParams carries the out-of-band set-frame-rate control.
type FrameRateParams struct {
	Channel uint32 `json:"channel"`
	InRate  uint32 `json:"in_rate"`
	OutRate uint32 `json:"out_rate"`
}

// CommandSink receives commands on behalf of a link.
type CommandSink interface {
	// Post queues a command without waiting. NEW_DATA and RELEASE are coalesced.
	Post(cmd Cmd) error
	// Control sends a command and waits for the link to acknowledge it.
	Control(ctx context.Context, cmd Cmd, params any) (any, error)
}
