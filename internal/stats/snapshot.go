package stats

import (
	"log/slog"
	"time"
)

// LatencySnapshot is the aggregate of a latency span in microseconds.
type LatencySnapshot struct {
	Count uint64 `json:"count" doc:"Number of samples"`
	Min   uint64 `json:"min_us" doc:"Minimum latency in microseconds"`
	Avg   uint64 `json:"avg_us" doc:"Average latency in microseconds"`
	Max   uint64 `json:"max_us" doc:"Maximum latency in microseconds"`
}

// ChannelSnapshot is a copy of the counters of one channel.
type ChannelSnapshot struct {
	Channel            uint32  `json:"channel" doc:"Channel number"`
	InRecv             uint64  `json:"in_recv" doc:"Buffers received"`
	InDropBackpressure uint64  `json:"in_drop_backpressure" doc:"Buffers dropped because no output buffer was free"`
	InDropRateGate     uint64  `json:"in_drop_rate_gate" doc:"Buffers skipped by the frame-rate gate"`
	InProcessed        uint64  `json:"in_processed" doc:"Buffers processed"`
	OutCount           uint64  `json:"out_count" doc:"Buffers sent downstream"`
	OutDrop            uint64  `json:"out_drop" doc:"Output buffers dropped"`
	InFPS              float64 `json:"in_fps" doc:"Receive rate since last reset"`
	OutFPS             float64 `json:"out_fps" doc:"Output rate since last reset"`
}

// Snapshot is a copy of the statistics block of one link.
type Snapshot struct {
	Link           string            `json:"link" doc:"Link name"`
	Elapsed        time.Duration     `json:"elapsed_ns" doc:"Time since the last reset"`
	NewDataCmds    uint64            `json:"new_data_cmds" doc:"NEW_DATA batches handled"`
	ReleaseCmds    uint64            `json:"release_cmds" doc:"Release batches handled"`
	GetFullCalls   uint64            `json:"get_full_calls" doc:"Calls to get full buffers"`
	PutEmptyCalls  uint64            `json:"put_empty_calls" doc:"Calls to put empty buffers"`
	NotifyEvents   uint64            `json:"notify_events" doc:"Doorbell notifications received"`
	InBufErrors    uint64            `json:"in_buf_errors" doc:"Input buffers that could not be handled"`
	ForcedReclaims uint64            `json:"forced_reclaims" doc:"IPC indices reclaimed without a release"`
	LocalLatency   LatencySnapshot   `json:"local_latency" doc:"Latency from local arrival"`
	SrcToLink      LatencySnapshot   `json:"src_to_link_latency" doc:"Latency from source capture"`
	IPCLatency     LatencySnapshot   `json:"ipc_latency" doc:"Latency across the IPC boundary"`
	Channels       []ChannelSnapshot `json:"channels" doc:"Per-channel counters"`
}

// Totals sums the channel counters.
func (s Snapshot) Totals() ChannelSnapshot {
	var t ChannelSnapshot
	for _, c := range s.Channels {
		t.InRecv += c.InRecv
		t.InDropBackpressure += c.InDropBackpressure
		t.InDropRateGate += c.InDropRateGate
		t.InProcessed += c.InProcessed
		t.OutCount += c.OutCount
		t.OutDrop += c.OutDrop
		t.InFPS += c.InFPS
		t.OutFPS += c.OutFPS
	}
	return t
}

// Print writes the snapshot to logger, one line for the link and one per
// channel that has seen traffic.
func Print(logger *slog.Logger, s Snapshot) {
	logger.Info("Link statistics",
		"link", s.Link,
		"elapsed", s.Elapsed.Round(time.Millisecond),
		"new_data_cmds", s.NewDataCmds,
		"release_cmds", s.ReleaseCmds,
		"get_full_calls", s.GetFullCalls,
		"put_empty_calls", s.PutEmptyCalls,
		"notify_events", s.NotifyEvents,
		"in_buf_errors", s.InBufErrors,
		"forced_reclaims", s.ForcedReclaims)

	logLatency(logger, s.Link, "local", s.LocalLatency)
	logLatency(logger, s.Link, "src_to_link", s.SrcToLink)
	logLatency(logger, s.Link, "ipc", s.IPCLatency)

	for _, c := range s.Channels {
		if c.InRecv == 0 && c.OutCount == 0 {
			continue
		}
		logger.Info("Channel statistics",
			"link", s.Link,
			"channel", c.Channel,
			"in_recv", c.InRecv,
			"in_fps", c.InFPS,
			"in_drop_backpressure", c.InDropBackpressure,
			"in_drop_rate_gate", c.InDropRateGate,
			"in_processed", c.InProcessed,
			"out_count", c.OutCount,
			"out_fps", c.OutFPS,
			"out_drop", c.OutDrop)
	}
}

func logLatency(logger *slog.Logger, link, span string, l LatencySnapshot) {
	if l.Count == 0 {
		return
	}
	logger.Info("Latency",
		"link", link,
		"span", span,
		"min_us", l.Min,
		"avg_us", l.Avg,
		"max_us", l.Max,
		"samples", l.Count)
}
