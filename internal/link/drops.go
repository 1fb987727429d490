package link

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DropFunc is notified of throttled drop reports.
type DropFunc func(link string, channel uint32, reason string, suppressed uint64)

// DropLogger reports dropped buffers without flooding the log: counters are
// kept by the caller, the logger only rate-limits the warnings.
type DropLogger struct {
	link       string
	limiter    *rate.Limiter
	logger     *slog.Logger
	onDrop     DropFunc
	suppressed atomic.Uint64
}

// NewDropLogger allows one warning per interval with the given burst.
func NewDropLogger(link string, logger *slog.Logger, interval time.Duration, burst int, onDrop DropFunc) *DropLogger {
	return &DropLogger{
		link:    link,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		logger:  logger,
		onDrop:  onDrop,
	}
}

// Drop reports one dropped buffer.
func (d *DropLogger) Drop(channel uint32, reason string) {
	if !d.limiter.Allow() {
		d.suppressed.Add(1)
		return
	}
	suppressed := d.suppressed.Swap(0)
	d.logger.Warn("Buffer dropped", "channel", channel, "reason", reason, "suppressed", suppressed)
	if d.onDrop != nil {
		d.onDrop(d.link, channel, reason, suppressed)
	}
}

// Suppressed returns how many reports were swallowed since the last warning.
func (d *DropLogger) Suppressed() uint64 {
	return d.suppressed.Load()
}

// Drop reasons.
const (
	DropNoEmptyBuffer = "no_empty_buffer"
	DropRingFull      = "ring_full"
	DropNoFreeIndex   = "no_free_index"
	DropEncode        = "encode_failed"
	DropProcess       = "process_failed"
	DropQueueFull     = "queue_full"
)
