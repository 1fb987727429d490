package events

// Event type constants for kelindar/event.
const (
	TypeLinkStateChanged uint32 = iota + 1
	TypeLinkDrop
	TypePipelineState
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// LinkStateChangedEvent is published after every link lifecycle transition.
type LinkStateChangedEvent struct {
	RunID     string `json:"run_id" example:"0d1c6f9e-3a5b-4c1e-9f3a-2b7d5e8c1a40" doc:"Pipeline run identifier"`
	LinkID    string `json:"link_id" example:"0/1" doc:"Link identifier as proc/instance"`
	Link      string `json:"link" example:"ipc_out" doc:"Link name"`
	LinkType  string `json:"link_type" example:"ipcout" doc:"Link type"`
	From      string `json:"from" example:"ready" doc:"Previous state"`
	To        string `json:"to" example:"running" doc:"New state"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for LinkStateChangedEvent.
func (e LinkStateChangedEvent) Type() uint32 { return TypeLinkStateChanged }

// LinkDropEvent is a throttled report of dropped buffers.
type LinkDropEvent struct {
	Link       string `json:"link" example:"alg" doc:"Link name"`
	Channel    uint32 `json:"channel" example:"0" doc:"Channel number"`
	Reason     string `json:"reason" example:"no_empty_buffer" doc:"Drop reason"`
	Suppressed uint64 `json:"suppressed" example:"12" doc:"Reports swallowed since the previous one"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for LinkDropEvent.
func (e LinkDropEvent) Type() uint32 { return TypeLinkDrop }

// PipelineStateEvent is published when the whole pipeline starts or stops.
type PipelineStateEvent struct {
	RunID     string `json:"run_id" doc:"Pipeline run identifier"`
	Name      string `json:"name" example:"capture-to-dsp" doc:"Pipeline name"`
	State     string `json:"state" example:"running" doc:"Pipeline state"`
	Error     string `json:"error,omitempty" doc:"Failure that caused the transition"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PipelineStateEvent.
func (e PipelineStateEvent) Type() uint32 { return TypePipelineState }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"ipc" doc:"Source module"`
	Link       string         `json:"link,omitempty" example:"ipc_out" doc:"Link the entry was logged by"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
