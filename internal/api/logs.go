package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/visionlink/internal/api/models"
	"github.com/smazurov/visionlink/internal/events"
	"github.com/smazurov/visionlink/internal/logging"
)

// LogEvent converts a buffered log entry to the event streamed to clients.
func LogEvent(entry logging.LogEntry) events.LogEntryEvent {
	return events.LogEntryEvent{
		Seq:        entry.Seq,
		Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
		Level:      entry.Level,
		Module:     entry.Module,
		Link:       entry.Link,
		Message:    entry.Message,
		Attributes: entry.Attributes,
	}
}

// recentLogs returns the newest limit buffered entries matching module and
// link, oldest first. Empty filters match everything.
func recentLogs(limit int, module, link string) []events.LogEntryEvent {
	buffer := logging.GetBuffer()
	if buffer == nil {
		return []events.LogEntryEvent{}
	}

	var entries []logging.LogEntry
	if module == "" && link == "" {
		entries = buffer.Tail(limit)
	} else {
		for _, e := range buffer.ReadAll() {
			if (module == "" || e.Module == module) && (link == "" || e.Link == link) {
				entries = append(entries, e)
			}
		}
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}

	out := make([]events.LogEntryEvent, 0, len(entries))
	for _, e := range entries {
		out = append(out, LogEvent(e))
	}
	return out
}

// registerLogRoutes registers the log history and streaming endpoints.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Logs",
		Description: "Get the most recent buffered log entries",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, input *models.LogsRequest) (*models.LogsResponse, error) {
		entries := recentLogs(input.Limit, input.Module, input.Link)
		return &models.LogsResponse{
			Body: models.LogsData{Entries: entries, Count: len(entries)},
		}, nil
	})

	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Sends historical logs first, then streams new logs.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		// Subscribe before replaying so nothing logged in between is lost.
		eventCh := make(chan any, 100)
		unsubscribe := events.SubscribeToChannel[events.LogEntryEvent](s.eventBus, eventCh)
		defer unsubscribe()

		var last uint64
		if buffer := logging.GetBuffer(); buffer != nil {
			for _, entry := range buffer.ReadAll() {
				if err := send.Data(LogEvent(entry)); err != nil {
					return
				}
				last = entry.Seq
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				// Entries logged while replaying arrive twice.
				if e, ok := event.(events.LogEntryEvent); ok && e.Seq <= last {
					continue
				}
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
