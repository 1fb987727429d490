package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/visionlink/internal/events"
)

// registerSSERoutes registers the pipeline event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time link state changes, buffer drops and pipeline state",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"link-state":     events.LinkStateChangedEvent{},
		"link-drop":      events.LinkDropEvent{},
		"pipeline-state": events.PipelineStateEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.LinkStateChangedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.LinkDropEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.PipelineStateEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// The current state goes first so clients need no separate request.
		if err := send.Data(events.PipelineStateEvent{
			RunID:     s.pipeline.RunID(),
			Name:      s.pipeline.Name(),
			State:     string(s.pipeline.State()),
			Timestamp: time.Now().Format(time.RFC3339),
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
