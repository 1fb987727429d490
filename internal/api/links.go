package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/visionlink/internal/api/models"
	"github.com/smazurov/visionlink/internal/pipeline"
	"github.com/smazurov/visionlink/internal/system"
)

func toLinkData(l pipeline.LinkStatus) models.LinkData {
	return models.LinkData{
		ID:      l.Info.ID.String(),
		Name:    l.Spec.Name,
		Type:    l.Spec.Type,
		Proc:    l.Spec.Proc,
		State:   string(l.Info.State),
		Input:   strings.Join(l.Spec.Upstream(), ","),
		Next:    l.Next,
		Mailbox: l.Info.Mailbox,
		Ignored: l.Info.Ignored,
	}
}

// linkError maps link and pipeline errors to HTTP status codes.
func linkError(err error) error {
	switch {
	case errors.Is(err, system.ErrLinkNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, system.ErrInvalidParams):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, system.ErrUnsupported):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, system.ErrInvalidState), errors.Is(err, pipeline.ErrClosed):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError("link command failed", err)
	}
}

func (s *Server) registerLinkRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/api/pipeline",
		Summary:     "Pipeline",
		Description: "Get the pipeline name, run and state",
		Tags:        []string{"pipeline"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.PipelineResponse, error) {
		return &models.PipelineResponse{
			Body: models.PipelineData{
				Name:  s.pipeline.Name(),
				RunID: s.pipeline.RunID(),
				State: string(s.pipeline.State()),
				Links: len(s.pipeline.Links()),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "list-links",
		Method:      http.MethodGet,
		Path:        "/api/links",
		Summary:     "List Links",
		Description: "List every link with its lifecycle state",
		Tags:        []string{"links"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.LinkListResponse, error) {
		links := s.pipeline.Links()
		data := make([]models.LinkData, 0, len(links))
		for _, l := range links {
			data = append(data, toLinkData(l))
		}
		return &models.LinkListResponse{
			Body: models.LinkListData{Links: data, Count: len(data)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-link",
		Method:      http.MethodGet,
		Path:        "/api/links/{name}",
		Summary:     "Get Link",
		Description: "Get one link",
		Tags:        []string{"links"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.LinkRequest) (*models.LinkResponse, error) {
		l, ok := s.pipeline.Link(input.Name)
		if !ok {
			return nil, huma.Error404NotFound("link not found: " + input.Name)
		}
		return &models.LinkResponse{Body: toLinkData(l)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-link-stats",
		Method:      http.MethodGet,
		Path:        "/api/links/{name}/stats",
		Summary:     "Link Statistics",
		Description: "Get the statistics of a link since its last reset. Links that were never created have none.",
		Tags:        []string{"links"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.LinkRequest) (*models.LinkStatsResponse, error) {
		st, ok := s.pipeline.Stats().Get(input.Name)
		if !ok {
			return nil, huma.Error404NotFound("no statistics for link: " + input.Name)
		}
		return &models.LinkStatsResponse{Body: st.Snapshot()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-frame-rate",
		Method:      http.MethodPost,
		Path:        "/api/links/{name}/frame-rate",
		Summary:     "Set Frame Rate",
		Description: "Change the frame-rate gate of one channel, or every channel when none is given",
		Tags:        []string{"links"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 409, 422},
	}, func(ctx context.Context, input *models.FrameRateRequest) (*models.LinkActionResponse, error) {
		fr := system.FrameRateParams{
			Channel: system.AllChannels,
			InRate:  input.Body.InRate,
			OutRate: input.Body.OutRate,
		}
		if input.Body.Channel != nil {
			fr.Channel = *input.Body.Channel
		}
		if err := s.pipeline.SetFrameRate(ctx, input.Name, fr); err != nil {
			return nil, linkError(err)
		}
		s.logger.Info("Frame rate changed", "link", input.Name, "channel", fr.Channel,
			"in_rate", fr.InRate, "out_rate", fr.OutRate)
		return &models.LinkActionResponse{
			Body: models.LinkActionData{
				Link:    input.Name,
				Action:  "frame-rate",
				Message: "Frame rate applied",
			},
		}, nil
	})

	s.registerLinkAction("print-statistics", system.CmdPrintStatistics,
		"Print Statistics", "Write the statistics of a link to the log", "Statistics printed to the log")
	s.registerLinkAction("reset-statistics", system.CmdResetStatistics,
		"Reset Statistics", "Clear the statistics of a link", "Statistics reset")
}

// registerLinkAction registers a POST endpoint that sends a parameterless
// command to a link.
func (s *Server) registerLinkAction(action string, cmd system.Cmd, summary, description, message string) {
	huma.Register(s.api, huma.Operation{
		OperationID: action,
		Method:      http.MethodPost,
		Path:        "/api/links/{name}/" + action,
		Summary:     summary,
		Description: description,
		Tags:        []string{"links"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 409, 422},
	}, func(ctx context.Context, input *models.LinkRequest) (*models.LinkActionResponse, error) {
		if _, err := s.pipeline.Control(ctx, input.Name, cmd, nil); err != nil {
			return nil, linkError(err)
		}
		return &models.LinkActionResponse{
			Body: models.LinkActionData{
				Link:    input.Name,
				Action:  action,
				Message: message,
			},
		}, nil
	})
}
