package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/quatton/runbookgen/pkg/qapi/schemas"
	"github.com/quatton/runbookgen/pkg/qapi/services/runbooks"
	"github.com/quatton/runbookgen/pkg/qjob"
)

// SubmitRunInput defines the input for submitting a run
type SubmitRunInput struct {
	Body schemas.SubmitRunRequest
}

// SubmitRunOutput is the response for submitting a run
type SubmitRunOutput struct {
	Body schemas.SubmitRunResponse
}

// RunIDInput addresses a single run
type RunIDInput struct {
	RunID string `path:"runId" doc:"Run ID"`
}

type RunStatusOutput struct {
	Body schemas.RunStatusResponse
}

type ArtifactOutput struct {
	Body schemas.ArtifactResponse
}

type VersionsOutput struct {
	Body schemas.VersionsResponse
}

type ModelsOutput struct {
	Body struct {
		Models []runbooks.Model `json:"models" doc:"Supported models"`
	}
}

// toHTTPError maps service errors onto problem responses.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, runbooks.ErrNoInputFiles):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, runbooks.ErrUnknownModel):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, runbooks.ErrRunNotFound), errors.Is(err, runbooks.ErrArtifactNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, runbooks.ErrRunNotSucceeded), errors.Is(err, runbooks.ErrRunFinished):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}

func toArtifactResponse(a *qjob.Artifact) schemas.ArtifactResponse {
	return schemas.ArtifactResponse{
		RunID:       a.RunID,
		Content:     a.Content,
		Metadata:    a.Metadata,
		ModelUsed:   a.ModelUsed,
		GeneratedAt: a.GeneratedAt,
	}
}

// RegisterRuns registers run and artifact routes
func RegisterRuns(api huma.API, svc *runbooks.Service) {
	unavailable := func() error {
		return huma.Error503ServiceUnavailable("no runner configured")
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-models",
		Method:      http.MethodGet,
		Path:        "/api/models",
		Summary:     "List models",
		Description: "Models accepted as model_id when submitting a run",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*ModelsOutput, error) {
		resp := &ModelsOutput{}
		resp.Body.Models = runbooks.Models
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-run",
		Method:        http.MethodPost,
		Path:          "/api/runs",
		Summary:       "Submit a run",
		Description:   "Start generating a runbook from the input files",
		Tags:          []string{TagRuns.String()},
		Security:      BearerAuth,
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *SubmitRunInput) (*SubmitRunOutput, error) {
		if svc == nil {
			return nil, unavailable()
		}
		out, err := svc.SubmitRun(ctx, input.Body.ModelID, input.Body.Files)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &SubmitRunOutput{Body: schemas.SubmitRunResponse{RunID: out.RunID, Status: out.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-status",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}/status",
		Summary:     "Get run status",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunIDInput) (*RunStatusOutput, error) {
		if svc == nil {
			return nil, unavailable()
		}
		st, err := svc.GetStatus(ctx, input.RunID)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &RunStatusOutput{Body: schemas.RunStatusResponse{
			RunID:     st.RunID,
			Status:    st.Status,
			Message:   st.Message,
			StartTime: st.StartTime,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-run",
		Method:      http.MethodDelete,
		Path:        "/api/runs/{runId}",
		Summary:     "Cancel a run",
		Description: "Stop a run that has not finished. It ends TERMINATED.",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunIDInput) (*struct{}, error) {
		if svc == nil {
			return nil, unavailable()
		}
		if err := svc.CancelRun(ctx, input.RunID); err != nil {
			return nil, toHTTPError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "materialize-artifact",
		Method:      http.MethodPost,
		Path:        "/api/runs/{runId}/artifact",
		Summary:     "Materialize a run's runbook",
		Description: "Persist the output of a successful run. Idempotent.",
		Tags:        []string{TagArtifacts.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunIDInput) (*struct{}, error) {
		if svc == nil {
			return nil, unavailable()
		}
		if err := svc.MaterializeArtifact(ctx, input.RunID); err != nil {
			return nil, toHTTPError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/api/runs/{runId}/artifact",
		Summary:     "Read a run's runbook",
		Tags:        []string{TagArtifacts.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *RunIDInput) (*ArtifactOutput, error) {
		if svc == nil {
			return nil, unavailable()
		}
		a, err := svc.ReadArtifact(ctx, input.RunID)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &ArtifactOutput{Body: toArtifactResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-latest-artifact",
		Method:      http.MethodGet,
		Path:        "/api/artifacts/latest",
		Summary:     "Read the newest runbook",
		Tags:        []string{TagArtifacts.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*ArtifactOutput, error) {
		if svc == nil {
			return nil, unavailable()
		}
		a, err := svc.LatestArtifact(ctx)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &ArtifactOutput{Body: toArtifactResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifact-versions",
		Method:      http.MethodGet,
		Path:        "/api/artifacts",
		Summary:     "List runbook versions",
		Tags:        []string{TagArtifacts.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct{}) (*VersionsOutput, error) {
		if svc == nil {
			return nil, unavailable()
		}
		versions, err := svc.ListVersions(ctx)
		if err != nil {
			return nil, toHTTPError(err)
		}
		return &VersionsOutput{Body: schemas.VersionsResponse{Versions: versions}}, nil
	})
}
