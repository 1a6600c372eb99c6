package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"jobline/internal/breaker"
	"jobline/internal/cost"
	"jobline/internal/domain"
	"jobline/internal/engine"
	"jobline/internal/repo"
	"jobline/internal/schema"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"budget_exceeded"`
	Message string         `json:"message" example:"daily budget cap reached"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Jobline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Jobline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerJobs(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the orchestration error taxonomy onto the API envelope. A
// budget rejection ("wait for the window to reset") must stay distinguishable
// from a breaker rejection ("your job was queued for automatic retry").
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve schema.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"reason": ve.Reason}
		if len(ve.Details) > 0 {
			details["violations"] = ve.Details
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	var ce cost.ExceededError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusTooManyRequests, "budget_exceeded", err.Error(), map[string]any{
			"window": ce.Window, "cap": ce.Cap, "spend": ce.Spend,
		})
	}
	var oe breaker.OpenError
	if errors.As(err, &oe) {
		return newAPIError(http.StatusServiceUnavailable, "service_unavailable", err.Error(), map[string]any{
			"service": oe.Service, "queued": true,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusBadGateway, "execution_failed", err.Error(), nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "budget_exceeded"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal_error"
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit a job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitJobRequest `json:"body"`
	}) (*struct {
		Body SubmitJobResponse `json:"body"`
	}, error) {
		job := input.Body.toJob()
		if job.User == "" {
			if p, ok := principalFromContext(ctx); ok {
				job.User = p.Subject
			}
		}
		receipt, err := e.Submit(ctx, job)
		if err != nil {
			serr := handleError(err)
			if ae, ok := serr.(*apiError); ok {
				ae.Body.Details = withRunID(ae.Body.Details, receipt.RunID)
			}
			return nil, serr
		}
		return &struct {
			Body SubmitJobResponse `json:"body"`
		}{Body: SubmitJobResponse{
			RunID:    receipt.RunID,
			Status:   receipt.Status,
			WorkerID: receipt.WorkerID,
			Result:   receipt.Result,
		}}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.EventsForRun(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run, evts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		runs, err := e.Repo.ListRuns(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			out = append(out, runResponse(run, nil))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Spend and breaker status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Status `json:"body"`
	}, error) {
		st, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Status `json:"body"`
		}{Body: st}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List fallback queue entries",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,in_flight,done,dead,"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []QueueEntryResponse `json:"body"`
	}, error) {
		entries, err := e.Repo.ListQueueEntries(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]QueueEntryResponse, 0, len(entries))
		for _, entry := range entries {
			out = append(out, queueEntryResponse(entry))
		}
		return &struct {
			Body []QueueEntryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "drain-queue",
		Method:      http.MethodPost,
		Path:        "/queue/drain",
		Summary:     "Run one drain pass over pending entries",
	}, func(ctx context.Context, input *struct {
		Batch int `query:"batch"`
	}) (*struct {
		Body DrainResponse `json:"body"`
	}, error) {
		res, err := e.Queue.Drain(ctx, e.RetryProcessor(), input.Batch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DrainResponse `json:"body"`
		}{Body: DrainResponse{Claimed: res.Claimed, Done: res.Done, Retried: res.Retried, Dead: res.Dead}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the run event ledger",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evts, err := e.Repo.EventsAfter(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func withRunID(details map[string]any, runID string) map[string]any {
	if details == nil {
		details = map[string]any{}
	}
	details["run_id"] = runID
	return details
}
