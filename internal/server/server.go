package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"planline/internal/engine"
	"planline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine engine.Engine
	Auth   AuthConfig
	Logger *slog.Logger
}

// New returns an HTTP handler exposing the plan scheduler API.
func New(cfg Config) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Planline API", "0.1.0")
	api := humachi.New(router, hcfg)

	registerHealth(api)
	registerPlans(api, cfg.Engine)
	registerPlanStatus(api, cfg.Engine)
	registerSpecStatusWebhook(router, cfg.Engine, cfg.Auth, logger)

	return router, nil
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

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Ingest a plan",
		Description:   "Creates a plan with its specs. Re-posting an identical payload is idempotent (200); a different payload under the same id conflicts (409).",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePlanRequest `json:"body"`
	}) (*struct {
		Status int
		Body   PlanCreateResponse `json:"body"`
	}, error) {
		res, err := e.IngestPlan(ctx, planInput(input.Body))
		if err != nil {
			return nil, ingestError(err)
		}
		out := &struct {
			Status int
			Body   PlanCreateResponse `json:"body"`
		}{
			Status: http.StatusCreated,
			Body:   PlanCreateResponse{PlanID: res.PlanID, Status: "running"},
		}
		if res.Outcome == engine.IngestIdempotent {
			out.Status = http.StatusOK
		}
		if res.FirstSpec != nil {
			fireTrigger(e, res.PlanID, 0, *res.FirstSpec)
		}
		return out, nil
	})
}

func ingestError(err error) error {
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return huma.Error422UnprocessableEntity(ve.Reason)
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return huma.Error409Conflict(ce.Error())
	}
	return huma.Error500InternalServerError("internal server error")
}

func registerPlanStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Plan status",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		PlanID       string `path:"plan_id"`
		IncludeStage bool   `query:"include_stage" default:"true"`
	}) (*struct {
		Body engine.PlanStatusView `json:"body"`
	}, error) {
		view, err := e.PlanStatus(ctx, input.PlanID, input.IncludeStage)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, huma.Error404NotFound("plan not found")
			}
			return nil, huma.Error500InternalServerError("internal server error")
		}
		return &struct {
			Body engine.PlanStatusView `json:"body"`
		}{Body: view}, nil
	})
}
