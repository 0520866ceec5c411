package handlers

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-etl/internal/api/middleware"
	"github.com/dvloznov/finance-etl/internal/domain"
)

// Handlers groups the endpoint handlers of the API server.
type Handlers struct {
	Pipeline *PipelineHandler
	Accounts *AccountsHandler
	Jobs     *JobsHandler
}

// NewRouter registers every route and wraps the mux in the middleware chain.
func NewRouter(h Handlers, log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/pipeline/run", h.Pipeline.RunFull)
	mux.HandleFunc("POST /api/pipeline/webhook", h.Pipeline.RunWebhook)
	mux.HandleFunc("POST /api/pipeline/ingest", h.Pipeline.RunStage(domain.ModeIngestOnly))
	mux.HandleFunc("POST /api/pipeline/transform", h.Pipeline.RunStage(domain.ModeTransformOnly))
	mux.HandleFunc("POST /api/pipeline/load", h.Pipeline.RunStage(domain.ModeLoadOnly))
	mux.HandleFunc("POST /api/pipeline/aggregate", h.Pipeline.RunStage(domain.ModeAggregateOnly))
	mux.HandleFunc("POST /api/pipeline/runs/{id}/cancel", h.Pipeline.CancelRun)
	mux.HandleFunc("GET /api/pipeline/runs/{id}", h.Pipeline.GetRun)
	mux.HandleFunc("GET /api/pipeline/status", h.Pipeline.Status)
	mux.HandleFunc("GET /api/dashboard", h.Pipeline.Dashboard)
	mux.HandleFunc("GET /health", h.Pipeline.Health)

	mux.HandleFunc("GET /api/accounts", h.Accounts.ListAccounts)
	mux.HandleFunc("POST /api/accounts", h.Accounts.CreateAccount)

	if h.Jobs != nil {
		mux.HandleFunc("GET /api/jobs", h.Jobs.ListJobs)
		mux.HandleFunc("GET /api/jobs/{id}", h.Jobs.GetJob)
	}

	return middleware.Chain(log, mux)
}
