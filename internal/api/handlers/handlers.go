// Package handlers exposes the pipeline, dashboard, account and job
// endpoints over HTTP.
package handlers

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-etl/internal/api/middleware"
	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/gcsuploader"
	"github.com/dvloznov/finance-etl/internal/jobs"
	"github.com/dvloznov/finance-etl/internal/logger"
	"github.com/dvloznov/finance-etl/internal/pipeline"
)

// DefaultMaxBodyBytes caps a run request body.
const DefaultMaxBodyBytes = 10 << 20

// Pipeline is the orchestrator surface used by the handlers.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error)
	Cancel(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error)
	Status(ctx context.Context, ownerID string) (*pipeline.StatusReport, error)
	Dashboard(ctx context.Context, ownerID string) (*domain.Dashboard, error)
	Health(ctx context.Context) pipeline.HealthReport
}

// PipelineHandler handles run, status, dashboard and health endpoints.
type PipelineHandler struct {
	pipeline  Pipeline
	publisher jobs.Publisher
	maxBody   int64
	log       zerolog.Logger
}

// NewPipelineHandler creates a pipeline handler. publisher may be nil, in
// which case async requests are refused.
func NewPipelineHandler(p Pipeline, publisher jobs.Publisher, maxBody int64, log zerolog.Logger) *PipelineHandler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &PipelineHandler{pipeline: p, publisher: publisher, maxBody: maxBody, log: log}
}

// RunFull handles POST /api/pipeline/run
func (h *PipelineHandler) RunFull(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, domain.ModeFull, "")
}

// RunWebhook handles POST /api/pipeline/webhook
func (h *PipelineHandler) RunWebhook(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, domain.ModeFull, domain.ChannelWebhook)
}

// RunStage returns the handler for POST /api/pipeline/{stage}.
func (h *PipelineHandler) RunStage(mode domain.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.run(w, r, mode, "")
	}
}

func (h *PipelineHandler) run(w http.ResponseWriter, r *http.Request, mode domain.Mode, channel domain.Channel) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	query := r.URL.Query()

	req := pipeline.RunRequest{
		OwnerID:   middleware.OwnerFromContext(ctx),
		Mode:      mode,
		Channel:   channel,
		SourceURI: query.Get("source_uri"),
	}

	if mode.NeedsInput() {
		if req.Channel == "" {
			req.Channel = channelFor(r, req.SourceURI)
		}
		if req.SourceURI == "" {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					middleware.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
					return
				}
				middleware.WriteError(w, http.StatusBadRequest, "Failed to read request body")
				return
			}
			if len(body) == 0 {
				middleware.WriteError(w, http.StatusBadRequest, "Request body or source_uri is required")
				return
			}
			req.Body = body
		} else if _, _, err := gcsuploader.ParseGCSURI(req.SourceURI); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !req.Channel.Valid() {
			middleware.WriteError(w, http.StatusUnsupportedMediaType, "Cannot determine channel; set Content-Type or ?channel=")
			return
		}
	}

	if query.Get("async") == "true" {
		h.enqueue(w, r, req)
		return
	}

	res, err := h.pipeline.Run(ctx, req)
	if err != nil {
		writeRunError(w, log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func (h *PipelineHandler) enqueue(w http.ResponseWriter, r *http.Request, req pipeline.RunRequest) {
	if h.publisher == nil {
		middleware.WriteError(w, http.StatusNotImplemented, "Async runs are not enabled")
		return
	}

	job := &jobs.PipelineRunJob{
		OwnerID:   req.OwnerID,
		Mode:      req.Mode,
		Channel:   req.Channel,
		SourceURI: req.SourceURI,
		Body:      req.Body,
	}
	if err := h.publisher.Publish(r.Context(), job); err != nil {
		h.log.Error().Err(err).Str("owner_id", req.OwnerID).Msg("Failed to enqueue pipeline run")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue pipeline run")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Str("run_id", job.RunID).Str("owner_id", req.OwnerID).Msg("Pipeline run enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.JobID,
		"run_id": job.RunID,
		"status": string(job.Status),
	})
}

func writeRunError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrRunInProgress):
		middleware.WriteError(w, http.StatusConflict, "A run is already in progress for this owner")
	case errors.Is(err, pipeline.ErrInvalidRequest):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Pipeline run failed to execute")
		middleware.WriteError(w, http.StatusInternalServerError, "Pipeline run failed to execute")
	}
}

// channelFor picks the channel from ?channel=, then Content-Type, then the
// source object extension.
func channelFor(r *http.Request, sourceURI string) domain.Channel {
	if c := r.URL.Query().Get("channel"); c != "" {
		return domain.Channel(strings.ToLower(c))
	}
	if sourceURI != "" {
		if c, ok := gcsuploader.ChannelForObject(sourceURI); ok {
			return c
		}
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "text/csv", "text/plain", "text/tab-separated-values":
		return domain.ChannelCSV
	case "application/json":
		return domain.ChannelAPI
	case "application/pdf":
		return domain.ChannelStatement
	}
	return ""
}

// CancelRun handles POST /api/pipeline/runs/{id}/cancel
func (h *PipelineHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, ok := h.ownedRun(w, r)
	if !ok {
		return
	}

	err := h.pipeline.Cancel(ctx, run.ID)
	switch {
	case err == nil:
		middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
			"run_id": run.ID,
			"status": "cancelling",
		})
	case errors.Is(err, domain.ErrRunFinalized):
		middleware.WriteError(w, http.StatusConflict, "Run is already finished")
	case errors.Is(err, pipeline.ErrRunNotActive):
		middleware.WriteError(w, http.StatusConflict, "Run is not executing on this instance")
	default:
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to cancel run")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to cancel run")
	}
}

// GetRun handles GET /api/pipeline/runs/{id}
func (h *PipelineHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if run, ok := h.ownedRun(w, r); ok {
		middleware.WriteJSON(w, http.StatusOK, run)
	}
}

// ownedRun loads the run named by the path. Runs of other owners are
// reported as missing.
func (h *PipelineHandler) ownedRun(w http.ResponseWriter, r *http.Request) (*domain.PipelineRun, bool) {
	ctx := r.Context()
	runID := r.PathValue("id")
	if runID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Run ID is required")
		return nil, false
	}

	run, err := h.pipeline.GetRun(ctx, runID)
	if errors.Is(err, domain.ErrRunNotFound) || (err == nil && run.OwnerID != middleware.OwnerFromContext(ctx)) {
		middleware.WriteError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("run_id", runID).Msg("Failed to get run")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get run")
		return nil, false
	}
	return run, true
}

// Status handles GET /api/pipeline/status
func (h *PipelineHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rep, err := h.pipeline.Status(ctx, middleware.OwnerFromContext(ctx))
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to get pipeline status")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get pipeline status")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rep)
}

// Dashboard handles GET /api/dashboard
func (h *PipelineHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.pipeline.Dashboard(ctx, middleware.OwnerFromContext(ctx))
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to build dashboard")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to build dashboard")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, d)
}

// Health handles GET /health
func (h *PipelineHandler) Health(w http.ResponseWriter, r *http.Request) {
	rep := h.pipeline.Health(r.Context())
	status := http.StatusOK
	if rep.Status == pipeline.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, status, rep)
}
