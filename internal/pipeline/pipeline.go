// Package pipeline runs the Ingest, Transform, Load and Aggregate stages for
// one owner at a time and records every run and step in the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/pipeline/aggregate"
	"github.com/dvloznov/finance-etl/internal/pipeline/ingest"
	"github.com/dvloznov/finance-etl/internal/pipeline/load"
	"github.com/dvloznov/finance-etl/internal/pipeline/parse"
	"github.com/dvloznov/finance-etl/internal/pipeline/transform"
	"github.com/dvloznov/finance-etl/internal/store"
)

// MaxErrorSummary caps the error text stored on a failed run or step.
const MaxErrorSummary = 2000

var (
	// ErrInvalidRequest is returned for a run request that cannot start.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrRunNotActive is returned when cancelling a run that is not executing
	// in this process.
	ErrRunNotActive = errors.New("run is not active on this instance")
)

// Config tunes the stages.
type Config struct {
	Locale           parse.Locale
	Rules            transform.Ruleset
	LegacyCSV        bool
	DefaultCurrency  string
	LargeAmount      decimal.Decimal
	DashboardMonths  int
	TopMerchants     int
	DefaultBudget    decimal.Decimal
	BacklogThreshold int64
}

// RunRequest asks for one run. Body and SourceURI are only read by modes
// that ingest.
type RunRequest struct {
	RunID     string
	OwnerID   string
	Mode      domain.Mode
	Channel   domain.Channel
	Body      []byte
	SourceURI string
}

// RunResult is the final state of a run.
type RunResult struct {
	Run       *domain.PipelineRun `json:"run"`
	Dashboard *domain.Dashboard   `json:"dashboard,omitempty"`
}

// StatusReport is the processing state of one owner.
type StatusReport struct {
	OwnerID         string              `json:"owner_id"`
	LastRun         *domain.PipelineRun `json:"last_run,omitempty"`
	Counts          store.Counts        `json:"counts"`
	ProcessedPct    float64             `json:"processed_pct"`
	NeedsProcessing bool                `json:"needs_processing"`
}

// Health status values.
const (
	HealthOK        = "ok"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthReport describes the dependencies of the orchestrator.
type HealthReport struct {
	Status           string `json:"status"`
	Store            string `json:"store"`
	Cache            string `json:"cache"`
	Backlog          int64  `json:"backlog"`
	BacklogThreshold int64  `json:"backlog_threshold"`
}

// Option configures optional collaborators of an Orchestrator.
type Option func(*Orchestrator)

// WithCache enables the dashboard cache.
func WithCache(c DashboardCache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithSink exports finished runs to s.
func WithSink(s RunSink) Option { return func(o *Orchestrator) { o.sink = s } }

// WithLocker replaces the in-process owner locks.
func WithLocker(l OwnerLocker) Option { return func(o *Orchestrator) { o.locks = l } }

// WithFetcher lets runs ingest from a source URI.
func WithFetcher(f SourceFetcher) Option { return func(o *Orchestrator) { o.ingest.Fetcher = f } }

// WithExtractor enables the statement channel.
func WithExtractor(e StatementExtractor) Option {
	return func(o *Orchestrator) { o.ingest.Extractor = e }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithClock sets the time source for runs and stages.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator executes pipeline runs.
type Orchestrator struct {
	store store.Store
	locks OwnerLocker
	cache DashboardCache
	sink  RunSink
	log   zerolog.Logger
	now   func() time.Time

	ingest    *IngestStep
	aggregate *AggregateStep
	steps     map[domain.Stage]PipelineStep

	backlogThreshold int64
	group            singleflight.Group

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	cancelled bool
}

// New creates an Orchestrator over st.
func New(st store.Store, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:            st,
		locks:            NewLocalLocks(),
		log:              zerolog.Nop(),
		now:              time.Now,
		backlogThreshold: cfg.BacklogThreshold,
		active:           make(map[string]*activeRun),
	}
	clock := func() time.Time { return o.now() }

	rules := cfg.Rules
	if len(rules.Rules()) == 0 {
		rules = transform.DefaultRules()
	}
	if cfg.Locale == "" {
		cfg.Locale = parse.LocaleDMY
	}

	o.ingest = &IngestStep{
		Store:      st,
		Normalizer: ingest.NewNormalizer(cfg.Locale),
		CSV:        ingest.CSVOptions{LegacyFallback: cfg.LegacyCSV},
		Currency:   cfg.DefaultCurrency,
		Now:        clock,
	}
	o.aggregate = &AggregateStep{
		Store: st,
		Options: aggregate.Options{
			Months:        cfg.DashboardMonths,
			TopN:          cfg.TopMerchants,
			BudgetDefault: cfg.DefaultBudget,
		},
		Now: clock,
	}
	o.steps = map[domain.Stage]PipelineStep{
		domain.StageIngest:    o.ingest,
		domain.StageTransform: &TransformStep{Store: st, Engine: transform.NewEngine(rules, cfg.Locale, clock)},
		domain.StageLoad: &LoadStep{
			Store: st,
			Options: load.Options{
				LargeAmount:     cfg.LargeAmount,
				KnownCategories: transform.KnownCategories,
			},
			Now: clock,
		},
		domain.StageAggregate: o.aggregate,
	}

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes req to completion. A failed, partial or cancelled run is
// reported through RunResult; the error is only set when the run could not
// start or its state could not be persisted.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	stages, err := req.Mode.Stages()
	if err != nil {
		return nil, fmt.Errorf("Run: %w: %v", ErrInvalidRequest, err)
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("Run: %w: owner is required", ErrInvalidRequest)
	}
	if req.Mode.NeedsInput() && !req.Channel.Valid() {
		return nil, fmt.Errorf("Run: %w: unknown channel %q", ErrInvalidRequest, req.Channel)
	}

	release, err := o.locks.TryLock(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	defer release()

	if req.Mode == "" {
		req.Mode = domain.ModeFull
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	run := &domain.PipelineRun{
		ID:        req.RunID,
		OwnerID:   req.OwnerID,
		Mode:      req.Mode,
		Stages:    stages,
		Status:    domain.RunPending,
		Channel:   req.Channel,
		StartedAt: o.now().UTC(),
	}
	// Bookkeeping outlives the caller so the run always reaches a terminal state.
	bg := context.WithoutCancel(ctx)
	if err := o.store.CreateRun(bg, run); err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}

	handle := o.track(run.ID)
	defer o.untrack(run.ID)

	log := o.log.With().Str("run_id", run.ID).Str("owner_id", run.OwnerID).Str("mode", string(run.Mode)).Logger()
	log.Info().Msg("run started")

	state := &PipelineState{
		Run:     run,
		OwnerID: req.OwnerID,
		Channel: req.Channel,
		Input:   Input{Body: req.Body, SourceURI: req.SourceURI},
	}

	rejected := false
	for i, stage := range stages {
		if reason := o.stopReason(ctx, handle); reason != "" {
			if err := o.skip(bg, run, stages[i:]); err != nil {
				return nil, err
			}
			run.ErrorSummary = reason
			if err := run.Transition(domain.RunCancelled); err != nil {
				return nil, fmt.Errorf("Run: %w", err)
			}
			log.Warn().Str("stage", string(stage)).Str("reason", reason).Msg("run cancelled")
			break
		}

		if err := run.Transition(domain.RunningStatus(stage)); err != nil {
			return nil, fmt.Errorf("Run: %w", err)
		}
		if err := o.store.UpdateRun(bg, run); err != nil {
			return nil, fmt.Errorf("Run: %w", err)
		}

		step, stepErr := o.execute(bg, stage, state)
		if err := o.store.AppendStep(bg, step); err != nil {
			return nil, fmt.Errorf("Run: %w", err)
		}
		run.Steps = append(run.Steps, *step)

		logEvent := log.Info()
		if stepErr != nil {
			logEvent = log.Error().Err(stepErr)
		}
		logEvent.Str("stage", string(stage)).
			Int("records_in", step.RecordsIn).
			Int("rejected", step.RecordsRejected).
			Int("duplicates", step.Duplicates).
			Int64("elapsed_ms", step.ElapsedMS).
			Msg("stage finished")

		if stepErr != nil {
			if err := o.skip(bg, run, stages[i+1:]); err != nil {
				return nil, err
			}
			run.FailedStage = stage
			run.ErrorSummary = truncate(stepErr.Error(), MaxErrorSummary)
			if err := run.Transition(domain.RunFailed); err != nil {
				return nil, fmt.Errorf("Run: %w", err)
			}
			break
		}
		if step.RecordsRejected > 0 {
			rejected = true
		}
	}

	if !run.Status.Terminal() {
		next := domain.RunSucceeded
		if rejected {
			next = domain.RunPartial
		}
		if err := run.Transition(next); err != nil {
			return nil, fmt.Errorf("Run: %w", err)
		}
	}
	finished := o.now().UTC()
	run.FinishedAt = &finished
	if err := o.store.UpdateRun(bg, run); err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	log.Info().Str("status", string(run.Status)).Msg("run finished")

	o.afterRun(bg, run, state.Dashboard, log)
	return &RunResult{Run: run, Dashboard: state.Dashboard}, nil
}

func (o *Orchestrator) execute(ctx context.Context, stage domain.Stage, state *PipelineState) (*domain.StepLog, error) {
	started := o.now().UTC()
	res, err := o.steps[stage].Execute(ctx, state)
	finished := o.now().UTC()

	step := &domain.StepLog{
		RunID:             state.Run.ID,
		Stage:             stage,
		Status:            domain.StepSucceeded,
		RecordsIn:         res.RecordsIn,
		RecordsNormalized: res.Normalized,
		RecordsRejected:   res.Rejected,
		Duplicates:        res.Duplicates,
		Rejections:        res.Rejections,
		Warnings:          res.Warnings,
		StartedAt:         &started,
		FinishedAt:        &finished,
		ElapsedMS:         finished.Sub(started).Milliseconds(),
	}
	if err != nil {
		step.Status = domain.StepFailed
		step.Error = truncate(err.Error(), MaxErrorSummary)
	}
	return step, err
}

// skip logs every stage in stages as never started.
func (o *Orchestrator) skip(ctx context.Context, run *domain.PipelineRun, stages []domain.Stage) error {
	for _, stage := range stages {
		step := &domain.StepLog{RunID: run.ID, Stage: stage, Status: domain.StepSkipped}
		if err := o.store.AppendStep(ctx, step); err != nil {
			return fmt.Errorf("Run: logging skipped %s: %w", stage, err)
		}
		run.Steps = append(run.Steps, *step)
	}
	return nil
}

// afterRun refreshes the cache and exports the run. Failures are logged only.
func (o *Orchestrator) afterRun(ctx context.Context, run *domain.PipelineRun, d *domain.Dashboard, log zerolog.Logger) {
	if o.cache != nil {
		var err error
		if d != nil && run.Status != domain.RunFailed {
			err = o.cache.Set(ctx, run.OwnerID, d)
		} else {
			err = o.cache.Delete(ctx, run.OwnerID)
		}
		if err != nil {
			log.Warn().Err(err).Msg("dashboard cache update failed")
		}
	}
	if o.sink != nil {
		if err := o.sink.Export(ctx, run); err != nil {
			log.Warn().Err(err).Msg("run export failed")
		}
	}
}

func (o *Orchestrator) track(runID string) *activeRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := &activeRun{}
	o.active[runID] = h
	return h
}

func (o *Orchestrator) untrack(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, runID)
}

func (o *Orchestrator) stopReason(ctx context.Context, h *activeRun) string {
	if err := ctx.Err(); err != nil {
		return "context: " + err.Error()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if h.cancelled {
		return "cancelled by request"
	}
	return ""
}

// Cancel asks an active run to stop at the next stage boundary. The stage in
// progress always completes.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	h, ok := o.active[runID]
	if ok {
		h.cancelled = true
	}
	o.mu.Unlock()
	if ok {
		return nil
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("Cancel: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("Cancel: %w", domain.ErrRunFinalized)
	}
	return fmt.Errorf("Cancel: %w", ErrRunNotActive)
}

// GetRun returns a stored run with its steps.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	return o.store.GetRun(ctx, runID)
}

// Status reports the last run and ledger counters of ownerID.
func (o *Orchestrator) Status(ctx context.Context, ownerID string) (*StatusReport, error) {
	rep := &StatusReport{OwnerID: ownerID}

	run, err := o.store.LatestRun(ctx, ownerID)
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
	case err != nil:
		return nil, fmt.Errorf("Status: %w", err)
	default:
		rep.LastRun = run
	}

	counts, err := o.store.CountTransactions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	rep.Counts = counts
	if counts.Total > 0 {
		rep.ProcessedPct = math.Round(float64(counts.Processed)/float64(counts.Total)*10000) / 100
	}
	rep.NeedsProcessing = counts.Unprocessed > 0
	return rep, nil
}

// Dashboard returns the cached dashboard of ownerID, computing it on a miss.
// Concurrent misses for one owner share a single computation.
func (o *Orchestrator) Dashboard(ctx context.Context, ownerID string) (*domain.Dashboard, error) {
	if o.cache != nil {
		d, ok, err := o.cache.Get(ctx, ownerID)
		if err != nil {
			o.log.Warn().Err(err).Str("owner_id", ownerID).Msg("dashboard cache read failed")
		} else if ok {
			return d, nil
		}
	}

	v, err, _ := o.group.Do(ownerID, func() (any, error) {
		before, err := o.ledgerMark(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		d, _, err := o.aggregate.Compute(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if o.cache == nil {
			return &d, nil
		}
		// A run that started or finished during Compute owns the cache entry.
		after, err := o.ledgerMark(ctx, ownerID)
		switch {
		case err != nil:
			o.log.Warn().Err(err).Str("owner_id", ownerID).Msg("dashboard cache write skipped")
		case after != before || !after.settled:
			o.log.Debug().Str("owner_id", ownerID).Msg("ledger moved during compute, not caching dashboard")
		default:
			if err := o.cache.Set(ctx, ownerID, &d); err != nil {
				o.log.Warn().Err(err).Str("owner_id", ownerID).Msg("dashboard cache write failed")
			}
		}
		return &d, nil
	})
	if err != nil {
		return nil, fmt.Errorf("Dashboard: %w", err)
	}
	return v.(*domain.Dashboard), nil
}

// runMark identifies the latest run of an owner and whether it had finished.
type runMark struct {
	runID   string
	status  domain.RunStatus
	settled bool
}

func (o *Orchestrator) ledgerMark(ctx context.Context, ownerID string) (runMark, error) {
	run, err := o.store.LatestRun(ctx, ownerID)
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		return runMark{settled: true}, nil
	case err != nil:
		return runMark{}, err
	}
	return runMark{runID: run.ID, status: run.Status, settled: run.Status.Terminal()}, nil
}

// Health checks the store and cache and compares the unprocessed backlog to
// the configured threshold.
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	rep := HealthReport{Status: HealthOK, Store: HealthOK, Cache: "disabled", BacklogThreshold: o.backlogThreshold}

	if err := o.store.Ping(ctx); err != nil {
		rep.Status = HealthUnhealthy
		rep.Store = err.Error()
		return rep
	}

	if o.cache != nil {
		rep.Cache = HealthOK
		if err := o.cache.Ping(ctx); err != nil {
			rep.Cache = err.Error()
			rep.Status = HealthDegraded
		}
	}

	backlog, err := o.store.CountBacklog(ctx)
	if err != nil {
		rep.Status = HealthDegraded
		rep.Store = err.Error()
		return rep
	}
	rep.Backlog = backlog
	if o.backlogThreshold > 0 && backlog > o.backlogThreshold {
		rep.Status = HealthDegraded
	}
	return rep
}

// OwnersWithBacklog lists owners that have rows waiting for Transform.
func (o *Orchestrator) OwnersWithBacklog(ctx context.Context, limit int) ([]string, error) {
	return o.store.OwnersWithBacklog(ctx, limit)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
