// Package inmemory provides a channel-backed job queue and a map-backed job
// store for single-instance deployments and tests.
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-etl/internal/jobs"
)

// Queue defaults.
const (
	DefaultWorkers    = 5
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// ErrStoppedBeforeStart is recorded on jobs still buffered when the queue stops.
var ErrStoppedBeforeStart = errors.New("queue stopped before the job started")

// Options tunes a Queue. Zero values take the defaults.
type Options struct {
	BufferSize int
	Workers    int
	MaxRetries int
	// RetryDelay is multiplied by the attempt number before a retry.
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

// Queue is an in-memory implementation of job publisher and consumer.
// It uses Go channels for job distribution and is safe for concurrent use.
type Queue struct {
	jobChan   chan *jobs.PipelineRunJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	opts      Options
	closed    bool
}

// NewQueue creates a new in-memory job queue. store may be nil.
func NewQueue(opts Options, store jobs.JobStore) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	return &Queue{
		jobChan:   make(chan *jobs.PipelineRunJob, opts.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		opts:      opts,
	}
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Publish implements the Publisher interface.
func (q *Queue) Publish(ctx context.Context, job *jobs.PipelineRunJob) error {
	if q.isClosed() {
		return jobs.ErrQueueClosed
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.RunID == "" {
		job.RunID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.opts.MaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("Publish: save job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return jobs.ErrQueueClosed
	}
}

// Start implements the Consumer interface. It starts the configured number
// of workers, each calling handler for one job at a time.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	if q.isClosed() {
		return jobs.ErrQueueClosed
	}

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single job with retry logic.
func (q *Queue) processJob(ctx context.Context, job *jobs.PipelineRunJob, handler jobs.JobHandler) {
	log := q.opts.Logger.With().
		Str("job_id", job.JobID).
		Str("owner_id", job.OwnerID).
		Str("run_id", job.RunID).
		Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	q.save(ctx, job, log)

	err := handler(ctx, job)

	completedAt := time.Now()
	job.CompletedAt = &completedAt

	retry := false
	switch {
	case err == nil:
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
	case !errors.Is(err, jobs.ErrPermanent) && job.RetryCount < job.MaxRetries:
		job.Error = err.Error()
		job.RetryCount++
		job.Status = jobs.JobStatusRetrying
		retry = true
	default:
		job.Error = err.Error()
		job.Status = jobs.JobStatusFailed
		log.Error().Err(err).Int("retries", job.RetryCount).Msg("Job failed")
	}
	q.save(ctx, job, log)

	if !retry {
		return
	}
	backoff := time.Duration(job.RetryCount) * q.opts.RetryDelay
	log.Info().Err(err).Int("retry", job.RetryCount).Dur("backoff", backoff).Msg("Retrying job")
	time.AfterFunc(backoff, func() {
		job.Status = jobs.JobStatusPending
		job.StartedAt = nil
		job.CompletedAt = nil
		if err := q.Publish(ctx, job); err != nil {
			log.Error().Err(err).Msg("Failed to re-enqueue job")
			job.Status = jobs.JobStatusFailed
			q.save(context.WithoutCancel(ctx), job, log)
		}
	})
}

func (q *Queue) save(ctx context.Context, job *jobs.PipelineRunJob, log zerolog.Logger) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, job); err != nil {
		log.Warn().Err(err).Str("status", string(job.Status)).Msg("Failed to save job state")
	}
}

// Stop implements the Consumer interface.
// It stops the queue, waits for all in-flight jobs to complete and marks
// the jobs still buffered as failed.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	q.drop(ctx)
	return err
}

// drop fails every buffered job that no worker picked up.
func (q *Queue) drop(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case job := <-q.jobChan:
			if job == nil {
				continue
			}
			log := q.opts.Logger.With().
				Str("job_id", job.JobID).
				Str("owner_id", job.OwnerID).
				Logger()
			log.Warn().Msg("Dropping queued job at shutdown")
			completedAt := time.Now()
			job.Status = jobs.JobStatusFailed
			job.Error = ErrStoppedBeforeStart.Error()
			job.CompletedAt = &completedAt
			q.save(ctx, job, log)
		default:
			return
		}
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
