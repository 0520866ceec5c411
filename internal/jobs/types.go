// Package jobs defines asynchronous pipeline run jobs and the queue and store
// contracts that carry them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypePipelineRun runs the pipeline for one owner.
	JobTypePipelineRun JobType = "pipeline_run"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

var (
	// ErrJobNotFound is returned by JobStore lookups of an unknown id.
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueClosed is returned when publishing to a stopped queue.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrPermanent marks a handler error that must not be retried.
	ErrPermanent = errors.New("permanent job failure")
)

// Permanent wraps err so the queue fails the job without retrying.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// PipelineRunJob asks for one pipeline run. Body is kept in memory only and
// never serialized with the job state.
type PipelineRunJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	OwnerID   string         `json:"owner_id"`
	Mode      domain.Mode    `json:"mode"`
	Channel   domain.Channel `json:"channel,omitempty"`
	SourceURI string         `json:"source_uri,omitempty"`
	Body      []byte         `json:"-"`

	// RunID is assigned up front so the caller can poll the run.
	RunID string `json:"run_id"`
	// RunStatus is the terminal status of the last attempt's run.
	RunStatus domain.RunStatus `json:"run_status,omitempty"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`
	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// GetType returns the job type.
func (j *PipelineRunJob) GetType() JobType { return JobTypePipelineRun }

// Publisher enqueues jobs.
type Publisher interface {
	Publish(ctx context.Context, job *PipelineRunJob) error
	Close() error
}

// Consumer delivers queued jobs to a handler.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	Start(ctx context.Context, handler JobHandler) error
	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes one job. A non-nil error retries the job unless it
// wraps ErrPermanent.
type JobHandler func(ctx context.Context, job *PipelineRunJob) error

// JobStore tracks job state.
type JobStore interface {
	SaveJob(ctx context.Context, job *PipelineRunJob) error
	GetJob(ctx context.Context, jobID string) (*PipelineRunJob, error)
	// ListJobs returns matching jobs, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*PipelineRunJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	OwnerID string
	Status  JobStatus
	Limit   int
	Offset  int
}
