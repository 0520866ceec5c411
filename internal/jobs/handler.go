package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/pipeline"
)

// Runner executes pipeline runs.
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error)
}

// RunHandler returns a handler that executes each job as a pipeline run.
// Only owner lock contention is retried: the run was never created, so the
// next attempt can reuse the job's run id.
func RunHandler(r Runner) JobHandler {
	return func(ctx context.Context, job *PipelineRunJob) error {
		res, err := r.Run(ctx, pipeline.RunRequest{
			RunID:     job.RunID,
			OwnerID:   job.OwnerID,
			Mode:      job.Mode,
			Channel:   job.Channel,
			Body:      job.Body,
			SourceURI: job.SourceURI,
		})
		if errors.Is(err, domain.ErrRunInProgress) {
			return err
		}
		if err != nil {
			return Permanent(err)
		}

		job.RunStatus = res.Run.Status
		if res.Run.Status == domain.RunFailed {
			return Permanent(fmt.Errorf("run %s failed at %s: %s", res.Run.ID, res.Run.FailedStage, res.Run.ErrorSummary))
		}
		return nil
	}
}
