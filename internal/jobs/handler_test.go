package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-etl/internal/domain"
	"github.com/dvloznov/finance-etl/internal/pipeline"
)

type fakeRunner struct {
	got    pipeline.RunRequest
	status domain.RunStatus
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.RunResult{Run: &domain.PipelineRun{
		ID:           req.RunID,
		Status:       f.status,
		FailedStage:  domain.StageIngest,
		ErrorSummary: "decode failed",
	}}, nil
}

func TestRunHandler(t *testing.T) {
	tests := []struct {
		name          string
		status        domain.RunStatus
		err           error
		wantErr       bool
		wantPermanent bool
	}{
		{name: "succeeded", status: domain.RunSucceeded},
		{name: "partial", status: domain.RunPartial},
		{name: "failed run", status: domain.RunFailed, wantErr: true, wantPermanent: true},
		{name: "owner busy", err: fmt.Errorf("Run: %w", domain.ErrRunInProgress), wantErr: true},
		{name: "invalid request", err: pipeline.ErrInvalidRequest, wantErr: true, wantPermanent: true},
		{name: "store failure", err: errors.New("connection reset"), wantErr: true, wantPermanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{status: tt.status, err: tt.err}
			job := &PipelineRunJob{
				JobID:     "job-1",
				RunID:     "run-1",
				OwnerID:   "owner-1",
				Mode:      domain.ModeFull,
				Channel:   domain.ChannelCSV,
				SourceURI: "gs://bucket/a.csv",
			}

			err := RunHandler(r)(context.Background(), job)

			assert.Equal(t, "run-1", r.got.RunID)
			assert.Equal(t, "gs://bucket/a.csv", r.got.SourceURI)
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.status, job.RunStatus)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, errors.Is(err, ErrPermanent))
		})
	}
}
