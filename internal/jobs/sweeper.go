package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// BacklogSource lists owners with rows waiting for Transform.
type BacklogSource interface {
	OwnersWithBacklog(ctx context.Context, limit int) ([]string, error)
}

// Sweeper periodically publishes a transform-only job for every owner with
// a backlog. Owners whose latest job has not finished are skipped.
type Sweeper struct {
	Source    BacklogSource
	Publisher Publisher
	Store     JobStore
	Interval  time.Duration
	Batch     int
	Log       zerolog.Logger
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		if n, err := s.SweepOnce(ctx); err != nil {
			s.Log.Error().Err(err).Msg("Backlog sweep failed")
		} else if n > 0 {
			s.Log.Info().Int("published", n).Msg("Backlog sweep published jobs")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce publishes jobs for the current backlog and returns how many
// were published.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	owners, err := s.Source.OwnersWithBacklog(ctx, s.Batch)
	if err != nil {
		return 0, fmt.Errorf("SweepOnce: %w", err)
	}

	published := 0
	for _, owner := range owners {
		busy, err := s.hasOpenJob(ctx, owner)
		if err != nil {
			return published, fmt.Errorf("SweepOnce: %w", err)
		}
		if busy {
			s.Log.Debug().Str("owner_id", owner).Msg("Owner has an open job, skipping")
			continue
		}

		job := &PipelineRunJob{OwnerID: owner, Mode: domain.ModeTransformOnly}
		if err := s.Publisher.Publish(ctx, job); err != nil {
			return published, fmt.Errorf("SweepOnce: publishing job for %s: %w", owner, err)
		}
		published++
	}
	return published, nil
}

func (s *Sweeper) hasOpenJob(ctx context.Context, owner string) (bool, error) {
	if s.Store == nil {
		return false, nil
	}
	latest, err := s.Store.ListJobs(ctx, JobFilter{OwnerID: owner, Limit: 1})
	if err != nil {
		return false, err
	}
	if len(latest) == 0 {
		return false, nil
	}
	switch latest[0].Status {
	case JobStatusPending, JobStatusRunning, JobStatusRetrying:
		return true, nil
	}
	return false, nil
}
