package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dvloznov/finance-etl/internal/domain"
)

var terminalStatuses = []domain.RunStatus{
	domain.RunSucceeded, domain.RunFailed, domain.RunPartial, domain.RunCancelled,
}

// CreateRun implements store.RunRepository.
func (s *Store) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Omit("Steps").Create(run).Error; err != nil {
		return fmt.Errorf("CreateRun: inserting run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateRun implements store.RunRepository. The update only matches rows that
// are not yet terminal.
func (s *Store) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	res := s.db.WithContext(ctx).Model(&domain.PipelineRun{}).
		Where("id = ? AND status NOT IN ?", run.ID, terminalStatuses).
		Updates(map[string]any{
			"status":        run.Status,
			"failed_stage":  run.FailedStage,
			"error_summary": run.ErrorSummary,
			"finished_at":   run.FinishedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("UpdateRun: updating run %s: %w", run.ID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return s.missingOrFinalized(ctx, run.ID)
}

// AppendStep implements store.RunRepository.
func (s *Store) AppendStep(ctx context.Context, step *domain.StepLog) error {
	var run domain.PipelineRun
	if err := s.db.WithContext(ctx).Select("id", "status").First(&run, "id = ?", step.RunID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrRunNotFound
		}
		return fmt.Errorf("AppendStep: reading run %s: %w", step.RunID, err)
	}
	if run.Status.Terminal() {
		return domain.ErrRunFinalized
	}
	if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
		return fmt.Errorf("AppendStep: inserting %s step of run %s: %w", step.Stage, step.RunID, err)
	}
	return nil
}

// GetRun implements store.RunRepository.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	err := s.db.WithContext(ctx).Preload("Steps", orderByID).First(&run, "id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("GetRun: reading run %s: %w", runID, err)
	}
	return &run, nil
}

// LatestRun implements store.RunRepository.
func (s *Store) LatestRun(ctx context.Context, ownerID string) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	err := s.db.WithContext(ctx).Preload("Steps", orderByID).
		Where("owner_id = ?", ownerID).
		Order("started_at DESC, id DESC").
		Take(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("LatestRun: reading owner %s: %w", ownerID, err)
	}
	return &run, nil
}

func (s *Store) missingOrFinalized(ctx context.Context, runID string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&domain.PipelineRun{}).Where("id = ?", runID).Count(&n).Error; err != nil {
		return fmt.Errorf("UpdateRun: checking run %s: %w", runID, err)
	}
	if n == 0 {
		return domain.ErrRunNotFound
	}
	return domain.ErrRunFinalized
}

func orderByID(db *gorm.DB) *gorm.DB { return db.Order("id") }
