// Package bigquery exports finished pipeline runs to a BigQuery table for
// offline analysis and reads them back for run history.
package bigquery

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// PipelineRunRow is one row of the pipeline_runs table.
type PipelineRunRow struct {
	RunID   string `bigquery:"run_id"`   // REQUIRED
	OwnerID string `bigquery:"owner_id"` // REQUIRED
	Mode    string `bigquery:"mode"`
	Channel string `bigquery:"channel"`
	Status  string `bigquery:"status"`

	FailedStage  string `bigquery:"failed_stage"`  // NULLABLE
	ErrorMessage string `bigquery:"error_message"` // NULLABLE

	StartedTS  time.Time              `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	RecordsIn       int64 `bigquery:"records_in"`
	RecordsRejected int64 `bigquery:"records_rejected"`
	Duplicates      int64 `bigquery:"duplicates"`

	Steps []StepLogRow `bigquery:"steps"` // REPEATED
}

// StepLogRow is a nested step of a PipelineRunRow.
type StepLogRow struct {
	Stage             string                 `bigquery:"stage"`
	Status            string                 `bigquery:"status"`
	RecordsIn         int64                  `bigquery:"records_in"`
	RecordsNormalized int64                  `bigquery:"records_normalized"`
	RecordsRejected   int64                  `bigquery:"records_rejected"`
	Duplicates        int64                  `bigquery:"duplicates"`
	ElapsedMS         int64                  `bigquery:"elapsed_ms"`
	Error             string                 `bigquery:"error"`
	Rejections        bigquery.NullJSON      `bigquery:"rejections"` // NULLABLE
	Warnings          []string               `bigquery:"warnings"`   // REPEATED
	StartedTS         bigquery.NullTimestamp `bigquery:"started_ts"` // NULLABLE
}

// RowFromRun flattens a run and its steps. RecordsIn is taken from the first
// executed step; rejections and duplicates are summed over all steps.
func RowFromRun(run *domain.PipelineRun) (*PipelineRunRow, error) {
	row := &PipelineRunRow{
		RunID:        run.ID,
		OwnerID:      run.OwnerID,
		Mode:         string(run.Mode),
		Channel:      string(run.Channel),
		Status:       string(run.Status),
		FailedStage:  string(run.FailedStage),
		ErrorMessage: run.ErrorSummary,
		StartedTS:    run.StartedAt,
		FinishedTS:   nullTimestamp(run.FinishedAt),
	}

	counted := false
	for _, s := range run.Steps {
		step := StepLogRow{
			Stage:             string(s.Stage),
			Status:            string(s.Status),
			RecordsIn:         int64(s.RecordsIn),
			RecordsNormalized: int64(s.RecordsNormalized),
			RecordsRejected:   int64(s.RecordsRejected),
			Duplicates:        int64(s.Duplicates),
			ElapsedMS:         s.ElapsedMS,
			Error:             s.Error,
			Warnings:          s.Warnings,
			StartedTS:         nullTimestamp(s.StartedAt),
		}
		if len(s.Rejections) > 0 {
			data, err := json.Marshal(s.Rejections)
			if err != nil {
				return nil, fmt.Errorf("RowFromRun: encoding %s rejections: %w", s.Stage, err)
			}
			step.Rejections = bigquery.NullJSON{JSONVal: string(data), Valid: true}
		}
		row.Steps = append(row.Steps, step)

		row.RecordsRejected += int64(s.RecordsRejected)
		row.Duplicates += int64(s.Duplicates)
		if !counted && s.Status != domain.StepSkipped {
			row.RecordsIn = int64(s.RecordsIn)
			counted = true
		}
	}
	return row, nil
}

func nullTimestamp(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: *t, Valid: true}
}
