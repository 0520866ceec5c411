package domain

import (
	"fmt"
	"time"
)

// Stage is one of the four pipeline stages.
type Stage string

const (
	StageIngest    Stage = "ingest"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
	StageAggregate Stage = "aggregate"
)

// AllStages lists the stages in execution order.
var AllStages = []Stage{StageIngest, StageTransform, StageLoad, StageAggregate}

// Mode selects which stages a run executes.
type Mode string

const (
	ModeFull          Mode = "full"
	ModeIngestOnly    Mode = "ingest-only"
	ModeTransformOnly Mode = "transform-only"
	ModeLoadOnly      Mode = "load-only"
	ModeAggregateOnly Mode = "aggregate-only"
)

// Stages returns the stages executed in mode m, in order.
func (m Mode) Stages() ([]Stage, error) {
	switch m {
	case ModeFull, "":
		return AllStages, nil
	case ModeIngestOnly:
		return []Stage{StageIngest}, nil
	case ModeTransformOnly:
		return []Stage{StageTransform}, nil
	case ModeLoadOnly:
		return []Stage{StageLoad}, nil
	case ModeAggregateOnly:
		return []Stage{StageAggregate}, nil
	}
	return nil, fmt.Errorf("unknown mode %q", m)
}

// NeedsInput reports whether the mode consumes a raw payload batch.
func (m Mode) NeedsInput() bool {
	return m == ModeFull || m == "" || m == ModeIngestOnly
}

// RunStatus is the state of a pipeline run.
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunIngesting    RunStatus = "ingesting"
	RunTransforming RunStatus = "transforming"
	RunLoading      RunStatus = "loading"
	RunAggregating  RunStatus = "aggregating"
	RunSucceeded    RunStatus = "succeeded"
	RunFailed       RunStatus = "failed"
	RunPartial      RunStatus = "partial"
	RunCancelled    RunStatus = "cancelled"
)

var stageStatus = map[Stage]RunStatus{
	StageIngest:    RunIngesting,
	StageTransform: RunTransforming,
	StageLoad:      RunLoading,
	StageAggregate: RunAggregating,
}

// RunningStatus returns the run status while stage s executes.
func RunningStatus(s Stage) RunStatus { return stageStatus[s] }

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunPartial, RunCancelled:
		return true
	}
	return false
}

func (s RunStatus) inProgress() bool {
	switch s {
	case RunIngesting, RunTransforming, RunLoading, RunAggregating:
		return true
	}
	return false
}

var statusOrder = map[RunStatus]int{
	RunPending:      0,
	RunIngesting:    1,
	RunTransforming: 2,
	RunLoading:      3,
	RunAggregating:  4,
}

// CanTransition reports whether a run may move from s to next. Stage states
// only move forward. pending may jump straight to any stage state so that
// single-stage runs start where they were asked to.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case RunFailed:
		return s.inProgress()
	case RunSucceeded, RunPartial:
		return s.inProgress()
	case RunCancelled:
		return s.inProgress() || s == RunPending
	}
	if !next.inProgress() {
		return false
	}
	return statusOrder[next] > statusOrder[s]
}

// StepStatus is the state of one stage inside a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PipelineRun is one orchestrator invocation for one owner.
type PipelineRun struct {
	ID           string     `gorm:"primaryKey;type:uuid" json:"run_id"`
	OwnerID      string     `gorm:"not null;index" json:"owner_id"`
	Mode         Mode       `gorm:"type:varchar(32)" json:"mode"`
	Stages       []Stage    `gorm:"serializer:json" json:"stages"`
	Status       RunStatus  `gorm:"type:varchar(16);index" json:"status"`
	Channel      Channel    `gorm:"type:varchar(16)" json:"channel,omitempty"`
	FailedStage  Stage      `gorm:"type:varchar(16)" json:"failed_stage,omitempty"`
	ErrorSummary string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Steps        []StepLog  `gorm:"foreignKey:RunID" json:"steps"`
}

// Transition moves the run to next or reports why it cannot.
func (r *PipelineRun) Transition(next RunStatus) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	return nil
}

// StepLog records the outcome of one stage of a run.
type StepLog struct {
	ID                uint        `gorm:"primaryKey" json:"-"`
	RunID             string      `gorm:"type:uuid;index" json:"run_id"`
	Stage             Stage       `gorm:"type:varchar(16)" json:"stage"`
	Status            StepStatus  `gorm:"type:varchar(16)" json:"status"`
	RecordsIn         int         `json:"records_in"`
	RecordsNormalized int         `json:"records_normalized"`
	RecordsRejected   int         `json:"records_rejected"`
	Duplicates        int         `json:"duplicates"`
	Rejections        []Rejection `gorm:"serializer:json" json:"rejections,omitempty"`
	Warnings          []string    `gorm:"serializer:json" json:"warnings,omitempty"`
	Error             string      `json:"error,omitempty"`
	StartedAt         *time.Time  `json:"started_at,omitempty"`
	FinishedAt        *time.Time  `json:"finished_at,omitempty"`
	ElapsedMS         int64       `json:"elapsed_ms"`
}
