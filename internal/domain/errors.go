package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is returned when the owner already has an active run.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinalized is returned when a terminal run is modified.
	ErrRunFinalized = errors.New("run is finalized")
	// ErrInvalidTransition is returned for a state change the run model forbids.
	ErrInvalidTransition = errors.New("invalid run transition")
	// ErrFingerprintCollision means a fingerprint is already stored for a
	// different owner. Fingerprints include the owner, so this is corruption.
	ErrFingerprintCollision = errors.New("fingerprint collision across owners")
)

// RejectionKind classifies a per-record problem.
type RejectionKind string

const (
	KindIngestRejection    RejectionKind = "ingest_rejection"
	KindTransformRejection RejectionKind = "transform_rejection"
	KindConsistencyError   RejectionKind = "consistency_error"
)

// Rejection is a per-record error. It is accumulated on the step log and
// never aborts a run.
type Rejection struct {
	Kind   RejectionKind `json:"kind"`
	Stage  Stage         `json:"stage"`
	Ref    string        `json:"ref"`
	Reason string        `json:"reason"`
}

func (r Rejection) Error() string {
	return fmt.Sprintf("%s %s: %s", r.Kind, r.Ref, r.Reason)
}

// IngestRejection reports a source record that could not be normalized.
func IngestRejection(ref, reason string) Rejection {
	return Rejection{Kind: KindIngestRejection, Stage: StageIngest, Ref: ref, Reason: reason}
}

// TransformRejection reports a stored record that could not be parsed.
func TransformRejection(ref, reason string) Rejection {
	return Rejection{Kind: KindTransformRejection, Stage: StageTransform, Ref: ref, Reason: reason}
}

// ConsistencyError reports a processed record that violates a ledger rule.
func ConsistencyError(ref, reason string) Rejection {
	return Rejection{Kind: KindConsistencyError, Stage: StageLoad, Ref: ref, Reason: reason}
}

// FatalError aborts a run at Stage.
type FatalError struct {
	Stage Stage
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error in %s stage: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError unless it already is one.
func Fatal(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalError{Stage: stage, Err: err}
}
