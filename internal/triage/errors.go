package triage

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Service wraps exactly one of these so
// callers can branch with errors.Is.
var (
	// ErrInput is a malformed or empty batch, or an invalid update request.
	ErrInput = errors.New("invalid input")

	// ErrModelUnavailable means the detector or prioritizer is not loaded.
	ErrModelUnavailable = errors.New("models not loaded")

	// ErrAlignment means records could not be aligned to a model schema.
	ErrAlignment = errors.New("feature alignment failed")

	// ErrScoring means a scorer failed or returned an unusable distribution.
	ErrScoring = errors.New("scoring failed")

	// ErrPersist means a state document could not be written.
	ErrPersist = errors.New("state persistence failed")
)

// Stage names used in StageError, logs and metrics.
const (
	StageDetectAlign   = "detect_align"
	StageDetect        = "detect"
	StagePriorityAlign = "priority_align"
	StagePriority      = "priority"
	StageStats         = "stats"
)

// StageError records which pipeline stage failed.
type StageError struct {
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func stageErr(stage string, kind, err error) error {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// inputErr wraps a validation message as ErrInput.
func inputErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInput, fmt.Sprintf(format, args...))
}
