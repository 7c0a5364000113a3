package audit

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrFetchTimeout      = errors.New("fetch stage timed out")
	ErrNoModulesEnqueued = errors.New("no analyzer modules enqueued")
	ErrNoJobRecords      = errors.New("analysis has no job records")
)

// ErrorKind classifies stage failures.
type ErrorKind string

// Error kinds.
const (
	KindTransient     ErrorKind = "transient"
	KindFatal         ErrorKind = "fatal"
	KindOrchestration ErrorKind = "orchestration"
	KindTimeout       ErrorKind = "timeout"
)

// StageError annotates an error with the stage that produced it and its kind.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Retryable reports whether the queue may re-attempt the job.
func (e *StageError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindTimeout
}

// Transient wraps err as a retryable stage failure.
func Transient(stage string, err error) error {
	return &StageError{Stage: stage, Kind: KindTransient, Err: err}
}

// Fatal wraps err as a non-retryable stage failure.
func Fatal(stage string, err error) error {
	return &StageError{Stage: stage, Kind: KindFatal, Err: err}
}

// Orchestration wraps err as an orchestrator failure.
func Orchestration(stage string, err error) error {
	return &StageError{Stage: stage, Kind: KindOrchestration, Err: err}
}

// IsFatal reports whether err carries a fatal StageError.
func IsFatal(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == KindFatal
}

// KindOf returns the kind of the outermost StageError, or "" if none.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
