package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageAnalysisStart Stage = "ANALYSIS_START"
	StageFetchDone     Stage = "FETCH_DONE"
	StageFetchError    Stage = "FETCH_ERROR"
	StageModuleDone    Stage = "MODULE_DONE"
	StageModuleError   Stage = "MODULE_ERROR"
	StageAnalysisDone  Stage = "ANALYSIS_DONE"
	StageAnalysisError Stage = "ANALYSIS_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is a single lifecycle milestone of an analysis.
type Event struct {
	AnalysisID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Module scopes MODULE_* events.
	Module string
	// Host is the target host label for fetch events.
	Host        string
	StatusClass StatusClass
	// Status is the analysis status reached, for ANALYSIS_DONE/ERROR.
	Status string
	Dur    time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.AnalysisID == "" {
		return errors.New("analysis id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageAnalysisStart, StageFetchError, StageAnalysisDone, StageAnalysisError:
	case StageFetchDone:
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageModuleDone, StageModuleError:
		if e.Module == "" {
			return fmt.Errorf("%s requires module", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
