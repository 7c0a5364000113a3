package audit

import "time"

// AnalysisStatus is the lifecycle state of an Analysis.
type AnalysisStatus string

// Analysis status values.
const (
	AnalysisPending             AnalysisStatus = "pending"
	AnalysisProcessing          AnalysisStatus = "processing"
	AnalysisCompleted           AnalysisStatus = "completed"
	AnalysisCompletedWithErrors AnalysisStatus = "completed_with_errors"
	AnalysisFailed              AnalysisStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s AnalysisStatus) Terminal() bool {
	switch s {
	case AnalysisCompleted, AnalysisCompletedWithErrors, AnalysisFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s AnalysisStatus) Valid() bool {
	switch s {
	case AnalysisPending, AnalysisProcessing, AnalysisCompleted, AnalysisCompletedWithErrors, AnalysisFailed:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle state of a per-module JobRecord.
type JobStatus string

// Job record status values.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the record has finished.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// FetchModuleName is reserved for the fetch stage and never aggregated.
const FetchModuleName = "fetch"

// Analysis is one audit request for a single target URL.
type Analysis struct {
	ID          string         `json:"id"`
	TargetURL   string         `json:"target_url"`
	Tenant      string         `json:"tenant"`
	Status      AnalysisStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// JobRecord tracks one analyzer module's execution for one analysis.
type JobRecord struct {
	AnalysisID   string     `json:"analysis_id"`
	Module       string     `json:"module"`
	Status       JobStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// LastActivity returns the most recent timestamp recorded on the row.
func (r JobRecord) LastActivity() time.Time {
	latest := r.CreatedAt
	if r.StartedAt != nil && r.StartedAt.After(latest) {
		latest = *r.StartedAt
	}
	if r.CompletedAt != nil && r.CompletedAt.After(latest) {
		latest = *r.CompletedAt
	}
	return latest
}

// JobTransition describes a conditional JobRecord update. The update applies
// only when the current status is one of From.
type JobTransition struct {
	AnalysisID   string
	Module       string
	From         []JobStatus
	To           JobStatus
	ErrorMessage string
	At           time.Time
}

// Allows reports whether current is an accepted source status.
func (t JobTransition) Allows(current JobStatus) bool {
	for _, s := range t.From {
		if s == current {
			return true
		}
	}
	return false
}

// Module describes an analyzer plug-in.
type Module struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AssetReference is the Asset Store path of a fetch manifest.
type AssetReference string

// FetchJob is the payload of a fetch queue job.
type FetchJob struct {
	AnalysisID string `json:"analysis_id"`
	Tenant     string `json:"tenant"`
	TargetURL  string `json:"target_url"`
}

// FetchResult is returned by the fetch stage on success.
type FetchResult struct {
	Manifest   AssetReference `json:"manifest"`
	StatusCode int            `json:"status_code,omitempty"`
}

// AnalyzerJob is the payload of an analyzer queue job.
type AnalyzerJob struct {
	AnalysisID string         `json:"analysis_id"`
	Tenant     string         `json:"tenant"`
	TargetURL  string         `json:"target_url"`
	Module     string         `json:"module"`
	Manifest   AssetReference `json:"manifest"`
}

// Severity grades a finding.
type Severity string

// Severity levels.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is a single analyzer observation.
type Finding struct {
	Module   string   `json:"module"`
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Selector string   `json:"selector,omitempty"`
}

// StatusReport is the user-facing view of an analysis and its modules.
type StatusReport struct {
	Analysis Analysis    `json:"analysis"`
	Modules  []JobRecord `json:"modules"`
}

// StatusNotification is published when an analysis reaches a terminal status.
type StatusNotification struct {
	AnalysisID string         `json:"analysis_id"`
	Tenant     string         `json:"tenant"`
	TargetURL  string         `json:"target_url"`
	Status     AnalysisStatus `json:"status"`
	At         time.Time      `json:"at"`
	Reason     string         `json:"reason,omitempty"`
}

// Attributes returns message attributes for routing and filtering.
func (n StatusNotification) Attributes() map[string]string {
	return map[string]string{
		"analysis_id": n.AnalysisID,
		"tenant":      n.Tenant,
		"status":      string(n.Status),
	}
}
