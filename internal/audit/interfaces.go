package audit

import (
	"context"
	"time"
)

// AnalysisStore persists Analysis rows.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, analysis Analysis) error
	GetAnalysis(ctx context.Context, id string) (Analysis, error)
	// UpdateStatusIfCurrent moves the analysis to next only when its status is
	// expected. It reports whether the row changed.
	UpdateStatusIfCurrent(ctx context.Context, id string, expected, next AnalysisStatus, at time.Time) (bool, error)
}

// JobRecordStore persists per-module JobRecords.
type JobRecordStore interface {
	// CreateJobRecords inserts one pending record per module, skipping ones
	// that already exist, and returns how many were inserted.
	CreateJobRecords(ctx context.Context, analysisID string, modules []string, at time.Time) (int, error)
	ListJobRecords(ctx context.Context, analysisID string) ([]JobRecord, error)
	// TransitionJobRecord applies t when the record's current status is in
	// t.From and reports whether it changed. A missing record is ErrNotFound,
	// never (false, nil).
	TransitionJobRecord(ctx context.Context, t JobTransition) (bool, error)
	// ListStaleJobRecords returns non-terminal records of processing analyses
	// whose last activity is before cutoff.
	ListStaleJobRecords(ctx context.Context, cutoff time.Time, limit int) ([]JobRecord, error)
}

// Store combines the persistence interfaces.
type Store interface {
	AnalysisStore
	JobRecordStore
}

// BlobStore writes and reads raw artifacts.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Reconciler finalizes an analysis once every job record is terminal.
type Reconciler interface {
	ReconcileAnalysis(ctx context.Context, analysisID string) (bool, AnalysisStatus, error)
}

// Invalidator drops cached values derived from an analysis.
type Invalidator interface {
	Invalidate(analysisID string)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces analysis IDs.
type IDGenerator interface {
	NewID() (string, error)
}
