package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/site-auditor/internal/audit"
)

type recordKey struct {
	analysisID string
	module     string
}

// Store implements audit.Store in memory.
type Store struct {
	mu       sync.RWMutex
	analyses map[string]audit.Analysis
	records  map[recordKey]audit.JobRecord
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		analyses: make(map[string]audit.Analysis),
		records:  make(map[recordKey]audit.JobRecord),
	}
}

// CreateAnalysis stores a new analysis.
func (s *Store) CreateAnalysis(_ context.Context, analysis audit.Analysis) error {
	if analysis.ID == "" {
		return fmt.Errorf("analysis id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.analyses[analysis.ID]; exists {
		return fmt.Errorf("analysis %s already exists", analysis.ID)
	}
	s.analyses[analysis.ID] = analysis
	return nil
}

// GetAnalysis fetches an analysis by ID.
func (s *Store) GetAnalysis(_ context.Context, id string) (audit.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analyses[id]
	if !ok {
		return audit.Analysis{}, fmt.Errorf("analysis %s: %w", id, audit.ErrNotFound)
	}
	return a, nil
}

// UpdateStatusIfCurrent applies expected -> next atomically.
func (s *Store) UpdateStatusIfCurrent(_ context.Context, id string, expected, next audit.AnalysisStatus, at time.Time) (bool, error) {
	if err := audit.ValidateTransition(expected, next); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[id]
	if !ok {
		return false, fmt.Errorf("analysis %s: %w", id, audit.ErrNotFound)
	}
	if a.Status != expected {
		return false, nil
	}
	a.Status = next
	if next.Terminal() {
		a.CompletedAt = pointerTime(at)
	}
	s.analyses[id] = a
	return true, nil
}

// CreateJobRecords inserts pending records for modules not yet present.
func (s *Store) CreateJobRecords(_ context.Context, analysisID string, modules []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, m := range modules {
		key := recordKey{analysisID, m}
		if _, exists := s.records[key]; exists {
			continue
		}
		s.records[key] = audit.JobRecord{
			AnalysisID: analysisID,
			Module:     m,
			Status:     audit.JobPending,
			CreatedAt:  at,
		}
		inserted++
	}
	return inserted, nil
}

// ListJobRecords returns the analysis's records ordered by module name.
func (s *Store) ListJobRecords(_ context.Context, analysisID string) ([]audit.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.JobRecord
	for k, r := range s.records {
		if k.analysisID == analysisID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

// TransitionJobRecord applies t when the record's status is in t.From.
func (s *Store) TransitionJobRecord(_ context.Context, t audit.JobTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{t.AnalysisID, t.Module}
	r, ok := s.records[key]
	if !ok {
		return false, fmt.Errorf("job record %s/%s: %w", t.AnalysisID, t.Module, audit.ErrNotFound)
	}
	if !t.Allows(r.Status) {
		return false, nil
	}
	r.Status = t.To
	if t.To == audit.JobRunning && r.StartedAt == nil {
		r.StartedAt = pointerTime(t.At)
	}
	if t.To.Terminal() {
		r.CompletedAt = pointerTime(t.At)
		r.ErrorMessage = t.ErrorMessage
	}
	s.records[key] = r
	return true, nil
}

// ListStaleJobRecords returns non-terminal records of processing analyses
// idle since before cutoff, oldest first.
func (s *Store) ListStaleJobRecords(_ context.Context, cutoff time.Time, limit int) ([]audit.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.JobRecord
	for _, r := range s.records {
		if r.Status.Terminal() || !r.LastActivity().Before(cutoff) {
			continue
		}
		if a, ok := s.analyses[r.AnalysisID]; !ok || a.Status != audit.AnalysisProcessing {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity().Before(out[j].LastActivity()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
